package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coven/daemon/internal/agent"
	"github.com/coven/daemon/internal/agent/anthropicrunner"
	"github.com/coven/daemon/internal/api"
	"github.com/coven/daemon/internal/config"
	"github.com/coven/daemon/internal/defaults"
	"github.com/coven/daemon/internal/git"
	"github.com/coven/daemon/internal/logging"
	"github.com/coven/daemon/internal/questions"
	"github.com/coven/daemon/internal/scheduler"
	"github.com/coven/daemon/internal/state"
	"github.com/coven/daemon/internal/store"
	"github.com/coven/daemon/pkg/types"
)

// retentionSweepInterval is how often the retention sweep heartbeat runs;
// the soft-delete/retention windows themselves come from config.
const retentionSweepInterval = 1 * time.Hour

// Daemon manages the covend daemon lifecycle.
type Daemon struct {
	workspace  string
	covenDir   string
	server     *api.Server
	logger     *logging.Logger
	config     *config.Config
	startTime  time.Time
	version    string
	shutdownCh chan struct{}

	// Components
	store            *state.Store
	instanceLock     *store.InstanceLock
	processManager   *agent.ProcessManager
	worktreeManager  *git.WorktreeManager
	scheduler        *scheduler.Scheduler
	questionDetector *questions.Detector
	eventBroker      *api.EventBroker

	retentionCancel context.CancelFunc
}

// New creates a new daemon for the given workspace.
func New(workspace, version string) (*Daemon, error) {
	covenDir := filepath.Join(workspace, ".coven")

	// Ensure .coven directory exists
	if err := os.MkdirAll(covenDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .coven directory: %w", err)
	}

	// Initialize defaults (copies default grimoires/spells to .coven if not present)
	// This is done early so defaults are available for the rest of initialization
	if initResult, err := defaults.Initialize(covenDir); err != nil {
		// Log warning but don't fail - defaults are optional
		fmt.Fprintf(os.Stderr, "warning: failed to initialize defaults: %v\n", err)
	} else if initResult.TotalCopied() > 0 {
		fmt.Fprintf(os.Stderr, "Initialized %d default files (spells: %d, grimoires: %d)\n",
			initResult.TotalCopied(), len(initResult.SpellsCopied), len(initResult.GrimoiresCopied))
	}

	// Load configuration
	cfg, err := config.Load(covenDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger, err := logging.New(filepath.Join(covenDir, "covend.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(logging.LevelDebug)
	case "warn":
		logger.SetLevel(logging.LevelWarn)
	case "error":
		logger.SetLevel(logging.LevelError)
	}

	socketPath := filepath.Join(covenDir, "covend.sock")
	server := api.NewServer(socketPath)

	// Initialize components
	st := state.NewStore(covenDir)
	if err := st.Err(); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	eventBroker := api.NewEventBroker(st)
	processManager := agent.NewProcessManager(logger)
	worktreeManager := git.NewWorktreeManager(workspace, logger)
	questionDetector := questions.NewDetector()
	sched := scheduler.NewScheduler(st, processManager, worktreeManager, logger, covenDir)

	// Apply config settings
	sched.SetMaxAgents(cfg.MaxConcurrentAgents)
	sched.SetClaimTimeout(cfg.ClaimTimeout())
	if cfg.AgentCommand != "" {
		sched.SetAgentCommand(cfg.AgentCommand, cfg.AgentArgs)
	}

	if cfg.AgentProvider == "anthropic" {
		apiKeyEnv := cfg.AnthropicAPIKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "ANTHROPIC_API_KEY"
		}
		runner, err := anthropicrunner.New(anthropicrunner.Config{
			APIKey:    os.Getenv(apiKeyEnv),
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.AnthropicMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic agent runner: %w", err)
		}
		sched.SetAgentRunner(runner)
	}

	// Wire up event emitter for workflow events
	sched.SetEventEmitter(eventBroker)

	// Wire up event callbacks - this handles both state updates and event emission
	processManager.OnComplete(func(result *agent.ProcessResult) {
		logger.Info("agent completed",
			"task_id", result.TaskID,
			"exit_code", result.ExitCode,
			"duration", result.Duration,
		)

		// Update agent status in store
		st.UpdateAgentStatus(result.TaskID, result.ToAgentStatus())
		st.SetAgentExitCode(result.TaskID, result.ExitCode)
		if result.Error != "" {
			st.SetAgentError(result.TaskID, result.Error)
		}

		// Emit event
		agnt := st.GetAgent(result.TaskID)
		if agnt != nil {
			if result.Error != "" {
				eventBroker.EmitAgentFailed(agnt, result.Error)
			} else {
				eventBroker.EmitAgentCompleted(agnt)
			}
		}
	})

	processManager.OnOutput(func(taskID string, line agent.OutputLine) {
		// Check for questions
		questionDetector.ProcessLine(taskID, line)
		eventBroker.EmitAgentOutput(taskID, line.Data)
	})

	questionDetector.OnQuestion(func(q *questions.Question) {
		eventBroker.Broadcast(&types.Event{
			Type: types.EventTypeAgentQuestion,
			Data: map[string]interface{}{
				"question_id": q.ID,
				"task_id":     q.TaskID,
				"type":        q.Type,
				"text":        q.Text,
				"options":     q.Options,
			},
			Timestamp: time.Now(),
		})
	})

	return &Daemon{
		workspace:        workspace,
		covenDir:         covenDir,
		server:           server,
		logger:           logger,
		config:           cfg,
		version:          version,
		shutdownCh:       make(chan struct{}),
		store:            st,
		processManager:   processManager,
		worktreeManager:  worktreeManager,
		scheduler:        sched,
		questionDetector: questionDetector,
		eventBroker:      eventBroker,
	}, nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	// Fail fast if another daemon already holds the instance lock on this
	// workspace, instead of racing it for the Unix socket.
	lock, err := store.AcquireInstanceLock(d.covenDir)
	if err != nil {
		return err
	}
	d.instanceLock = lock
	defer func() {
		if relErr := d.instanceLock.Release(); relErr != nil {
			d.logger.Warn("failed to release instance lock", "error", relErr)
		}
	}()

	// No live daemon holds the lock, so any leftover socket is stale.
	os.Remove(filepath.Join(d.covenDir, "covend.sock"))

	// Register handlers
	d.registerHandlers()

	// Start server
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	d.startTime = time.Now()
	d.logger.Info("daemon started", "workspace", d.workspace, "version", d.version)

	// Start the retention sweep (soft-delete, purge, event trim) on its own
	// heartbeat, independent of the scheduler's faster reconcile loop.
	retentionCtx, cancel := context.WithCancel(context.Background())
	d.retentionCancel = cancel
	go d.store.Underlying().RunRetentionLoop(retentionCtx, retentionSweepInterval, store.RetentionPolicy{
		SoftDeleteDays: d.config.SoftDeleteDays,
		RetentionDays:  d.config.RetentionDays,
	}, func(softDeleted, purged int, trimmedEvents int64, sweepErr error) {
		if sweepErr != nil {
			d.logger.Error("retention sweep failed", "error", sweepErr)
			return
		}
		if softDeleted > 0 || purged > 0 || trimmedEvents > 0 {
			d.logger.Info("retention sweep completed",
				"soft_deleted", softDeleted,
				"purged", purged,
				"trimmed_events", trimmedEvents,
			)
		}
	})
	defer d.retentionCancel()

	// Watch the grimoire matcher config so edits to grimoire-matchers.yaml
	// take effect without a daemon restart.
	watchCtx, watchCancel := context.WithCancel(context.Background())
	go func() {
		if err := d.scheduler.WatchGrimoireMatchers(watchCtx); err != nil {
			d.logger.Warn("grimoire matcher watch stopped", "error", err)
		}
	}()
	defer watchCancel()

	// Start scheduler (handles workflow resumption and reconciliation)
	d.scheduler.Start()
	defer d.scheduler.Stop()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		d.logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		d.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-d.shutdownCh:
		d.logger.Info("shutdown requested")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := d.server.Stop(shutdownCtx); err != nil {
		d.logger.Error("failed to stop server", "error", err)
		return err
	}

	d.logger.Info("daemon stopped")
	return nil
}

// Shutdown triggers a graceful shutdown of the daemon.
func (d *Daemon) Shutdown() {
	close(d.shutdownCh)
}

// registerHandlers sets up the HTTP endpoints.
func (d *Daemon) registerHandlers() {
	// Core daemon endpoints (health and version handled by api handlers)
	d.server.RegisterHandlerFunc("/shutdown", d.handleShutdown)

	// API handlers (health, version, state, tasks)
	apiHandlers := api.NewHandlers(d.store, d.version, "", "", d.workspace)
	apiHandlers.Register(d.server)

	// Agent handlers
	agentHandlers := agent.NewHandlers(d.store, d.processManager)
	agentHandlers.Register(d.server)

	// Question handlers
	questionHandlers := questions.NewHandlers(d.questionDetector)
	questionHandlers.Register(d.server)

	// Scheduler/task control handlers
	schedulerHandlers := scheduler.NewHandlers(d.store, d.scheduler)
	schedulerHandlers.Register(d.server)

	// Workflow handlers
	workflowHandlers := scheduler.NewWorkflowHandlers(d.store, d.scheduler, d.covenDir)
	workflowHandlers.Register(d.server)

	// SSE event stream
	d.eventBroker.Register(d.server)
}

// handleShutdown triggers a graceful shutdown.
func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	// Trigger shutdown in a goroutine so the response can be sent
	go d.Shutdown()
}

// Workspace returns the workspace path.
func (d *Daemon) Workspace() string {
	return d.workspace
}

// Version returns the daemon version.
func (d *Daemon) Version() string {
	return d.version
}

// Config returns the daemon configuration.
func (d *Daemon) Config() *config.Config {
	return d.config
}
