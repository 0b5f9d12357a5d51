package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/coven/daemon/internal/grimoire"
	"github.com/coven/daemon/internal/logging"
	"github.com/coven/daemon/internal/store"
	"github.com/coven/daemon/pkg/types"
)

// matchersFileName is the hot-reloadable matcher config consulted before
// falling back to the legacy grimoire-mapping.json.
const matchersFileName = "grimoire-matchers.yaml"

// legacyMappingFileName is the older, simpler by_type/default config format.
const legacyMappingFileName = "grimoire-mapping.json"

// watchDebounce coalesces the burst of events most editors generate for a
// single save (write + chmod, or a temp-file rename) into one reload.
const watchDebounce = 200 * time.Millisecond

// GrimoireMappingConfig contains the grimoire mapping configuration.
type GrimoireMappingConfig struct {
	// Default is the default grimoire to use when no other mapping applies.
	Default string `json:"default" yaml:"default"`

	// ByType maps task types to grimoire names.
	ByType map[string]string `json:"by_type" yaml:"by_type"`

	// Matchers is an ordered list of tag/priority/type rules, evaluated in
	// list order, before ByType. Only populated from grimoire-matchers.yaml;
	// the legacy JSON format has no equivalent.
	Matchers []store.Matcher `json:"-" yaml:"matchers"`
}

// GrimoireMapper resolves which grimoire to use for a given task.
type GrimoireMapper struct {
	mu             sync.RWMutex
	config         *GrimoireMappingConfig
	grimoireLoader *grimoire.Loader
	covenDir       string
}

// NewGrimoireMapper creates a new grimoire mapper.
func NewGrimoireMapper(covenDir string, grimoireLoader *grimoire.Loader) *GrimoireMapper {
	return &GrimoireMapper{
		config:         nil,
		grimoireLoader: grimoireLoader,
		covenDir:       covenDir,
	}
}

// TaskInfo contains the information needed to resolve a grimoire.
type TaskInfo struct {
	// ID is the task identifier.
	ID string

	// Labels are the task's labels (e.g., ["grimoire:implement-task", "priority:high"]).
	Labels []string

	// Type is the task type (e.g., "feature", "bug", "task").
	Type string

	// Title is the task title.
	Title string

	// Body is the task description/body.
	Body string

	// Priority is the task priority (e.g., "P1", "P2").
	Priority string

	// PriorityNum is the numeric task priority, used by Matchers rules.
	PriorityNum int

	// Tags is the task's tag set, matched against Matchers any_tags/all_tags/not_tags.
	Tags []string

	// ParentID is the task's parent task ID, if any, used by Matchers has_parent.
	ParentID string
}

// Resolve determines which grimoire to use for a task.
// Resolution order:
// 1. Explicit label on task: grimoire:name
// 2. First matching rule in Matchers (grimoire-matchers.yaml)
// 3. Type-based mapping from config (by_type)
// 4. Default grimoire from config
// 5. Built-in default (implement-task)
func (m *GrimoireMapper) Resolve(info TaskInfo) (string, error) {
	cfg, err := m.currentConfig()
	if err != nil {
		return "", fmt.Errorf("failed to load grimoire mapping config: %w", err)
	}

	// 1. Check for explicit grimoire label
	grimoireName := m.extractGrimoireLabel(info.Labels)
	if grimoireName != "" {
		return m.validateGrimoire(grimoireName)
	}

	// 2. Check the tag/priority/type matcher rules
	if len(cfg.Matchers) > 0 {
		task := types.Task{
			Type:     info.Type,
			Tags:     info.Tags,
			Priority: info.PriorityNum,
			Body:     info.Body,
			ParentID: info.ParentID,
		}
		if name, ok := store.Match(task, cfg.Matchers); ok {
			return m.validateGrimoire(name)
		}
	}

	// 3. Check type-based mapping
	if cfg.ByType != nil && info.Type != "" {
		if mapped, ok := cfg.ByType[info.Type]; ok && mapped != "" {
			return m.validateGrimoire(mapped)
		}
	}

	// 4. Use default from config
	if cfg.Default != "" {
		return m.validateGrimoire(cfg.Default)
	}

	// 5. Built-in default
	return m.validateGrimoire(BuiltinDefaultGrimoire)
}

// BuiltinDefaultGrimoire is the name of the built-in default grimoire.
const BuiltinDefaultGrimoire = "implement-task"

// extractGrimoireLabel extracts a grimoire name from task labels.
// Looks for labels in the format "grimoire:name".
func (m *GrimoireMapper) extractGrimoireLabel(labels []string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, "grimoire:") {
			return strings.TrimPrefix(label, "grimoire:")
		}
	}
	return ""
}

// validateGrimoire checks if a grimoire exists and returns its name.
func (m *GrimoireMapper) validateGrimoire(name string) (string, error) {
	if m.grimoireLoader == nil {
		// No loader configured, just return the name
		return name, nil
	}

	_, err := m.grimoireLoader.Load(name)
	if err != nil {
		if grimoire.IsNotFound(err) {
			return "", fmt.Errorf("grimoire %q not found", name)
		}
		return "", fmt.Errorf("failed to load grimoire %q: %w", name, err)
	}

	return name, nil
}

// currentConfig returns the cached config, loading it from disk on first use.
func (m *GrimoireMapper) currentConfig() (*GrimoireMappingConfig, error) {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}

	cfg, err := m.loadConfig()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return cfg, nil
}

// loadConfig loads the grimoire mapping configuration. It prefers the
// richer grimoire-matchers.yaml format and falls back to the legacy
// grimoire-mapping.json when no matcher config is present.
func (m *GrimoireMapper) loadConfig() (*GrimoireMappingConfig, error) {
	matchersPath := filepath.Join(m.covenDir, matchersFileName)
	data, err := os.ReadFile(matchersPath)
	switch {
	case err == nil:
		var cfg GrimoireMappingConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse grimoire matcher config: %w", err)
		}
		if cfg.Default == "" {
			cfg.Default = BuiltinDefaultGrimoire
		}
		return &cfg, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read grimoire matcher config: %w", err)
	}

	return m.loadLegacyConfig()
}

// loadLegacyConfig loads the older grimoire-mapping.json format.
func (m *GrimoireMapper) loadLegacyConfig() (*GrimoireMappingConfig, error) {
	configPath := filepath.Join(m.covenDir, legacyMappingFileName)

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		// Return default config
		return &GrimoireMappingConfig{
			Default: BuiltinDefaultGrimoire,
			ByType: map[string]string{
				"feature": "implement-task",
				"bug":     "implement-task",
				"task":    "implement-task",
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grimoire mapping config: %w", err)
	}

	var cfg GrimoireMappingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse grimoire mapping config: %w", err)
	}

	return &cfg, nil
}

// ReloadConfig reloads the configuration from disk.
func (m *GrimoireMapper) ReloadConfig() error {
	cfg, err := m.loadConfig()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// GetConfig returns the current configuration.
// Returns nil if not yet loaded.
func (m *GrimoireMapper) GetConfig() *GrimoireMappingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig sets the configuration directly.
// Useful for testing.
func (m *GrimoireMapper) SetConfig(cfg *GrimoireMappingConfig) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// GetGrimoire loads and returns a grimoire by name.
func (m *GrimoireMapper) GetGrimoire(name string) (*grimoire.Grimoire, error) {
	if m.grimoireLoader == nil {
		return nil, fmt.Errorf("grimoire loader not configured")
	}
	return m.grimoireLoader.Load(name)
}

// Watch watches covenDir for changes to grimoire-matchers.yaml and
// grimoire-mapping.json, reloading the config on each debounced change.
// It blocks until ctx is cancelled or the watcher fails to start.
func (m *GrimoireMapper) Watch(ctx context.Context, logger *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create grimoire matcher watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.covenDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.covenDir, err)
	}

	var debounce *time.Timer
	reload := func() {
		if err := m.ReloadConfig(); err != nil {
			logger.Warn("failed to reload grimoire matcher config", "error", err)
			return
		}
		logger.Info("reloaded grimoire matcher config")
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if name != matchersFileName && name != legacyMappingFileName {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("grimoire matcher watcher error", "error", err)
		}
	}
}
