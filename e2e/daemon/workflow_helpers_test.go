//go:build e2e

package daemon_e2e

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coven/e2e/daemon/helpers"
)

// Workflow test helpers

func writeGrimoire(t *testing.T, env *helpers.TestEnv, name, content string) {
	t.Helper()
	grimoireDir := filepath.Join(env.CovenDir, "grimoires")
	if err := os.MkdirAll(grimoireDir, 0755); err != nil {
		t.Fatalf("Failed to create grimoires dir: %v", err)
	}
	path := filepath.Join(grimoireDir, name+".yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write grimoire: %v", err)
	}
}

func writeCovenConfig(t *testing.T, env *helpers.TestEnv, name, content string) {
	t.Helper()
	if err := os.MkdirAll(env.CovenDir, 0755); err != nil {
		t.Fatalf("Failed to create .coven dir: %v", err)
	}
	path := filepath.Join(env.CovenDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func createTaskWithLabel(t *testing.T, api *helpers.APIClient, title, label string) string {
	t.Helper()
	id, err := api.CreateTask(helpers.TaskCreateRequest{
		Title:    title,
		Type:     "task",
		Priority: 1,
		Tags:     []string{label},
	})
	if err != nil {
		t.Fatalf("Failed to create task with label: %v", err)
	}
	return id
}

func createTaskWithType(t *testing.T, api *helpers.APIClient, title, taskType string) string {
	t.Helper()
	id, err := api.CreateTask(helpers.TaskCreateRequest{
		Title:    title,
		Type:     taskType,
		Priority: 1,
	})
	if err != nil {
		t.Fatalf("Failed to create task with type: %v", err)
	}
	return id
}

func waitForTask(t *testing.T, api *helpers.APIClient, taskID string, timeoutSec int) {
	t.Helper()
	deadline := time.Now().Add(time.Duration(timeoutSec) * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := api.GetTasks()
		if err == nil {
			for _, task := range tasks.Tasks {
				if task.ID == taskID {
					return
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Task %s did not appear within %d seconds", taskID, timeoutSec)
}

func waitForTaskStatus(t *testing.T, api *helpers.APIClient, taskID, status string, timeoutSec int) {
	t.Helper()
	deadline := time.Now().Add(time.Duration(timeoutSec) * time.Second)
	var lastStatus string
	for time.Now().Before(deadline) {
		tasks, err := api.GetTasks()
		if err == nil {
			for _, task := range tasks.Tasks {
				if task.ID == taskID {
					lastStatus = task.Status
					if task.Status == status {
						return
					}
				}
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("Task %s did not reach status %q within %d seconds (last status: %s)",
		taskID, status, timeoutSec, lastStatus)
}

func readDaemonLog(t *testing.T, env *helpers.TestEnv) string {
	t.Helper()
	logPath := filepath.Join(env.CovenDir, "covend.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Logf("Warning: could not read daemon log: %v", err)
		return ""
	}
	return string(data)
}

// startSessionAndWaitForTask waits for a task created via the HTTP API to
// show up in the daemon's own store. Kept as a thin wrapper around
// waitForTask for call-site compatibility — there is no session concept to
// start; the scheduler's reconcile loop claims open tasks on its own.
func startSessionAndWaitForTask(t *testing.T, env *helpers.TestEnv, api *helpers.APIClient, taskID string) {
	t.Helper()

	waitForTask(t, api, taskID, 5)
}
