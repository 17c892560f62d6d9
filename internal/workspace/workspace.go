// Package workspace gives every task attempt its own isolated checkout.
package workspace

import (
	"context"
	"strings"
)

// Handle identifies one isolated workspace owned by a single task attempt
type Handle struct {
	TaskID  string `json:"task_id"`
	Path    string `json:"path"`
	Branch  string `json:"branch"`
	BaseRef string `json:"base_ref"`
}

// Manager creates, merges and destroys workspaces. A workspace is owned by
// exactly one attempt; concurrent attempts never share one.
type Manager interface {
	Create(ctx context.Context, taskID string) (*Handle, error)
	// ChangedFiles lists files changed relative to the base, slash separated
	ChangedFiles(ctx context.Context, h *Handle) ([]string, error)
	// Merge integrates the workspace into the main line. A conflict leaves
	// the main line untouched and returns an error wrapping domain.ErrConflict.
	Merge(ctx context.Context, h *Handle, message string) error
	Destroy(ctx context.Context, h *Handle) error
	// DestroyTask removes anything left over for a task, e.g. after a crash
	DestroyTask(ctx context.Context, taskID string) error
}

// BranchName returns the branch used for a task
func BranchName(taskID string) string {
	return "task/" + taskID
}

func dirName(taskID string) string {
	return strings.ReplaceAll(taskID, "/", "-")
}
