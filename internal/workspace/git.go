package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

// commitIdentity is used when the repository has no user configured
var commitIdentity = []string{"-c", "user.name=backlog-orch", "-c", "user.email=backlog-orch@localhost"}

// GitWorktrees implements Manager with git worktrees, one branch per task
type GitWorktrees struct {
	repoDir     string
	worktreeDir string
	logger      *zap.Logger

	// git serializes index and ref updates of the shared repository
	mu sync.Mutex
}

// NewGitWorktrees creates a worktree manager for repoDir
func NewGitWorktrees(repoDir, worktreeDir string, logger *zap.Logger) *GitWorktrees {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitWorktrees{
		repoDir:     repoDir,
		worktreeDir: worktreeDir,
		logger:      logger.Named("workspace"),
	}
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// Create creates a fresh worktree on a new branch from the current HEAD. Any
// worktree or branch left over for the task is removed first.
func (m *GitWorktrees) Create(ctx context.Context, taskID string) (*Handle, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return nil, fmt.Errorf("creating worktree dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	branch := BranchName(taskID)
	m.cleanupBranch(ctx, branch)

	base, err := git(ctx, m.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	h := &Handle{
		TaskID:  taskID,
		Path:    filepath.Join(m.worktreeDir, fmt.Sprintf("%s-%s", dirName(taskID), randomSuffix())),
		Branch:  branch,
		BaseRef: strings.TrimSpace(base),
	}
	if _, err := git(ctx, m.repoDir, "worktree", "add", "-b", branch, h.Path, h.BaseRef); err != nil {
		return nil, err
	}
	m.logger.Debug("workspace created", zap.String("task", taskID), zap.String("path", h.Path))
	return h, nil
}

// ChangedFiles returns committed and uncommitted changes since BaseRef
func (m *GitWorktrees) ChangedFiles(ctx context.Context, h *Handle) ([]string, error) {
	seen := make(map[string]bool)

	committed, err := git(ctx, h.Path, "diff", "--name-only", h.BaseRef, "HEAD")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(committed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			seen[line] = true
		}
	}

	status, err := git(ctx, h.Path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		seen[strings.Trim(path, `"`)] = true
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Merge commits pending changes in the worktree and merges its branch into
// the repository's current branch with a merge commit.
func (m *GitWorktrees) Merge(ctx context.Context, h *Handle, message string) error {
	status, err := git(ctx, h.Path, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) != "" {
		if _, err := git(ctx, h.Path, "add", "-A"); err != nil {
			return err
		}
		args := append(append([]string{}, commitIdentity...), "commit", "-m", message)
		if _, err := git(ctx, h.Path, args...); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	args := append(append([]string{}, commitIdentity...), "merge", "--no-ff", "--no-edit", "-m", message, h.Branch)
	if _, err := git(ctx, m.repoDir, args...); err != nil {
		conflicts, _ := git(ctx, m.repoDir, "diff", "--name-only", "--diff-filter=U")
		if strings.TrimSpace(conflicts) == "" {
			return fmt.Errorf("merging %s: %w", h.Branch, err)
		}
		if _, abortErr := git(ctx, m.repoDir, "merge", "--abort"); abortErr != nil {
			return errors.Join(fmt.Errorf("merging %s: %w", h.Branch, domain.ErrConflict), abortErr)
		}
		files := strings.Fields(conflicts)
		m.logger.Info("merge conflict", zap.String("task", h.TaskID), zap.Strings("files", files))
		return fmt.Errorf("merging %s (conflicts in %s): %w", h.Branch, strings.Join(files, ", "), domain.ErrConflict)
	}
	m.logger.Debug("workspace merged", zap.String("task", h.TaskID), zap.String("branch", h.Branch))
	return nil
}

// Destroy removes the worktree and its branch
func (m *GitWorktrees) Destroy(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if _, err := git(ctx, m.repoDir, "worktree", "remove", "--force", h.Path); err != nil {
		if rmErr := os.RemoveAll(h.Path); rmErr != nil {
			errs = append(errs, err, rmErr)
		}
		git(ctx, m.repoDir, "worktree", "prune")
	}
	git(ctx, m.repoDir, "branch", "-D", h.Branch) // may already be gone

	if _, err := os.Stat(h.Path); err == nil {
		errs = append(errs, fmt.Errorf("workspace %s still exists", h.Path))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Debug("workspace destroyed", zap.String("task", h.TaskID))
	return nil
}

// DestroyTask removes every worktree on the task's branch and the branch itself
func (m *GitWorktrees) DestroyTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupBranch(ctx, BranchName(taskID))

	out, err := git(ctx, m.repoDir, "branch", "--list", BranchName(taskID))
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return fmt.Errorf("branch %s still exists", BranchName(taskID))
	}
	return nil
}

// cleanupBranch removes worktrees using branch and deletes the branch.
// Errors are ignored; the branch usually does not exist.
func (m *GitWorktrees) cleanupBranch(ctx context.Context, branch string) {
	git(ctx, m.repoDir, "worktree", "prune")

	out, _ := git(ctx, m.repoDir, "worktree", "list", "--porcelain")
	var current string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case strings.TrimSpace(line) == "branch refs/heads/"+branch && current != "":
			git(ctx, m.repoDir, "worktree", "remove", "--force", current)
			os.RemoveAll(current)
		}
	}
	git(ctx, m.repoDir, "worktree", "prune")
	git(ctx, m.repoDir, "branch", "-D", branch)
}

// List returns the paths of worktrees inside the worktree directory
func (m *GitWorktrees) List(ctx context.Context) ([]string, error) {
	out, err := git(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	root, _ := filepath.EvalSymlinks(m.worktreeDir)
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if strings.HasPrefix(path, m.worktreeDir) || (root != "" && strings.HasPrefix(path, root)) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
