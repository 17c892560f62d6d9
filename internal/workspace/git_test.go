package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%v failed: %s", args, out)
	}
	return string(out)
}

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run(t, dir, "git", "init")
	run(t, dir, "git", "config", "user.email", "test@test.com")
	run(t, dir, "git", "config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "-m", "Initial commit")
	return dir
}

func TestGitWorktrees_Create(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := NewGitWorktrees(repoDir, t.TempDir(), nil)

	h, err := mgr.Create(context.Background(), "api/login")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(h.Path, "README.md")); err != nil {
		t.Errorf("worktree not checked out: %v", err)
	}
	if h.Branch != "task/api/login" {
		t.Errorf("Branch = %q", h.Branch)
	}
	if !strings.HasPrefix(filepath.Base(h.Path), "api-login-") {
		t.Errorf("Path = %q", h.Path)
	}
	if out := run(t, repoDir, "git", "branch", "--list", "task/api/login"); out == "" {
		t.Error("branch not created")
	}
}

func TestGitWorktrees_CreateReplacesLeftovers(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := NewGitWorktrees(repoDir, t.TempDir(), nil)
	ctx := context.Background()

	first, err := mgr.Create(ctx, "login")
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Create(ctx, "login")
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if first.Path == second.Path {
		t.Error("expected a fresh worktree path")
	}
	if _, err := os.Stat(first.Path); !os.IsNotExist(err) {
		t.Error("stale worktree should be removed")
	}

	paths, err := mgr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Errorf("List() = %v, want one worktree", paths)
	}
}

func TestGitWorktrees_ChangedFiles(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := NewGitWorktrees(repoDir, t.TempDir(), nil)
	ctx := context.Background()

	h, err := mgr.Create(ctx, "login")
	if err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Join(h.Path, "internal", "auth"), 0755)
	os.WriteFile(filepath.Join(h.Path, "internal", "auth", "login.go"), []byte("package auth\n"), 0644)
	os.WriteFile(filepath.Join(h.Path, "README.md"), []byte("# Changed\n"), 0644)

	files, err := mgr.ChangedFiles(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"README.md", "internal/auth/login.go"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("ChangedFiles() = %v, want %v", files, want)
	}
}

func TestGitWorktrees_Merge(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := NewGitWorktrees(repoDir, t.TempDir(), nil)
	ctx := context.Background()

	h, err := mgr.Create(ctx, "login")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(h.Path, "login.go"), []byte("package main\n"), 0644)

	if err := mgr.Merge(ctx, h, "login: add endpoint"); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(repoDir, "login.go")); err != nil {
		t.Error("merged file missing from main checkout")
	}
	if err := mgr.Destroy(ctx, h); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Error("worktree still exists")
	}
}

func TestGitWorktrees_MergeConflict(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := NewGitWorktrees(repoDir, t.TempDir(), nil)
	ctx := context.Background()

	h, err := mgr.Create(ctx, "readme")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(h.Path, "README.md"), []byte("# From task\n"), 0644)

	os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("# From main\n"), 0644)
	run(t, repoDir, "git", "commit", "-am", "main change")

	err = mgr.Merge(ctx, h, "readme: rewrite")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Merge() error = %v, want ErrConflict", err)
	}
	if status := run(t, repoDir, "git", "status", "--porcelain"); strings.TrimSpace(status) != "" {
		t.Errorf("main checkout left dirty: %q", status)
	}
	content, _ := os.ReadFile(filepath.Join(repoDir, "README.md"))
	if string(content) != "# From main\n" {
		t.Errorf("README = %q", content)
	}
}

func TestGitWorktrees_DestroyTask(t *testing.T) {
	repoDir := setupGitRepo(t)
	mgr := NewGitWorktrees(repoDir, t.TempDir(), nil)
	ctx := context.Background()

	h, err := mgr.Create(ctx, "login")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.DestroyTask(ctx, "login"); err != nil {
		t.Fatalf("DestroyTask() error = %v", err)
	}
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Error("worktree still exists")
	}
	if out := run(t, repoDir, "git", "branch", "--list", "task/login"); out != "" {
		t.Errorf("branch still exists: %q", out)
	}
	if err := mgr.DestroyTask(ctx, "never-created"); err != nil {
		t.Errorf("DestroyTask() on unknown task = %v", err)
	}
}
