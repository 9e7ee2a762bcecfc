// Package workspace manages the per-session directories agents build in.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager creates one directory per session under baseDir. With git enabled
// each directory is its own repository on a build/<session> branch.
type Manager struct {
	git     GitRunner
	baseDir string
	gitInit bool
}

// NewManager creates a workspace manager. A nil git runner disables git.
func NewManager(git GitRunner, baseDir string, gitInit bool) *Manager {
	return &Manager{git: git, baseDir: baseDir, gitInit: gitInit && git != nil}
}

// BaseDir returns the directory holding every workspace.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Path returns the workspace directory for a session.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.baseDir, sessionID)
}

// Branch returns the branch name used for a session.
func Branch(sessionID string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return sanitizeBranch("build/" + id)
}

// Prepare creates the workspace if needed and returns its path. It is safe
// to call again on resume.
func (m *Manager) Prepare(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	path := m.Path(sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if !m.gitInit {
		return path, nil
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return path, nil
	}
	if _, err := m.git.Run(ctx, path, "init", "-q"); err != nil {
		return "", fmt.Errorf("init workspace repo: %w", err)
	}
	if _, err := m.git.Run(ctx, path, "checkout", "-q", "-b", Branch(sessionID)); err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}
	return path, nil
}

// Commit stages everything in the workspace and commits it. A clean tree is
// not an error.
func (m *Manager) Commit(ctx context.Context, sessionID, message string) error {
	if !m.gitInit {
		return nil
	}
	path := m.Path(sessionID)
	if _, err := m.git.Run(ctx, path, "add", "-A"); err != nil {
		return fmt.Errorf("stage workspace: %w", err)
	}
	status, err := m.git.Run(ctx, path, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("workspace status: %w", err)
	}
	if status == "" {
		return nil
	}
	if _, err := m.git.Run(ctx, path, "-c", "user.name=agentgate", "-c", "user.email=agentgate@localhost",
		"commit", "-q", "-m", message); err != nil {
		return fmt.Errorf("commit workspace: %w", err)
	}
	return nil
}

// Remove deletes a session's workspace.
func (m *Manager) Remove(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.RemoveAll(m.Path(sessionID)); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
