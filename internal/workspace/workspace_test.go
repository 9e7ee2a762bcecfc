package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGit struct {
	calls   []gitCall
	results map[string]mockResult
}

type gitCall struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Output string
	Err    error
}

func (m *mockGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if r, ok := m.results[args[0]]; ok {
		return r.Output, r.Err
	}
	return "", nil
}

func TestPrepareWithoutGit(t *testing.T) {
	base := t.TempDir()
	m := NewManager(nil, base, true)

	path, err := m.Prepare(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "s1"), path)
	assert.DirExists(t, path)
	require.NoError(t, m.Commit(context.Background(), "s1", "noop"))
}

func TestPrepareInitsRepo(t *testing.T) {
	git := &mockGit{}
	m := NewManager(git, t.TempDir(), true)

	path, err := m.Prepare(context.Background(), "0123456789abcdef")
	require.NoError(t, err)
	require.Len(t, git.calls, 2)
	assert.Equal(t, []string{"init", "-q"}, git.calls[0].Args)
	assert.Equal(t, path, git.calls[0].Dir)
	assert.Equal(t, []string{"checkout", "-q", "-b", "build/01234567"}, git.calls[1].Args)
}

func TestPrepareIsIdempotentOnResume(t *testing.T) {
	git := &mockGit{}
	m := NewManager(git, t.TempDir(), true)

	path, err := m.Prepare(context.Background(), "s1")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(path, ".git"), 0o755))

	git.calls = nil
	_, err = m.Prepare(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, git.calls)
}

func TestPrepareRejectsTraversal(t *testing.T) {
	m := NewManager(nil, t.TempDir(), false)
	_, err := m.Prepare(context.Background(), "../x")
	assert.Error(t, err)
}

func TestPrepareGitFailure(t *testing.T) {
	git := &mockGit{results: map[string]mockResult{"init": {Err: errors.New("no git")}}}
	m := NewManager(git, t.TempDir(), true)
	_, err := m.Prepare(context.Background(), "s1")
	assert.ErrorContains(t, err, "init workspace repo")
}

func TestCommit(t *testing.T) {
	git := &mockGit{results: map[string]mockResult{"status": {Output: " M main.go"}}}
	m := NewManager(git, t.TempDir(), true)

	require.NoError(t, m.Commit(context.Background(), "s1", "build s1"))
	require.Len(t, git.calls, 3)
	assert.Equal(t, "commit", git.calls[2].Args[4])
	assert.Equal(t, "build s1", git.calls[2].Args[len(git.calls[2].Args)-1])
}

func TestCommitCleanTree(t *testing.T) {
	git := &mockGit{}
	m := NewManager(git, t.TempDir(), true)
	require.NoError(t, m.Commit(context.Background(), "s1", "build s1"))
	assert.Len(t, git.calls, 2)
}

func TestRemove(t *testing.T) {
	m := NewManager(nil, t.TempDir(), false)
	path, err := m.Prepare(context.Background(), "s1")
	require.NoError(t, err)
	require.NoError(t, m.Remove("s1"))
	assert.NoDirExists(t, path)
}

func TestSanitizeBranch(t *testing.T) {
	assert.Equal(t, "build/a-b", sanitizeBranch("build/a b!"))
	assert.Equal(t, "build/abc", Branch("abc"))
}
