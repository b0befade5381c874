package synctrans

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGitErrorNotARepo(t *testing.T) {
	err := parseGitError("fatal: not a git repository (or any of the parent directories): .git", errors.New("exit status 128"))
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestParseGitErrorNoRemote(t *testing.T) {
	err := parseGitError("fatal: No configured push destination.", errors.New("exit status 128"))
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestParseGitErrorGeneric(t *testing.T) {
	orig := errors.New("exit status 1")
	err := parseGitError("error: something else", orig)
	assert.ErrorIs(t, err, orig)
	assert.NotErrorIs(t, err, ErrNotGitRepo)
}

func TestIsNothingToCommit(t *testing.T) {
	assert.True(t, isNothingToCommit("nothing to commit, working tree clean", errors.New("exit status 1")))
	assert.True(t, isNothingToCommit("", errors.New("nothing to commit")))
	assert.False(t, isNothingToCommit("", errors.New("exit status 128")))
}

func TestNoopTransport(t *testing.T) {
	var tr Transport = NoopTransport{}
	ctx := context.Background()

	assert.NoError(t, tr.Pull(ctx))
	assert.NoError(t, tr.Push(ctx))
	committed, err := tr.Commit(ctx, "msg")
	assert.NoError(t, err)
	assert.False(t, committed)
	assert.NoError(t, tr.Clone(ctx, "url", "dest"))
}

// initRepo creates a throwaway git repo with identity configured.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run(), "git %v", args)
	}
	return dir
}

func TestGitTransportCommit(t *testing.T) {
	dir := initRepo(t)
	tr := NewGit(dir)
	ctx := context.Background()

	// Clean tree: nothing to commit.
	committed, err := tr.Commit(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, committed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "req-001.md"), []byte("x"), 0600))
	committed, err = tr.Commit(ctx, "add request")
	require.NoError(t, err)
	assert.True(t, committed)

	// And clean again afterwards.
	committed, err = tr.Commit(ctx, "empty again")
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestGitTransportIsRepo(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	assert.True(t, NewGit(dir).IsRepo(ctx))
	assert.False(t, NewGit(t.TempDir()).IsRepo(ctx))
}

func TestGitTransportPullOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	tr := NewGit(t.TempDir())
	err := tr.Pull(context.Background())
	assert.ErrorIs(t, err, ErrNotGitRepo)
}
