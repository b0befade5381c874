// Package synctrans moves the hub repository between the local checkout
// and its remote. The hub is a plain git repo: pull before scanning,
// commit after mutations, push after dispatch. All operations shell out
// to the git CLI.
package synctrans

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/accordhq/accord/internal/log"
)

// Git-specific errors surfaced from stderr parsing.
var (
	// ErrNotGitRepo indicates the hub directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNoRemote indicates the hub repo has no configured remote.
	ErrNoRemote = errors.New("no configured remote")
)

// pushRetries is the number of push attempts before giving up. Between
// attempts the transport pulls with rebase to absorb concurrent pushes
// from other hub participants.
const pushRetries = 3

// Transport syncs the hub repository. Implementations must tolerate
// being called from the scheduler on every tick.
type Transport interface {
	// Pull brings the local checkout up to date with the remote.
	Pull(ctx context.Context) error
	// Push uploads local commits, retrying with a rebase pull between
	// attempts.
	Push(ctx context.Context) error
	// Commit stages everything and commits. Returns false with a nil
	// error when there was nothing to commit.
	Commit(ctx context.Context, message string) (bool, error)
	// Clone checks out the hub repository into dest.
	Clone(ctx context.Context, url, dest string) error
}

// Compile-time checks.
var (
	_ Transport = (*GitTransport)(nil)
	_ Transport = (*NoopTransport)(nil)
)

// GitTransport implements Transport with the git CLI.
type GitTransport struct {
	repoPath string
}

// NewGit creates a transport rooted at the hub checkout.
func NewGit(repoPath string) *GitTransport {
	return &GitTransport{repoPath: repoPath}
}

func (g *GitTransport) runGit(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if g.repoPath != "" {
		cmd.Dir = g.repoPath
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return strings.TrimSpace(stdout.String()), parseGitError(stderrStr, err)
		}
		return strings.TrimSpace(stdout.String()), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}
	if strings.Contains(stderrLower, "no configured push destination") ||
		strings.Contains(stderrLower, "does not appear to be a git repository") {
		return fmt.Errorf("%w: %s", ErrNoRemote, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsRepo reports whether the hub checkout is inside a git work tree.
func (g *GitTransport) IsRepo(ctx context.Context) bool {
	_, err := g.runGit(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// Pull rebases the local checkout onto the remote.
func (g *GitTransport) Pull(ctx context.Context) error {
	if _, err := g.runGit(ctx, "pull", "--rebase"); err != nil {
		return fmt.Errorf("pulling hub: %w", err)
	}
	return nil
}

// Push uploads local commits. Non-fast-forward rejections trigger a
// rebase pull and another attempt, up to pushRetries total.
func (g *GitTransport) Push(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= pushRetries; attempt++ {
		_, err := g.runGit(ctx, "push")
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn(log.CatSync, "push failed, rebasing and retrying",
			"attempt", attempt, "error", lastErr)
		if _, err := g.runGit(ctx, "pull", "--rebase"); err != nil {
			log.Warn(log.CatSync, "rebase pull between push attempts failed", "error", err)
		}
	}
	return fmt.Errorf("pushing hub after %d attempts: %w", pushRetries, lastErr)
}

// Commit stages all changes and commits with the message. A clean tree
// returns (false, nil).
func (g *GitTransport) Commit(ctx context.Context, message string) (bool, error) {
	if _, err := g.runGit(ctx, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging hub changes: %w", err)
	}
	out, err := g.runGit(ctx, "commit", "-m", message)
	if err != nil {
		if isNothingToCommit(out, err) {
			return false, nil
		}
		return false, fmt.Errorf("committing hub changes: %w", err)
	}
	return true, nil
}

// isNothingToCommit recognizes git's clean-tree exit. git prints the
// message on stdout and exits 1, so both streams are checked.
func isNothingToCommit(stdout string, err error) bool {
	combined := strings.ToLower(stdout + " " + err.Error())
	return strings.Contains(combined, "nothing to commit") ||
		strings.Contains(combined, "no changes added to commit") ||
		strings.Contains(combined, "working tree clean")
}

// Clone checks out the hub repository into dest.
func (g *GitTransport) Clone(ctx context.Context, url, dest string) error {
	if _, err := g.runGit(ctx, "clone", url, dest); err != nil {
		return fmt.Errorf("cloning hub: %w", err)
	}
	return nil
}

// NoopTransport is a Transport that does nothing. Used when the hub has
// no remote and in tests.
type NoopTransport struct{}

func (NoopTransport) Pull(context.Context) error { return nil }
func (NoopTransport) Push(context.Context) error { return nil }
func (NoopTransport) Commit(context.Context, string) (bool, error) {
	return false, nil
}
func (NoopTransport) Clone(context.Context, string, string) error { return nil }
