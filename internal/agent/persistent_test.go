package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgentScript speaks just enough stream-json to stand in for the
// real CLI: an init event at startup, then one assistant event and one
// result per prompt read from stdin.
const fakeAgentScript = `#!/bin/sh
printf '{"type":"system","subtype":"init","session_id":"sess-%s"}\n' "$$"
while read -r line; do
  printf '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working"}]}}\n'
  printf '{"type":"result","subtype":"success","result":"done","num_turns":1}\n'
done
`

// perProcessScript tags every result with the process pid so tests can
// tell whether two invocations shared a process.
const perProcessScript = `#!/bin/sh
while read -r line; do
  printf '{"type":"result","subtype":"success","result":"done","session_id":"sess-%s","num_turns":1}\n' "$$"
done
`

const errorResultScript = `#!/bin/sh
read -r line
printf '{"type":"result","subtype":"error_during_execution","result":"agent exploded","session_id":"sess-err","is_error":true}\n'
`

const exitMidTurnScript = `#!/bin/sh
read -r line
`

// floodScript answers the turn, then keeps streaming long past the
// events channel capacity.
const floodScript = `#!/bin/sh
read -r line
printf '{"type":"result","subtype":"success","result":"done","session_id":"sess-flood","num_turns":1}\n'
i=0
while [ "$i" -lt 400 ]; do
  printf '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"more"}]}}\n'
  i=$((i+1))
done
`

func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestPersistent(execPath string) *persistent {
	return &persistent{
		execPath:    execPath,
		maxRequests: 5,
		maxAge:      time.Hour,
		sessions:    make(map[string]*managedSession),
	}
}

func TestPersistentAdapterReusesProcess(t *testing.T) {
	p := newTestPersistent(writeAgentScript(t, fakeAgentScript))
	defer p.CloseAll()
	workDir := t.TempDir()

	var streamed []StreamEvent
	first, err := p.Invoke(context.Background(), Request{
		Prompt:  "one",
		WorkDir: workDir,
		Timeout: 10 * time.Second,
		OnOutput: func(se StreamEvent) {
			streamed = append(streamed, se)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", first.Output)
	assert.NotEmpty(t, first.SessionID, "session id captured from init event")

	// Init status plus the assistant text made it to the caller.
	require.Len(t, streamed, 2)
	assert.Equal(t, KindStatus, streamed[0].Kind)
	assert.Equal(t, KindText, streamed[1].Kind)
	assert.Equal(t, "working", streamed[1].Text)

	second, err := p.Invoke(context.Background(), Request{
		Prompt: "two", WorkDir: workDir, Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID, "same process serves both prompts")

	ms := p.sessions[workDir]
	require.NotNil(t, ms)
	assert.Equal(t, 2, ms.requests)
	assert.False(t, ms.busy)
}

func TestPersistentAdapterRotatesAtRequestCap(t *testing.T) {
	p := newTestPersistent(writeAgentScript(t, perProcessScript))
	p.maxRequests = 1
	defer p.CloseAll()
	workDir := t.TempDir()

	first, err := p.Invoke(context.Background(), Request{
		Prompt: "one", WorkDir: workDir, Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	second, err := p.Invoke(context.Background(), Request{
		Prompt: "two", WorkDir: workDir, Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID, "cap forces a fresh process")
	assert.Len(t, p.sessions, 1)
}

func TestPersistentAdapterDropsOnErrorResult(t *testing.T) {
	p := newTestPersistent(writeAgentScript(t, errorResultScript))
	workDir := t.TempDir()

	_, err := p.Invoke(context.Background(), Request{
		Prompt: "one", WorkDir: workDir, Timeout: 10 * time.Second,
	})
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, "agent exploded", agentErr.Message)
	assert.Equal(t, "sess-err", agentErr.SessionID)
	assert.Empty(t, p.sessions, "failed process is dropped")
}

func TestPersistentAdapterProcessExitMidTurn(t *testing.T) {
	p := newTestPersistent(writeAgentScript(t, exitMidTurnScript))
	workDir := t.TempDir()

	_, err := p.Invoke(context.Background(), Request{
		Prompt: "one", WorkDir: workDir, Timeout: 10 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited mid-turn")
	assert.Empty(t, p.sessions)
}

func TestPersistentAdapterRejectsBusyWorkdir(t *testing.T) {
	p := newTestPersistent("/bin/false")
	p.sessions["/srv/app"] = &managedSession{busy: true}

	_, err := p.Invoke(context.Background(), Request{Prompt: "x", WorkDir: "/srv/app"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestPersistentAdapterCloseAll(t *testing.T) {
	p := newTestPersistent(writeAgentScript(t, fakeAgentScript))
	workDir := t.TempDir()

	_, err := p.Invoke(context.Background(), Request{
		Prompt: "one", WorkDir: workDir, Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, p.sessions, 1)

	p.CloseAll()
	assert.Empty(t, p.sessions)

	_, err = p.Invoke(context.Background(), Request{Prompt: "two", WorkDir: workDir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestPersistentAdapterReapsBackloggedProcess(t *testing.T) {
	p := newTestPersistent(writeAgentScript(t, floodScript))
	workDir := t.TempDir()

	res, err := p.Invoke(context.Background(), Request{
		Prompt: "one", WorkDir: workDir, Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)

	// The turn is over but the process is still streaming; teardown must
	// unblock the pump and reap the child.
	ms := p.sessions[workDir]
	require.NotNil(t, ms)
	p.CloseAll()

	select {
	case <-ms.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("backlogged process was never reaped")
	}
}
