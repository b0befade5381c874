package hub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	project := t.TempDir()

	// No nested .accord: the path itself is the hub root.
	assert.Equal(t, project, Resolve(project))

	// Nested .accord wins.
	nested := filepath.Join(project, ".accord")
	require.NoError(t, os.Mkdir(nested, 0o755))
	assert.Equal(t, nested, Resolve(project))

	// Passing the .accord dir directly is a no-op.
	assert.Equal(t, nested, Resolve(nested))

	assert.Equal(t, ".", Resolve(""))
}

func TestServiceFromPath(t *testing.T) {
	cases := map[string]string{
		"/hub/comms/inbox/backend/req-1.md":   "backend",
		"comms/inbox/frontend/req-2.md":       "frontend",
		"/hub/comms/archive/req-3.md":         "",
		"/hub/comms/inbox/req-orphan.md":      "",
		"/x/inbox/svc/nested/deeper/req-4.md": "svc",
		"/hub/comms/inbox/orchestrator/r.md":  "orchestrator",
		"/hub/directives/dir-1.md":            "",
		"/inbox":                              "",
	}
	for path, want := range cases {
		assert.Equal(t, want, ServiceFromPath(path), path)
	}
}

func TestIsRequestFile(t *testing.T) {
	assert.True(t, IsRequestFile("req-abc.md"))
	assert.True(t, IsRequestFile("req-escalation-backend-17.md"))
	assert.False(t, IsRequestFile("request.md"))
	assert.False(t, IsRequestFile("req-abc.txt"))
	assert.False(t, IsRequestFile("notes.md"))
}

func TestPathHelpers(t *testing.T) {
	root := "/hub"
	assert.Equal(t, "/hub/comms/inbox/backend", InboxDir(root, "backend"))
	assert.Equal(t, "/hub/comms/archive", ArchiveDir(root))
	assert.Equal(t, "/hub/comms/sessions/r1.session.md", CheckpointFile(root, "r1"))
	assert.Equal(t, "/hub/registry/backend.yaml", RegistryFile(root, "backend"))
	assert.Equal(t, "/hub/.agent-sessions.json", SessionsStateFile(root))
}
