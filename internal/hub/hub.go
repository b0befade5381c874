// Package hub provides path resolution for the Accord hub directory tree.
//
// The hub holds all shared protocol state. Orchestrator roles use the hub
// root directly; service roles nest it under .accord:
//
//	comms/inbox/{service}/req-{id}.md   requests
//	comms/archive/*.md                  terminal requests
//	comms/history/YYYY-MM-DD-{actor}.jsonl
//	comms/sessions/{requestId}.session.md
//	directives/*.md
//	contracts/*.yaml, contracts/internal/*.md
//	registry/{service}.yaml
//	config.yaml
//	.agent-sessions.json
package hub

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OrchestratorService is the reserved inbox name for the orchestrator.
const OrchestratorService = "orchestrator"

// Resolve normalizes a user-supplied path to the hub root.
// Accepts either the project directory or the .accord directory itself;
// prefers a nested .accord directory when one exists.
//
//	"/path/to/project"          -> "/path/to/project/.accord" (if present)
//	"/path/to/project/.accord"  -> "/path/to/project/.accord"
//	""                          -> "."
func Resolve(path string) string {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)

	if filepath.Base(path) == ".accord" {
		return path
	}

	nested := filepath.Join(path, ".accord")
	if info, err := os.Stat(nested); err == nil && info.IsDir() {
		return nested
	}
	return path
}

// InboxDir returns the inbox directory for a service.
func InboxDir(root, service string) string {
	return filepath.Join(root, "comms", "inbox", service)
}

// InboxRoot returns the directory containing all service inboxes.
func InboxRoot(root string) string {
	return filepath.Join(root, "comms", "inbox")
}

// ArchiveDir returns the archive directory for terminal requests.
func ArchiveDir(root string) string {
	return filepath.Join(root, "comms", "archive")
}

// HistoryDir returns the directory holding history JSONL files.
func HistoryDir(root string) string {
	return filepath.Join(root, "comms", "history")
}

// HistoryFile returns the history file path for an actor on a given day.
func HistoryFile(root, actor string, day time.Time) string {
	name := day.Format("2006-01-02") + "-" + actor + ".jsonl"
	return filepath.Join(HistoryDir(root), name)
}

// SessionsDir returns the directory holding crash checkpoints.
func SessionsDir(root string) string {
	return filepath.Join(root, "comms", "sessions")
}

// CheckpointFile returns the checkpoint path for a request.
func CheckpointFile(root, requestID string) string {
	return filepath.Join(SessionsDir(root), requestID+".session.md")
}

// DirectivesDir returns the directory holding directive files.
func DirectivesDir(root string) string {
	return filepath.Join(root, "directives")
}

// ContractsDir returns the directory holding contract files.
func ContractsDir(root string) string {
	return filepath.Join(root, "contracts")
}

// RegistryFile returns the registry file path for a service.
func RegistryFile(root, service string) string {
	return filepath.Join(root, "registry", service+".yaml")
}

// SkillIndexFile returns the optional skill index inlined into agent
// prompts when present.
func SkillIndexFile(root string) string {
	return filepath.Join(root, "skills", "index.md")
}

// ConfigFile returns the hub config path.
func ConfigFile(root string) string {
	return filepath.Join(root, "config.yaml")
}

// SessionsStateFile returns the persisted session-id map path.
func SessionsStateFile(root string) string {
	return filepath.Join(root, ".agent-sessions.json")
}

// ServiceFromPath derives the service name from a request file path.
// The service is the path segment immediately after the literal "inbox"
// component. Returns "" when the path is not under an inbox.
func ServiceFromPath(path string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i, p := range parts {
		if p == "inbox" && i+2 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// IsRequestFile reports whether the file name matches the req-*.md pattern.
func IsRequestFile(name string) bool {
	return strings.HasPrefix(name, "req-") && strings.HasSuffix(name, ".md")
}
