// Package session tracks live agent sessions per service, enforces
// rotation caps, and persists session ids across restarts. It also owns
// the per-request crash checkpoints under comms/sessions.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
)

// stateFilename is the persisted session-id map, relative to the hub root.
const stateFilename = ".agent-sessions.json"

// Session is a live association between a service and an agent-side
// resumable session id.
type Session struct {
	SessionID    string    `json:"session_id"`
	ServiceName  string    `json:"service_name"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	RequestCount int       `json:"request_count"`
}

// Config holds the rotation policy.
type Config struct {
	// MaxRequests is the invocation cap before a session rotates.
	MaxRequests int
	// MaxAge is the wall-clock cap before a session rotates.
	MaxAge time.Duration
}

// DefaultConfig rotates after 20 requests or 12 hours.
func DefaultConfig() Config {
	return Config{MaxRequests: 20, MaxAge: 12 * time.Hour}
}

// Manager owns the service-to-session map and the checkpoint files.
// The dispatcher serializes request processing per service, so callers
// never race on the same key; the mutex guards cross-service access.
type Manager struct {
	cfg      Config
	sessions map[string]*Session
	mu       sync.Mutex
}

// NewManager creates a session manager with the given rotation policy.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultConfig().MaxRequests
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for the key, or nil if absent.
func (m *Manager) Get(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// Create registers a fresh session for the key, replacing any existing one.
func (m *Manager) Create(key, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createLocked(key, sessionID)
}

func (m *Manager) createLocked(key, sessionID string) {
	now := time.Now()
	m.sessions[key] = &Session{
		SessionID:    sessionID,
		ServiceName:  key,
		CreatedAt:    now,
		LastUsedAt:   now,
		RequestCount: 1,
	}
}

// Update records another use of the key's session: increments the request
// count, bumps last-used, and stores the (possibly new) session id.
// Creates the session when absent.
func (m *Manager) Update(key, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		m.createLocked(key, sessionID)
		return
	}
	s.SessionID = sessionID
	s.RequestCount++
	s.LastUsedAt = time.Now()
}

// ShouldRotate reports whether the key's session hit either rotation cap.
// Absent sessions never need rotation.
func (m *Manager) ShouldRotate(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return false
	}
	if s.RequestCount >= m.cfg.MaxRequests {
		return true
	}
	return time.Since(s.CreatedAt) >= m.cfg.MaxAge
}

// Rotate deletes the key's session. The caller constructs a fresh session
// lazily on the next invocation.
func (m *Manager) Rotate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		log.Debug(log.CatSession, "rotating session",
			"key", key, "sessionID", s.SessionID, "requestCount", s.RequestCount)
		delete(m.sessions, key)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SaveToDisk serializes the session map to .agent-sessions.json under dir.
// I/O errors are logged and swallowed: sessions are a soft optimization.
func (m *Manager) SaveToDisk(dir string) {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.sessions, "", "  ")
	m.mu.Unlock()
	if err != nil {
		log.ErrorErr(log.CatSession, "marshaling sessions", err)
		return
	}
	path := filepath.Join(dir, stateFilename)
	if err := os.WriteFile(path, data, 0600); err != nil {
		log.ErrorErr(log.CatSession, "saving sessions", err, "path", path)
	}
}

// LoadFromDisk restores the session map from .agent-sessions.json under
// dir. A missing file is not an error; corrupt files are logged and
// ignored.
func (m *Manager) LoadFromDisk(dir string) {
	path := filepath.Join(dir, stateFilename)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from hub root
	if err != nil {
		if !os.IsNotExist(err) {
			log.ErrorErr(log.CatSession, "loading sessions", err, "path", path)
		}
		return
	}

	sessions := make(map[string]*Session)
	if err := json.Unmarshal(data, &sessions); err != nil {
		log.ErrorErr(log.CatSession, "parsing sessions file", err, "path", path)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = sessions
}

// WriteCheckpoint stores failure context for a request under
// comms/sessions/{requestId}.session.md. The next attempt's prompt
// includes it.
func WriteCheckpoint(root, requestID, text string) error {
	dir := hub.SessionsDir(root)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	return os.WriteFile(hub.CheckpointFile(root, requestID), []byte(text), 0600)
}

// ReadCheckpoint returns the checkpoint text for a request, or "" when
// none exists.
func ReadCheckpoint(root, requestID string) string {
	data, err := os.ReadFile(hub.CheckpointFile(root, requestID)) //nolint:gosec // G304: path derives from hub root
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ClearCheckpoint removes a request's checkpoint. Missing files are fine.
func ClearCheckpoint(root, requestID string) {
	if err := os.Remove(hub.CheckpointFile(root, requestID)); err != nil && !os.IsNotExist(err) {
		log.ErrorErr(log.CatSession, "clearing checkpoint", err, "requestID", requestID)
	}
}
