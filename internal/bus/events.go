package bus

import "time"

// SchedulerTick is published after every completed scheduler tick.
type SchedulerTick struct {
	PendingCount   int       `json:"pending_count"`
	ProcessedCount int       `json:"processed_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// RequestClaimed is published when a worker marks a request in-progress.
type RequestClaimed struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	WorkerID  int    `json:"worker_id"`
}

// RequestCompleted is published when a request reaches completed and is
// archived.
type RequestCompleted struct {
	RequestID  string  `json:"request_id"`
	Service    string  `json:"service"`
	WorkerID   int     `json:"worker_id"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// RequestFailed is published on a failed attempt. WillRetry is false when
// the request exhausted its attempts and escalated.
type RequestFailed struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	WorkerID  int    `json:"worker_id"`
	Attempts  int    `json:"attempts"`
	WillRetry bool   `json:"will_retry"`
	Error     string `json:"error,omitempty"`
}

// WorkerStarted is published when a worker begins processing a request.
type WorkerStarted struct {
	WorkerID  int    `json:"worker_id"`
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
}

// WorkerOutput carries one streamed agent output event.
type WorkerOutput struct {
	WorkerID  int    `json:"worker_id"`
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
}

// DirectivePhaseChange is published on every directive phase transition.
type DirectivePhaseChange struct {
	DirectiveID string `json:"directive_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Message     string `json:"message,omitempty"`
}

// DirectiveTestResult is published when a directive's test request
// resolves.
type DirectiveTestResult struct {
	DirectiveID string `json:"directive_id"`
	RequestID   string `json:"request_id"`
	Passed      bool   `json:"passed"`
}

// SyncEvent is published around transport pulls and pushes.
type SyncEvent struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// ServiceChange is published when an inbox directory appears or vanishes.
type ServiceChange struct {
	Service string `json:"service"`
}

// SessionChange is published when a session is created or rotated.
type SessionChange struct {
	Service   string `json:"service"`
	SessionID string `json:"session_id"`
}
