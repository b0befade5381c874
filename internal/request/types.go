// Package request implements the Accord request file format: Markdown
// documents with YAML frontmatter living under comms/inbox/{service}.
// It provides the codec (parse, field updates, archive), the history
// JSONL writer, and the inbox scanner.
package request

import (
	"time"
)

// Priority orders pending requests. Lower rank dispatches first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the sort rank for the priority. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Status is the request lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Scope classifies who a request crosses between.
type Scope string

const (
	ScopeExternal  Scope = "external"
	ScopeInternal  Scope = "internal"
	ScopeCrossTeam Scope = "cross-team"
)

// TypeCommand is the reserved request type for the command fast-path.
const TypeCommand = "command"

// Request is one parsed request file.
type Request struct {
	ID              string
	From            string
	To              string
	Scope           Scope
	Type            string
	Priority        Priority
	Status          Status
	Created         time.Time
	Updated         time.Time
	Attempts        int
	Command         string
	CommandArgs     string
	Directive       string
	RelatedContract string
	OriginatedFrom  string
	DependsOn       []string

	// ServiceName is derived from the path segment after "inbox".
	// Empty for archived requests; the To field still names the service.
	ServiceName string
	FilePath    string
	Body        string
}

// Service returns the owning service: the inbox-derived name when present,
// falling back to the To field for archived files.
func (r *Request) Service() string {
	if r.ServiceName != "" {
		return r.ServiceName
	}
	return r.To
}

// UsageTotals is the token-bucket total from one agent invocation.
type UsageTotals struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ModelUsage is a per-model usage breakdown.
// Field names follow the agent backend's camelCase wire format.
//
//nolint:tagliatelle // upstream API uses camelCase
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens,omitempty"`
	OutputTokens             int     `json:"outputTokens,omitempty"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens,omitempty"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
}
