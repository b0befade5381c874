// Package agent adapts backend AI CLIs to a single Invoker interface.
// The dispatcher only ever sees Request in, Result out; which executable
// runs underneath is chosen by name through the registry.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/accordhq/accord/internal/request"
)

// Request is one unit of agent work.
type Request struct {
	Prompt  string
	WorkDir string
	// ResumeSessionID continues an existing backend session when the
	// adapter supports resumption.
	ResumeSessionID string
	Model           string
	Timeout         time.Duration
	MaxTurns        int
	MaxBudgetUSD    float64
	// OnOutput receives stream events as the agent works. May be nil.
	OnOutput func(StreamEvent)
}

// Result is the outcome of a successful invocation.
type Result struct {
	// Output is the final result text.
	Output string
	// SessionID identifies the backend session, when the adapter has one.
	SessionID  string
	CostUSD    float64
	NumTurns   int
	DurationMs int64
	Usage      *request.UsageTotals
	ModelUsage map[string]request.ModelUsage
}

// Invoker runs agent work. Implementations must be safe for concurrent
// use across distinct working directories.
type Invoker interface {
	// Invoke runs one request to completion. A non-nil error means the
	// work did not succeed; the request stays eligible for retry.
	Invoke(ctx context.Context, req Request) (*Result, error)
	// SupportsResume reports whether ResumeSessionID is honored.
	SupportsResume() bool
	// CloseAll releases any held backend processes.
	CloseAll()
}

// Error is a failure reported by the agent backend itself, as opposed to
// a spawn or transport failure.
type Error struct {
	Message    string
	SessionID  string
	DurationMs int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent reported error: %s", e.Message)
}

// Factory constructs an invoker from dispatcher settings.
type Factory func(opts Options) (Invoker, error)

// Options carries adapter construction settings from the hub config.
type Options struct {
	// AgentCmd is the argv for the shell adapter.
	AgentCmd []string
	// SessionMaxRequests and SessionMaxAge bound persistent sessions.
	SessionMaxRequests int
	SessionMaxAge      time.Duration
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named adapter factory. Later registrations replace
// earlier ones.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs the named adapter.
func New(name string, opts Options) (Invoker, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent adapter %q (available: %v)", name, Names())
	}
	return f(opts)
}

// Names lists the registered adapter names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
