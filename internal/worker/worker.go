// Package worker processes one request at a time: the command fast-path
// for diagnostics, or the agent path with claim, prompt build, invoke,
// and archive/retry/escalate handling. A worker never panics or returns
// an error to the dispatcher; everything funnels into Result.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/accordhq/accord/internal/agent"
	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/config"
	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
	"github.com/accordhq/accord/internal/request"
	"github.com/accordhq/accord/internal/session"
	"github.com/accordhq/accord/internal/synctrans"
	"github.com/accordhq/accord/internal/tracing"
)

// maxTurns caps agent conversation length per invocation.
const maxTurns = 50

// State is the worker slot state.
type State int

const (
	StateIdle State = iota
	StateBusy
)

// Result is what a worker reports back to the dispatcher for every
// processed request, success or not.
type Result struct {
	RequestID  string
	Success    bool
	DurationMs int64
	Err        error
}

// Worker is one slot in the dispatcher's pool.
type Worker struct {
	id        int
	cfg       *config.Config
	sessions  *session.Manager
	invoker   agent.Invoker
	transport synctrans.Transport
	events    *bus.Bus

	mu               sync.Mutex
	state            State
	currentRequestID string
	currentService   string
	startedAt        time.Time
	lastServiceName  string
}

// New creates an idle worker slot.
func New(id int, cfg *config.Config, sessions *session.Manager, invoker agent.Invoker, transport synctrans.Transport, events *bus.Bus) *Worker {
	return &Worker{
		id:        id,
		cfg:       cfg,
		sessions:  sessions,
		invoker:   invoker,
		transport: transport,
		events:    events,
	}
}

// ID returns the worker's id.
func (w *Worker) ID() int { return w.id }

// IsIdle reports whether the slot is free.
func (w *Worker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateIdle
}

// LastService returns the service this worker most recently processed.
// Used by the dispatcher for session affinity.
func (w *Worker) LastService() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastServiceName
}

// Current returns the in-flight request id and service, empty when idle.
func (w *Worker) Current() (requestID, service string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentRequestID, w.currentService
}

func (w *Worker) setBusy(requestID, service string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateBusy
	w.currentRequestID = requestID
	w.currentService = service
	w.startedAt = time.Now()
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastServiceName = w.currentService
	w.state = StateIdle
	w.currentRequestID = ""
	w.currentService = ""
}

// ProcessRequest runs one request to completion. The slot is restored to
// idle on every path, including panics.
func (w *Worker) ProcessRequest(ctx context.Context, req *request.Request) (res Result) {
	start := time.Now()
	res = Result{RequestID: req.ID}

	ctx, span := tracing.Tracer().Start(ctx, "worker.process")
	span.SetAttributes(
		attribute.String(tracing.AttrRequestID, req.ID),
		attribute.String(tracing.AttrRequestService, req.Service()),
		attribute.String(tracing.AttrRequestPriority, string(req.Priority)),
		attribute.Int(tracing.AttrWorkerID, w.id),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatWorker, "worker panicked",
				"workerID", w.id, "requestID", req.ID, "panic", r, "stack", string(debug.Stack()))
			res.Success = false
			res.Err = fmt.Errorf("worker panic: %v", r)
		}
		res.DurationMs = time.Since(start).Milliseconds()
		w.setIdle()
	}()

	service := req.Service()
	w.setBusy(req.ID, service)
	w.events.Publish(bus.TopicWorkerStarted, bus.WorkerStarted{
		WorkerID: w.id, RequestID: req.ID, Service: service,
	})
	log.Info(log.CatWorker, "processing request",
		"workerID", w.id, "requestID", req.ID, "service", service, "type", req.Type)

	if req.Type == request.TypeCommand {
		res.Success, res.Err = w.runCommand(ctx, req, service)
		return res
	}
	res.Success, res.Err = w.runAgent(ctx, req, service)
	return res
}

// runAgent is the main path: claim, invoke, then archive or retry or
// escalate.
func (w *Worker) runAgent(ctx context.Context, req *request.Request, service string) (bool, error) {
	root := w.cfg.HubRoot

	if w.sessions.ShouldRotate(service) {
		w.sessions.Rotate(service)
		w.events.Publish(bus.TopicSessionRotated, bus.SessionChange{Service: service})
	}

	// Claim: in-progress + attempt count, committed before the invoke so
	// other hub participants see the request is taken.
	if err := request.SetStatus(req.FilePath, request.StatusInProgress); err != nil {
		return false, fmt.Errorf("claiming %s: %w", req.ID, err)
	}
	attempts, err := request.IncrementAttempts(req.FilePath)
	if err != nil {
		return false, fmt.Errorf("recording attempt for %s: %w", req.ID, err)
	}
	w.commit(ctx, fmt.Sprintf("claim %s (attempt %d)", req.ID, attempts))
	w.events.Publish(bus.TopicRequestClaimed, bus.RequestClaimed{
		RequestID: req.ID, Service: service, WorkerID: w.id,
	})
	w.history(root, request.HistoryEntry{
		RequestID:   req.ID,
		FromStatus:  request.StatusPending,
		ToStatus:    request.StatusInProgress,
		Actor:       service,
		DirectiveID: req.Directive,
		Detail:      fmt.Sprintf("attempt %d", attempts),
	})

	prompt := buildPrompt(root, req, service)

	var resumeID string
	if s := w.sessions.Get(service); s != nil {
		resumeID = s.SessionID
	}
	result, err := w.invoker.Invoke(ctx, agent.Request{
		Prompt:          prompt,
		WorkDir:         w.cfg.ServiceDir(service),
		ResumeSessionID: resumeID,
		Model:           w.cfg.Dispatcher.Model,
		Timeout:         w.cfg.Dispatcher.RequestTimeout,
		MaxTurns:        maxTurns,
		MaxBudgetUSD:    w.cfg.Dispatcher.MaxBudgetUSD,
		OnOutput: func(se agent.StreamEvent) {
			w.events.Publish(bus.TopicWorkerOutput, bus.WorkerOutput{
				WorkerID: w.id, RequestID: req.ID,
				Kind: string(se.Kind), Text: se.Text, Tool: se.Tool,
			})
		},
	})
	if err != nil {
		return false, w.handleFailure(ctx, req, service, attempts, err)
	}
	return true, w.handleSuccess(ctx, req, service, result)
}

func (w *Worker) handleSuccess(ctx context.Context, req *request.Request, service string, result *agent.Result) error {
	root := w.cfg.HubRoot

	if result.SessionID != "" {
		if w.sessions.Get(service) == nil {
			w.events.Publish(bus.TopicSessionCreated, bus.SessionChange{
				Service: service, SessionID: result.SessionID,
			})
		}
		w.sessions.Update(service, result.SessionID)
	}
	session.ClearCheckpoint(root, req.ID)
	w.sessions.SaveToDisk(root)

	if w.cfg.Dispatcher.MaxBudgetUSD > 0 && result.CostUSD > w.cfg.Dispatcher.MaxBudgetUSD {
		log.Warn(log.CatWorker, "invocation exceeded budget",
			"requestID", req.ID, "costUSD", result.CostUSD, "budgetUSD", w.cfg.Dispatcher.MaxBudgetUSD)
	}

	if err := request.SetStatus(req.FilePath, request.StatusCompleted); err != nil {
		return fmt.Errorf("completing %s: %w", req.ID, err)
	}
	if _, err := request.Archive(req.FilePath, root); err != nil {
		return fmt.Errorf("archiving %s: %w", req.ID, err)
	}
	w.history(root, request.HistoryEntry{
		RequestID:   req.ID,
		FromStatus:  request.StatusInProgress,
		ToStatus:    request.StatusCompleted,
		Actor:       service,
		DirectiveID: req.Directive,
		DurationMs:  result.DurationMs,
		CostUSD:     result.CostUSD,
		NumTurns:    result.NumTurns,
		Usage:       result.Usage,
		ModelUsage:  result.ModelUsage,
	})
	w.commit(ctx, fmt.Sprintf("complete %s", req.ID))
	w.events.Publish(bus.TopicRequestCompleted, bus.RequestCompleted{
		RequestID: req.ID, Service: service, WorkerID: w.id,
		DurationMs: result.DurationMs, CostUSD: result.CostUSD, NumTurns: result.NumTurns,
	})
	log.Info(log.CatWorker, "request completed",
		"workerID", w.id, "requestID", req.ID, "costUSD", result.CostUSD)
	return nil
}

// handleFailure either reverts the request to pending with a checkpoint
// for the retry, or marks it failed and escalates. Checkpoints exist to
// feed the next attempt, so the terminal path clears any leftover one.
func (w *Worker) handleFailure(ctx context.Context, req *request.Request, service string, attempts int, invokeErr error) error {
	root := w.cfg.HubRoot
	log.Warn(log.CatWorker, "request failed",
		"workerID", w.id, "requestID", req.ID, "attempt", attempts, "error", invokeErr)

	willRetry := attempts < w.cfg.Dispatcher.MaxAttempts
	if willRetry {
		checkpoint := fmt.Sprintf("# Attempt %d failed at %s\n\n```\n%v\n```\n",
			attempts, time.Now().Format(time.RFC3339), invokeErr)
		if err := session.WriteCheckpoint(root, req.ID, checkpoint); err != nil {
			log.ErrorErr(log.CatWorker, "writing checkpoint", err, "requestID", req.ID)
		}
		if err := request.SetStatus(req.FilePath, request.StatusPending); err != nil {
			log.ErrorErr(log.CatWorker, "reverting to pending", err, "requestID", req.ID)
		}
		w.history(root, request.HistoryEntry{
			RequestID:   req.ID,
			FromStatus:  request.StatusInProgress,
			ToStatus:    request.StatusPending,
			Actor:       service,
			DirectiveID: req.Directive,
			Detail:      fmt.Sprintf("retry after failure: %v", invokeErr),
		})
		w.commit(ctx, fmt.Sprintf("revert %s for retry", req.ID))
	} else {
		session.ClearCheckpoint(root, req.ID)
		if err := request.SetStatus(req.FilePath, request.StatusFailed); err != nil {
			log.ErrorErr(log.CatWorker, "marking failed", err, "requestID", req.ID)
		}
		if _, err := request.Archive(req.FilePath, root); err != nil {
			log.ErrorErr(log.CatWorker, "archiving failed request", err, "requestID", req.ID)
		}
		if err := w.escalate(req, service, invokeErr); err != nil {
			log.ErrorErr(log.CatWorker, "creating escalation", err, "requestID", req.ID)
		}
		w.history(root, request.HistoryEntry{
			RequestID:   req.ID,
			FromStatus:  request.StatusInProgress,
			ToStatus:    request.StatusFailed,
			Actor:       service,
			DirectiveID: req.Directive,
			Detail:      fmt.Sprintf("escalated after %d attempts: %v", attempts, invokeErr),
		})
		w.commit(ctx, fmt.Sprintf("escalate %s after %d attempts", req.ID, attempts))
	}

	w.events.Publish(bus.TopicRequestFailed, bus.RequestFailed{
		RequestID: req.ID, Service: service, WorkerID: w.id,
		Attempts: attempts, WillRetry: willRetry, Error: invokeErr.Error(),
	})
	return invokeErr
}

// escalate writes a high-priority request into the orchestrator inbox,
// preserving the original body and the final error.
func (w *Worker) escalate(req *request.Request, service string, invokeErr error) error {
	id := fmt.Sprintf("escalation-%s-%d", service, time.Now().Unix())
	path := filepath.Join(hub.InboxDir(w.cfg.HubRoot, hub.OrchestratorService), "req-"+id+".md")

	body := fmt.Sprintf(
		"Request `%s` for service `%s` exhausted its retry budget.\n\n"+
			"## Error\n\n```\n%v\n```\n\n## Original Request\n\n%s\n",
		req.ID, service, invokeErr, req.Body)

	esc := &request.Request{
		ID:             id,
		From:           service,
		To:             hub.OrchestratorService,
		Scope:          request.ScopeInternal,
		Type:           "escalation",
		Priority:       request.PriorityHigh,
		Status:         request.StatusPending,
		Directive:      req.Directive,
		OriginatedFrom: req.ID,
	}
	return request.Write(path, esc, body)
}

// commit records hub mutations. Commit failures are logged, never fatal.
func (w *Worker) commit(ctx context.Context, message string) {
	if _, err := w.transport.Commit(ctx, message); err != nil {
		log.Warn(log.CatWorker, "commit failed", "message", message, "error", err)
	}
}

func (w *Worker) history(root string, entry request.HistoryEntry) {
	if err := request.AppendHistory(root, entry); err != nil {
		log.ErrorErr(log.CatHistory, "appending history", err, "requestID", entry.RequestID)
	}
}
