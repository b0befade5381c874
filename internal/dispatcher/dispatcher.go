// Package dispatcher owns the worker pool. Each tick it assigns pending
// requests to idle workers under two exclusivity constraints: at most one
// in-flight request per service, and at most one per working directory
// (monorepo hubs funnel every service through one directory).
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/accordhq/accord/internal/agent"
	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/config"
	"github.com/accordhq/accord/internal/log"
	"github.com/accordhq/accord/internal/request"
	"github.com/accordhq/accord/internal/session"
	"github.com/accordhq/accord/internal/synctrans"
	"github.com/accordhq/accord/internal/worker"
)

// Dispatcher assigns requests to workers and coordinates the post-batch
// commit and push.
type Dispatcher struct {
	cfg       *config.Config
	sessions  *session.Manager
	invoker   agent.Invoker
	transport synctrans.Transport
	events    *bus.Bus
	workers   []*worker.Worker

	mu             sync.Mutex
	activeServices map[string]bool
	activeDirs     map[string]bool
	busyWorkers    map[int]bool

	inFlight sync.WaitGroup
	closed   atomic.Bool
}

// New creates a dispatcher with cfg.Dispatcher.Workers worker slots.
func New(cfg *config.Config, sessions *session.Manager, invoker agent.Invoker, transport synctrans.Transport, events *bus.Bus) *Dispatcher {
	d := &Dispatcher{
		cfg:            cfg,
		sessions:       sessions,
		invoker:        invoker,
		transport:      transport,
		events:         events,
		activeServices: make(map[string]bool),
		activeDirs:     make(map[string]bool),
		busyWorkers:    make(map[int]bool),
	}
	for i := 0; i < cfg.Dispatcher.Workers; i++ {
		d.workers = append(d.workers, worker.New(i, cfg, sessions, invoker, transport, events))
	}
	return d
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}

type assignment struct {
	w   *worker.Worker
	req *request.Request
}

// Dispatch assigns as many of the priority-sorted pending requests as
// the constraints allow, runs them concurrently, and awaits the batch.
// Returns the number of assignments (in dry-run, the number that would
// have been assigned without running anything).
func (d *Dispatcher) Dispatch(ctx context.Context, pending []*request.Request, dryRun bool) int {
	if d.closed.Load() {
		return 0
	}

	d.mu.Lock()
	assignments := d.plan(pending)
	if dryRun {
		d.mu.Unlock()
		return len(assignments)
	}
	for _, a := range assignments {
		svc := a.req.Service()
		d.activeServices[svc] = true
		d.activeDirs[d.cfg.ServiceDir(svc)] = true
		d.busyWorkers[a.w.ID()] = true
	}
	d.mu.Unlock()

	if len(assignments) == 0 {
		return 0
	}
	log.Debug(log.CatDispatch, "dispatching batch",
		"assignments", len(assignments), "pending", len(pending))

	var wg sync.WaitGroup
	for _, a := range assignments {
		wg.Add(1)
		d.inFlight.Add(1)
		go func(a assignment) {
			defer wg.Done()
			defer d.inFlight.Done()
			res := a.w.ProcessRequest(ctx, a.req)
			d.release(a.req.Service(), a.w.ID())
			if !res.Success {
				log.Debug(log.CatDispatch, "request did not succeed",
					"requestID", res.RequestID, "error", res.Err)
			}
		}(a)
	}
	wg.Wait()

	d.commitAndPush(ctx, len(assignments))
	return len(assignments)
}

// plan computes the batch under d.mu: walk the sorted pending list,
// skipping requests whose service or directory is already claimed, and
// reserve one worker per admitted request.
func (d *Dispatcher) plan(pending []*request.Request) []assignment {
	activeServices := make(map[string]bool, len(d.activeServices))
	for k := range d.activeServices {
		activeServices[k] = true
	}
	activeDirs := make(map[string]bool, len(d.activeDirs))
	for k := range d.activeDirs {
		activeDirs[k] = true
	}
	reserved := make(map[int]bool)

	var assignments []assignment
	for _, req := range pending {
		svc := req.Service()
		if activeServices[svc] {
			continue
		}
		dir := d.cfg.ServiceDir(svc)
		if activeDirs[dir] {
			continue
		}
		w := d.pickIdleWorker(svc, reserved)
		if w == nil {
			continue
		}
		activeServices[svc] = true
		activeDirs[dir] = true
		reserved[w.ID()] = true
		assignments = append(assignments, assignment{w: w, req: req})
	}
	return assignments
}

// pickIdleWorker prefers a worker that last processed this service when
// a resumable session exists (session affinity keeps the warm process on
// the same slot for the persistent adapter). Ties break to the lowest
// worker id for determinism.
func (d *Dispatcher) pickIdleWorker(svc string, reserved map[int]bool) *worker.Worker {
	var fallback *worker.Worker
	for _, w := range d.workers {
		if reserved[w.ID()] || d.busyWorkers[w.ID()] || !w.IsIdle() {
			continue
		}
		if w.LastService() == svc && d.sessions.Get(svc) != nil {
			return w
		}
		if fallback == nil {
			fallback = w
		}
	}
	return fallback
}

func (d *Dispatcher) release(svc string, workerID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.activeServices, svc)
	delete(d.activeDirs, d.cfg.ServiceDir(svc))
	delete(d.busyWorkers, workerID)
}

// commitAndPush records the batch in one commit and pushes the hub.
// Sync failures never abort processing.
func (d *Dispatcher) commitAndPush(ctx context.Context, processed int) {
	msg := fmt.Sprintf("dispatcher processed %d request(s)", processed)
	if _, err := d.transport.Commit(ctx, msg); err != nil {
		log.Warn(log.CatDispatch, "batch commit failed", "error", err)
	}
	if err := d.transport.Push(ctx); err != nil {
		log.Warn(log.CatSync, "push failed", "error", err)
		d.events.Publish(bus.TopicSyncPush, bus.SyncEvent{Success: false, Detail: err.Error()})
		return
	}
	d.events.Publish(bus.TopicSyncPush, bus.SyncEvent{Success: true})
}

// Shutdown stops accepting work, waits for in-flight requests, then
// closes adapter sessions and persists the session map.
func (d *Dispatcher) Shutdown() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	log.Info(log.CatDispatch, "dispatcher shutting down")
	d.inFlight.Wait()
	d.invoker.CloseAll()
	d.sessions.SaveToDisk(d.cfg.HubRoot)
}
