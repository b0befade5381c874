// Package scheduler drives the dispatcher: an immediate tick on start,
// then one per poll interval, plus on-demand ticks when the inbox watcher
// sees a new request file. Ticks are non-reentrant; a tick arriving while
// one is running is dropped.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/dispatcher"
	"github.com/accordhq/accord/internal/log"
	"github.com/accordhq/accord/internal/request"
	"github.com/accordhq/accord/internal/synctrans"
	"github.com/accordhq/accord/internal/tracing"
)

// Scheduler owns the polling loop.
type Scheduler struct {
	interval   time.Duration
	scanner    *request.Scanner
	dispatcher *dispatcher.Dispatcher
	transport  synctrans.Transport
	events     *bus.Bus

	ticking atomic.Bool
	trigger chan struct{}
}

// New creates a scheduler. interval must be positive.
func New(interval time.Duration, scanner *request.Scanner, d *dispatcher.Dispatcher, transport synctrans.Transport, events *bus.Bus) *Scheduler {
	return &Scheduler{
		interval:   interval,
		scanner:    scanner,
		dispatcher: d,
		transport:  transport,
		events:     events,
		trigger:    make(chan struct{}, 1),
	}
}

// Start runs the loop until ctx is canceled: one tick immediately, then
// one per interval or trigger.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info(log.CatSched, "scheduler started", "interval", s.interval.String())
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatSched, "scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.trigger:
			s.Tick(ctx)
		}
	}
}

// TriggerNow schedules an immediate tick, bypassing the timer. Multiple
// calls while a trigger is already queued coalesce.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Tick runs one scheduling pass: pull, scan, dispatch. Returns the
// number of requests processed; re-entry while a tick is running
// returns 0.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Debug(log.CatSched, "tick dropped, previous still running")
		return 0
	}
	defer s.ticking.Store(false)

	ctx, span := tracing.Tracer().Start(ctx, "scheduler.tick")
	defer span.End()

	if err := s.transport.Pull(ctx); err != nil {
		log.Warn(log.CatSync, "pull failed", "error", err)
		s.events.Publish(bus.TopicSyncPull, bus.SyncEvent{Success: false, Detail: err.Error()})
	} else {
		s.events.Publish(bus.TopicSyncPull, bus.SyncEvent{Success: true})
	}

	all := s.scanner.ScanAll()
	pending := request.Dispatchable(all)
	request.SortByPriority(pending)

	processed := s.dispatcher.Dispatch(ctx, pending, false)
	span.SetAttributes(
		attribute.Int("tick.pending", len(pending)),
		attribute.Int("tick.processed", processed),
	)
	s.events.Publish(bus.TopicSchedulerTick, bus.SchedulerTick{
		PendingCount:   len(pending),
		ProcessedCount: processed,
		Timestamp:      time.Now(),
	})
	if processed > 0 {
		log.Info(log.CatSched, "tick complete", "pending", len(pending), "processed", processed)
	}
	return processed
}
