package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordhq/accord/internal/agent"
	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/config"
	"github.com/accordhq/accord/internal/dispatcher"
	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/request"
	"github.com/accordhq/accord/internal/session"
	"github.com/accordhq/accord/internal/synctrans"
)

type blockingInvoker struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(context.Context, agent.Request) (*agent.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.release != nil {
		<-b.release
	}
	return &agent.Result{Output: "ok", SessionID: "sess-1"}, nil
}

func (b *blockingInvoker) SupportsResume() bool { return true }
func (b *blockingInvoker) CloseAll()            {}

func (b *blockingInvoker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testConfig(root string) *config.Config {
	cfg := config.Defaults()
	cfg.Project.Name = "test"
	cfg.Services = []string{"backend"}
	cfg.RepoModel = config.RepoModelMonorepo
	cfg.HubRoot = root
	return &cfg
}

func newScheduler(root string, inv agent.Invoker) (*Scheduler, *bus.Bus) {
	cfg := testConfig(root)
	events := bus.New()
	sessions := session.NewManager(session.DefaultConfig())
	d := dispatcher.New(cfg, sessions, inv, synctrans.NoopTransport{}, events)
	s := New(cfg.Dispatcher.PollInterval, request.NewScanner(root), d, synctrans.NoopTransport{}, events)
	return s, events
}

func writePending(t *testing.T, root, service, id string) {
	t.Helper()
	r := &request.Request{
		ID:       id,
		From:     hub.OrchestratorService,
		To:       service,
		Priority: request.PriorityMedium,
		Status:   request.StatusPending,
		Created:  time.Now(),
	}
	path := filepath.Join(hub.InboxDir(root, service), "req-"+id+".md")
	require.NoError(t, request.Write(path, r, "Do the thing."))
}

func TestTickProcessesPending(t *testing.T) {
	root := t.TempDir()
	inv := &blockingInvoker{}
	s, events := newScheduler(root, inv)

	var ticks []bus.SchedulerTick
	events.Subscribe(bus.TopicSchedulerTick, func(_ bus.Topic, payload any) {
		ticks = append(ticks, payload.(bus.SchedulerTick))
	})
	var pulls int
	events.Subscribe(bus.TopicSyncPull, func(bus.Topic, any) { pulls++ })

	writePending(t, root, "backend", "r1")

	n := s.Tick(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, inv.callCount())
	assert.Equal(t, 1, pulls)

	require.Len(t, ticks, 1)
	assert.Equal(t, 1, ticks[0].PendingCount)
	assert.Equal(t, 1, ticks[0].ProcessedCount)
	assert.False(t, ticks[0].Timestamp.IsZero())

	// Request moved to the archive.
	entries, err := os.ReadDir(hub.ArchiveDir(root))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTickEmptyHub(t *testing.T) {
	root := t.TempDir()
	inv := &blockingInvoker{}
	s, events := newScheduler(root, inv)

	var ticks []bus.SchedulerTick
	events.Subscribe(bus.TopicSchedulerTick, func(_ bus.Topic, payload any) {
		ticks = append(ticks, payload.(bus.SchedulerTick))
	})

	n := s.Tick(context.Background())
	assert.Zero(t, n)
	assert.Zero(t, inv.callCount())
	require.Len(t, ticks, 1)
	assert.Zero(t, ticks[0].PendingCount)
}

func TestTickIsNotReentrant(t *testing.T) {
	root := t.TempDir()
	inv := &blockingInvoker{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s, _ := newScheduler(root, inv)
	writePending(t, root, "backend", "r1")

	done := make(chan int)
	go func() { done <- s.Tick(context.Background()) }()

	// First tick is mid-invocation; a second tick must bounce.
	<-inv.started
	assert.Zero(t, s.Tick(context.Background()))

	close(inv.release)
	assert.Equal(t, 1, <-done)
	assert.Equal(t, 1, inv.callCount())
}

func TestTriggerNowCoalesces(t *testing.T) {
	s, _ := newScheduler(t.TempDir(), &blockingInvoker{})
	s.TriggerNow()
	s.TriggerNow()
	s.TriggerNow()
	assert.Len(t, s.trigger, 1)
}

func TestStartTicksImmediately(t *testing.T) {
	root := t.TempDir()
	inv := &blockingInvoker{}
	s, _ := newScheduler(root, inv)
	s.interval = time.Hour
	writePending(t, root, "backend", "r1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return inv.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestInboxWatcherNotifiesOnRequestFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(hub.InboxDir(root, "backend"), 0o755))

	w, err := NewInboxWatcher(root, bus.New())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	changes, err := w.Start()
	require.NoError(t, err)

	writePending(t, root, "backend", "r1")

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification for new request file")
	}
}

func TestInboxWatcherIgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	dir := hub.InboxDir(root, "backend")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	w, err := NewInboxWatcher(root, bus.New())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	changes, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case <-changes:
		t.Fatal("non-request file should not notify")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInboxWatcherPublishesServiceRemoved(t *testing.T) {
	root := t.TempDir()
	dir := hub.InboxDir(root, "backend")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	events := bus.New()
	removed := make(chan bus.ServiceChange, 1)
	events.Subscribe(bus.TopicServiceRemoved, func(_ bus.Topic, payload any) {
		removed <- payload.(bus.ServiceChange)
	})

	w, err := NewInboxWatcher(root, events)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	_, err = w.Start()
	require.NoError(t, err)

	require.NoError(t, os.Remove(dir))

	select {
	case change := <-removed:
		assert.Equal(t, "backend", change.Service)
	case <-time.After(2 * time.Second):
		t.Fatal("no service:removed event for deleted inbox dir")
	}
}

func TestInboxWatcherPicksUpNewServiceDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(hub.InboxRoot(root), 0o755))

	w, err := NewInboxWatcher(root, bus.New())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	changes, err := w.Start()
	require.NoError(t, err)

	// Service inbox created after the watcher started.
	require.NoError(t, os.MkdirAll(hub.InboxDir(root, "payments"), 0o755))
	time.Sleep(100 * time.Millisecond)
	writePending(t, root, "payments", "r1")

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification from newly created inbox dir")
	}
}
