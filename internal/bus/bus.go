// Package bus is the in-process event bus. Components publish typed
// events on named topics; handlers run synchronously in subscription
// order so state transitions observed by one handler are visible to the
// next. A panicking handler is isolated and never takes down the
// publisher.
package bus

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/accordhq/accord/internal/log"
)

// Topic names an event stream.
type Topic string

const (
	TopicSchedulerTick    Topic = "scheduler:tick"
	TopicSyncPull         Topic = "sync:pull"
	TopicSyncPush         Topic = "sync:push"
	TopicRequestClaimed   Topic = "request:claimed"
	TopicRequestCompleted Topic = "request:completed"
	TopicRequestFailed    Topic = "request:failed"
	TopicWorkerStarted    Topic = "worker:started"
	TopicWorkerOutput     Topic = "worker:output"
	TopicDirectivePhase   Topic = "directive:phase-change"
	TopicDirectiveTest    Topic = "directive:test-result"
	TopicServiceAdded     Topic = "service:added"
	TopicServiceRemoved   Topic = "service:removed"
	TopicSessionCreated   Topic = "session:created"
	TopicSessionRotated   Topic = "session:rotated"
)

// Handler receives one published event.
type Handler func(topic Topic, payload any)

// Bus fans published events out to topic subscribers and to any
// all-topic subscribers (used by the bridge).
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	all      []Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers a handler for one topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// SubscribeAll registers a handler for every topic.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the payload to every subscriber of topic, then to the
// all-topic subscribers, synchronously and in subscription order.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[topic])+len(b.all))
	handlers = append(handlers, b.handlers[topic]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(topic, payload, h)
	}
}

func (b *Bus) dispatch(topic Topic, payload any, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "event handler panicked",
				"topic", string(topic), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(topic, payload)
}

// Frame is the wire shape events take when serialized for external
// consumers.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFrame wraps a topic and payload with the current time.
func NewFrame(topic Topic, payload any) Frame {
	return Frame{Type: string(topic), Data: payload, Timestamp: time.Now()}
}
