package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/accordhq/accord/internal/log"
	"github.com/accordhq/accord/internal/pubsub"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer bounds per-client queues. Slow consumers drop frames
	// rather than stall the bus.
	sendBuffer = 64

	// topicLogLine is a bridge-only frame type: debug log lines are
	// mirrored to clients but never published on the bus itself.
	topicLogLine Topic = "log:line"
)

// Bridge forwards every bus event to connected WebSocket clients as JSON
// frames. It is an observation surface only: clients cannot inject
// events.
type Bridge struct {
	bus      *Bus
	upgrader websocket.Upgrader
	server   *http.Server
	stopTail context.CancelFunc

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewBridge creates a bridge bound to the bus. Call Start to begin
// listening.
func NewBridge(b *Bus) *Bridge {
	br := &Bridge{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
	b.SubscribeAll(br.forward)
	return br
}

// Start listens on addr and serves the /events WebSocket endpoint.
// Runs until Stop is called or the listener fails.
func (br *Bridge) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", br.handleWS)

	tailCtx, cancel := context.WithCancel(context.Background())
	br.stopTail = cancel
	go br.tailLoop(log.Tail(tailCtx))

	br.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info(log.CatBus, "event bridge listening", "addr", addr)
	if err := br.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the listener and disconnects all clients.
func (br *Bridge) Stop(ctx context.Context) error {
	if br.stopTail != nil {
		br.stopTail()
	}

	br.mu.Lock()
	for c := range br.clients {
		close(c.send)
		delete(br.clients, c)
	}
	br.mu.Unlock()

	if br.server == nil {
		return nil
	}
	return br.server.Shutdown(ctx)
}

func (br *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatBus, "websocket upgrade failed", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	br.mu.Lock()
	br.clients[c] = struct{}{}
	br.mu.Unlock()
	log.Debug(log.CatBus, "bridge client connected",
		"clientID", c.id, "remote", conn.RemoteAddr().String())

	go br.writeLoop(c)
	br.readLoop(c)
}

// readLoop discards inbound messages and detects disconnects.
func (br *Bridge) readLoop(c *client) {
	defer br.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (br *Bridge) writeLoop(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			br.drop(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func (br *Bridge) drop(c *client) {
	br.mu.Lock()
	if _, ok := br.clients[c]; ok {
		delete(br.clients, c)
		close(c.send)
		log.Debug(log.CatBus, "bridge client disconnected", "clientID", c.id)
	}
	br.mu.Unlock()
	_ = c.conn.Close()
}

// forward is the bus handler: serialize once, enqueue to every client.
func (br *Bridge) forward(topic Topic, payload any) {
	msg, err := json.Marshal(NewFrame(topic, payload))
	if err != nil {
		log.ErrorErr(log.CatBus, "marshaling event frame", err, "topic", string(topic))
		return
	}
	br.broadcast(msg)
}

// tailLoop mirrors debug log lines to clients as log:line frames so a
// dashboard can follow daemon activity without tailing the file.
func (br *Bridge) tailLoop(listener *pubsub.Listener[string]) {
	if listener == nil {
		return
	}
	for {
		event, ok := listener.Next()
		if !ok {
			return
		}
		line := strings.TrimSuffix(event.Payload, "\n")
		msg, err := json.Marshal(NewFrame(topicLogLine, line))
		if err != nil {
			continue
		}
		br.broadcast(msg)
	}
}

func (br *Bridge) broadcast(msg []byte) {
	br.mu.Lock()
	defer br.mu.Unlock()
	for c := range br.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop the frame for this client.
		}
	}
}
