package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordhq/accord/internal/log"
)

func TestBridgeForwardsEventsToClient(t *testing.T) {
	b := New()
	br := NewBridge(b)
	srv := httptest.NewServer(http.HandlerFunc(br.handleWS))
	defer srv.Close()

	conn := dialBridge(t, srv)
	defer conn.Close()
	waitForClients(t, br, 1)

	b.Publish(TopicRequestClaimed, RequestClaimed{RequestID: "req-7", Service: "billing", WorkerID: 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, "request:claimed", frame.Type)

	var claimed RequestClaimed
	require.NoError(t, json.Unmarshal(frame.Data, &claimed))
	assert.Equal(t, "req-7", claimed.RequestID)
	assert.Equal(t, "billing", claimed.Service)
	assert.Equal(t, 3, claimed.WorkerID)
}

func TestBridgeDropsDisconnectedClient(t *testing.T) {
	b := New()
	br := NewBridge(b)
	srv := httptest.NewServer(http.HandlerFunc(br.handleWS))
	defer srv.Close()

	conn := dialBridge(t, srv)
	waitForClients(t, br, 1)
	require.NoError(t, conn.Close())
	waitForClients(t, br, 0)

	// Publishing into an empty bridge must not panic or block.
	b.Publish(TopicSyncPull, SyncEvent{Success: true})
}

func TestBridgeStopDisconnectsClients(t *testing.T) {
	b := New()
	br := NewBridge(b)
	srv := httptest.NewServer(http.HandlerFunc(br.handleWS))
	defer srv.Close()

	conn := dialBridge(t, srv)
	defer conn.Close()
	waitForClients(t, br, 1)

	require.NoError(t, br.Stop(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"clients get a normal close on shutdown, got %v", err)
}

func TestBridgeMirrorsLogLines(t *testing.T) {
	// The logger is a process-wide singleton; the returned cleanup stays
	// open so later tests can still log.
	_, err := log.Init(filepath.Join(t.TempDir(), "bridge-test.log"))
	require.NoError(t, err)

	b := New()
	br := NewBridge(b)
	srv := httptest.NewServer(http.HandlerFunc(br.handleWS))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.tailLoop(log.Tail(ctx))

	conn := dialBridge(t, srv)
	defer conn.Close()
	waitForClients(t, br, 1)

	log.Info(log.CatBus, "bridge mirrors this line")

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err, "log line frame never arrived")

		var frame struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &frame))
		require.Equal(t, "log:line", frame.Type)
		if strings.Contains(frame.Data, "bridge mirrors this line") {
			return
		}
	}
}

func dialBridge(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func waitForClients(t *testing.T, br *Bridge, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		br.mu.Lock()
		defer br.mu.Unlock()
		return len(br.clients) == want
	}, 2*time.Second, 5*time.Millisecond)
}
