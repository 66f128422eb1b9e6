package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
)

type wireMessage struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startHub(t *testing.T, maxConns int, limits Limits) (*Hub, *httptest.Server) {
	t.Helper()
	broker := feed.NewBroker(4096)
	mem := backend.NewMemory(broker)
	hub := NewHub(SessionConfig{Backend: mem, Feed: broker, Reporter: quietReporter()}, maxConns, limits)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(hub, conn, r.URL.Query().Get("viewer"))
		c.Start(cctx, ccancel)
		hub.Register(c)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.done
		broker.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, viewer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?viewer=" + viewer
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ EventType) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var m wireMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func TestHubSessionAcksActions(t *testing.T) {
	hub, srv := startHub(t, 0, Limits{})
	conn := dial(t, srv, "alice")

	readUntil(t, conn, EventConversations)
	assert.Equal(t, conn.WriteJSON(IncomingMessage{Type: ActionMarkAllRead, Ref: "r1"}), nil)

	var ack AckPayload
	assert.Equal(t, json.Unmarshal(readUntil(t, conn, EventAck).Payload, &ack), nil)
	assert.Equal(t, ack.Ref, "r1")
	assert.Equal(t, ack.Action, ActionMarkAllRead)
	assert.Equal(t, hub.Len(), 1)
	assert.Equal(t, hub.Viewers(), 1)
}

func TestHubReportsActionErrors(t *testing.T) {
	_, srv := startHub(t, 0, Limits{})
	conn := dial(t, srv, "alice")
	readUntil(t, conn, EventConversations)

	assert.Equal(t, conn.WriteJSON(IncomingMessage{Type: ActionSendMessage, Ref: "r2", Content: "hi"}), nil)
	var perr ErrorPayload
	assert.Equal(t, json.Unmarshal(readUntil(t, conn, EventError).Payload, &perr), nil)
	assert.Equal(t, perr.Ref, "r2")
	assert.Equal(t, perr.Code, "validation")

	assert.Equal(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")), nil)
	assert.Equal(t, json.Unmarshal(readUntil(t, conn, EventError).Payload, &perr), nil)
	assert.Equal(t, perr.Code, "bad_request")
}

func TestHubThrottlesActions(t *testing.T) {
	_, srv := startHub(t, 0, Limits{ActionRate: 0.001, ActionBurst: 1})
	conn := dial(t, srv, "alice")
	readUntil(t, conn, EventConversations)

	assert.Equal(t, conn.WriteJSON(IncomingMessage{Type: ActionMarkAllRead, Ref: "a"}), nil)
	readUntil(t, conn, EventAck)
	assert.Equal(t, conn.WriteJSON(IncomingMessage{Type: ActionMarkAllRead, Ref: "b"}), nil)
	var perr ErrorPayload
	assert.Equal(t, json.Unmarshal(readUntil(t, conn, EventError).Payload, &perr), nil)
	assert.Equal(t, perr.Ref, "b")
	assert.Equal(t, perr.Code, "rate_limited")
}

func TestHubRejectsConnectionsOverLimit(t *testing.T) {
	hub, srv := startHub(t, 1, Limits{})
	first := dial(t, srv, "alice")
	readUntil(t, first, EventConversations)

	second := dial(t, srv, "bob")
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := second.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, hub.Len(), 1)
}

func TestHubUnregistersClosedConnections(t *testing.T) {
	hub, srv := startHub(t, 0, Limits{})
	conn := dial(t, srv, "alice")
	readUntil(t, conn, EventConversations)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, hub.Len(), 0)
}
