package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yss1235-why/tambola-sound-blitz/internal/events"
)

func newTestServer(hub *Hub) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gameID := strings.TrimPrefix(r.URL.Path, "/ws/")
		if err := hub.Serve(w, r, gameID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
}

func dial(t *testing.T, srv *httptest.Server, gameID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + gameID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, gameID string, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for hub.ClientCount(gameID) != want {
		select {
		case <-deadline:
			t.Fatalf("ClientCount(%s) = %d, want %d", gameID, hub.ClientCount(gameID), want)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestBroadcastReachesGameClientsOnly(t *testing.T) {
	hub := NewHub(DefaultHubConfig())
	srv := newTestServer(hub)
	defer srv.Close()

	c1 := dial(t, srv, "g1")
	c2 := dial(t, srv, "g2")
	waitForClients(t, hub, "g1", 1)
	waitForClients(t, hub, "g2", 1)

	env, err := events.NewEnvelope(nil, "g1", events.TypeNumberCalled, events.NumberCalledPayload{Number: 42, SequenceID: 1})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	hub.Broadcast(env)

	c1.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := c1.ReadMessage()
	if err != nil {
		t.Fatalf("g1 client read: %v", err)
	}
	var got events.Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.GameID != "g1" || got.EventType != events.TypeNumberCalled {
		t.Errorf("envelope = %+v", got)
	}

	// The other game's client sees nothing.
	c2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := c2.ReadMessage(); err == nil {
		t.Error("g2 client received g1 broadcast")
	}
}

func TestClientDisconnectDropsRegistration(t *testing.T) {
	hub := NewHub(DefaultHubConfig())
	srv := newTestServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "g1")
	waitForClients(t, hub, "g1", 1)

	conn.Close()
	waitForClients(t, hub, "g1", 0)
}

func TestLocalBridgePublishesToHubAndNext(t *testing.T) {
	hub := NewHub(DefaultHubConfig())
	srv := newTestServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "g1")
	waitForClients(t, hub, "g1", 1)

	bridge := LocalBridge{Hub: hub, Next: events.LogPublisher{}}
	if err := bridge.Publish(context.Background(), "g1", events.TypeGameStarted, events.GameStartedPayload{GameID: "g1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventType != events.TypeGameStarted {
		t.Errorf("EventType = %s", got.EventType)
	}
}
