// Package gateway fans game events out to UI clients over WebSockets.
// Callers connect to /ws/{gameID}; every envelope published for that game
// is relayed to them, which is how the UI layer observes phase and
// context changes without polling the store.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/yss1235-why/tambola-sound-blitz/internal/events"
)

// HubConfig bounds client connections.
type HubConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

// DefaultHubConfig returns the stock connection settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 1024,
		CheckOrigin:    func(r *http.Request) bool { return true },
	}
}

type client struct {
	id     string
	gameID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks connections per game and broadcasts envelopes to them.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	games map[string]map[*client]bool
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		games: make(map[string]map[*client]bool),
	}
}

// Serve upgrades the request and pumps events for gameID until the client
// disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, gameID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		id:     uuid.NewString(),
		gameID: gameID,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
	}
	h.register(c)
	go h.writePump(c)
	go h.readPump(c)

	log.Info().Str("client_id", c.id).Str("game_id", gameID).Msg("websocket client connected")
	return nil
}

// Broadcast relays an envelope to every client of its game.
func (h *Hub) Broadcast(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("marshal broadcast envelope")
		return
	}

	h.mu.RLock()
	var targets []*client
	for c := range h.games[env.GameID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Slow client; drop it rather than stall the fan-out.
			log.Warn().Str("client_id", c.id).Msg("send buffer full, closing client")
			h.unregister(c)
			c.conn.Close()
		}
	}
}

// ClientCount reports connections for a game.
func (h *Hub) ClientCount(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.games[gameID])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.games[c.gameID] == nil {
		h.games[c.gameID] = make(map[*client]bool)
	}
	h.games[c.gameID][c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.games[c.gameID]; ok {
		if set[c] {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.games, c.gameID)
			}
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.unregister(c)
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		// Clients only listen; inbound frames just refresh the deadline.
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
}

// LocalBridge subscribes a Hub directly to an in-process publisher chain,
// used when no broker is configured. A nil Clock stamps envelopes from
// wall time.
type LocalBridge struct {
	Hub   *Hub
	Next  events.Publisher
	Clock clockwork.Clock
}

func (b LocalBridge) Publish(ctx context.Context, gameID string, eventType events.Type, payload any) error {
	env, err := events.NewEnvelope(b.Clock, gameID, eventType, payload)
	if err != nil {
		return err
	}
	b.Hub.Broadcast(env)
	if b.Next != nil {
		return b.Next.Publish(ctx, gameID, eventType, payload)
	}
	return nil
}
