package engine

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/yss1235-why/tambola-sound-blitz/internal/lock"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
)

// Sessions owns the gameID -> engine mapping. It replaces a module-level
// singleton registry: callers hold a Sessions handle, so engine lifetime
// and teardown are explicit and testable.
type Sessions struct {
	store store.GameStore
	mutex *lock.Mutex
	clock clockwork.Clock
	cfg   Config

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewSessions creates an empty session manager.
func NewSessions(gs store.GameStore, mutex *lock.Mutex, clock clockwork.Clock, cfg Config) *Sessions {
	return &Sessions{
		store:   gs,
		mutex:   mutex,
		clock:   clock,
		cfg:     cfg,
		engines: make(map[string]*Engine),
	}
}

// Get returns the engine for gameID, creating and syncing it on first use.
func (s *Sessions) Get(ctx context.Context, gameID string) (*Engine, error) {
	s.mu.Lock()
	if e, ok := s.engines[gameID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	// Sync outside the lock; construction reads the shared record.
	e, err := newEngine(ctx, gameID, s.store, s.mutex, s.clock, s.cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.engines[gameID]; ok {
		return existing, nil
	}
	s.engines[gameID] = e
	log.Debug().Str("game_id", gameID).Msg("draw engine created")
	return e, nil
}

// Clear drops the engine for gameID; the next Get re-syncs from the store.
func (s *Sessions) Clear(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, gameID)
}

// Len reports how many engines are live.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}
