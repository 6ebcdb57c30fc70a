// Package engine draws numbers for a game: under a held lease it atomically
// selects and commits the next called number against the shared game
// record, preferring an admin-prepared session cache over random draw and
// detecting duplicate commits from concurrent writers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/yss1235-why/tambola-sound-blitz/internal/lock"
	"github.com/yss1235-why/tambola-sound-blitz/internal/retry"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
)

// Config fixes engine behavior at construction; there are no mutable
// feature flags.
type Config struct {
	// Lock bounds the draw lease. The lock name is scoped to number
	// drawing only, distinct from any controller lock, so unrelated
	// contention never serializes draws.
	Lock lock.Options

	// Draw is the outer retry budget over connectivity and conflict
	// errors, on top of the store's own transaction retries and the
	// mutex's acquisition retries.
	Draw retry.Policy

	// StrictValidation makes an IsActive mismatch a blocking
	// ValidationError instead of a logged warning.
	StrictValidation bool

	// Source draws candidates when the session cache is exhausted.
	Source NumberSource
}

// DefaultConfig is lenient validation with crypto randomness.
func DefaultConfig() Config {
	return Config{
		Lock: lock.DefaultOptions(),
		Draw: retry.Policy{
			MaxAttempts:   3,
			BaseDelay:     250 * time.Millisecond,
			BackoffFactor: 2,
			MaxDelay:      2 * time.Second,
		},
		Source: CryptoSource{},
	}
}

// CallResult is the typed, non-throwing outcome of CallNextNumber.
type CallResult struct {
	Number     int
	SequenceID int
	Timestamp  time.Time
	Success    bool
	Err        error
}

// Engine is the per-game draw singleton. Obtain instances through Sessions
// so lifetime and teardown stay explicit.
type Engine struct {
	gameID string
	store  store.GameStore
	mutex  *lock.Mutex
	clock  clockwork.Clock
	cfg    Config

	mu     sync.Mutex
	called []int // local cache; may lag the shared record, never leads it
}

// newEngine syncs the local called-number cache from the current record so
// a reloaded device is neither ahead of nor behind the shared state.
func newEngine(ctx context.Context, gameID string, gs store.GameStore, mutex *lock.Mutex, clock clockwork.Clock, cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		cfg.Source = CryptoSource{}
	}
	e := &Engine{gameID: gameID, store: gs, mutex: mutex, clock: clock, cfg: cfg}

	rec, err := gs.GetGame(ctx, gameID)
	if err != nil && !errors.Is(err, store.ErrGameNotFound) {
		return nil, fmt.Errorf("sync game %s: %w", gameID, err)
	}
	if rec != nil {
		e.called = append([]int(nil), rec.CalledNumbers...)
	}
	return e, nil
}

// GameID returns the game this engine draws for.
func (e *Engine) GameID() string { return e.gameID }

// CalledNumbers returns a copy of the local cache.
func (e *Engine) CalledNumbers() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.called...)
}

func (e *Engine) lockName() string {
	return "draw/" + e.gameID
}

// CallNextNumber selects and commits the next number. Transient failures
// are retried internally; the returned result is Success=false only after
// the retry budget is exhausted or the failure is fatal.
func (e *Engine) CallNextNumber(ctx context.Context) CallResult {
	if err := e.ValidateGameState(ctx); err != nil {
		return CallResult{Success: false, Err: err}
	}

	var committed *store.GameRecord
	policy := e.cfg.Draw
	policy.Retryable = store.Retryable
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error) {
			log.Warn().
				Str("game_id", e.gameID).
				Int("attempt", attempt).
				Err(err).
				Msg("draw retry")
		}
	}

	err := policy.Do(ctx, e.clock, func() error {
		return e.mutex.WithLock(ctx, e.lockName(), e.cfg.Lock, func(ctx context.Context) error {
			res, err := e.store.UpdateGame(ctx, e.gameID, e.drawTxn)
			if err != nil {
				return err
			}
			if !res.Committed {
				return store.ErrTransactionConflict
			}
			committed = res.Game
			return nil
		})
	})
	if err != nil {
		log.Error().Str("game_id", e.gameID).Err(err).Msg("draw failed")
		return CallResult{Success: false, Err: err}
	}

	e.mu.Lock()
	e.called = append([]int(nil), committed.CalledNumbers...)
	e.mu.Unlock()

	number := 0
	if committed.CurrentNumber != nil {
		number = *committed.CurrentNumber
	}
	log.Info().
		Str("game_id", e.gameID).
		Int("number", number).
		Int("sequence", committed.CallSequence).
		Msg("number called")

	return CallResult{
		Number:     number,
		SequenceID: committed.CallSequence,
		Timestamp:  committed.UpdatedAt,
		Success:    true,
	}
}

// drawTxn is the pure transaction body: the store re-runs it against a
// fresh read whenever a concurrent writer committed first.
func (e *Engine) drawTxn(cur *store.GameRecord) (*store.GameRecord, error) {
	if cur == nil {
		return nil, store.ErrGameNotFound
	}
	if cur.GameOver {
		return nil, store.ErrNoNumbersRemaining
	}
	remaining := cur.Remaining()
	if len(remaining) == 0 {
		return nil, store.ErrNoNumbersRemaining
	}

	// Pre-generated sequence takes priority over random selection.
	var candidate int
	if idx := len(cur.CalledNumbers); idx < len(cur.SessionCache) {
		candidate = cur.SessionCache[idx]
	} else {
		candidate = e.cfg.Source.Pick(remaining)
	}

	if candidate < 1 || candidate > store.MaxNumber {
		return nil, fmt.Errorf("%w: candidate %d out of range", store.ErrTransactionConflict, candidate)
	}
	if cur.HasCalled(candidate) {
		// A concurrent writer raced ahead with this number.
		return nil, fmt.Errorf("%w: number %d already called", store.ErrTransactionConflict, candidate)
	}

	next := cur.Clone()
	next.CalledNumbers = append(next.CalledNumbers, candidate)
	next.CallSequence = len(next.CalledNumbers)
	next.CurrentNumber = &candidate
	return next, nil
}

// ValidateGameState is a read-only precheck. It fails closed on a missing
// record, a finished game, or a full board. An inactive flag is lenient by
// default: transient network-state disagreement between devices should not
// block the host from calling.
func (e *Engine) ValidateGameState(ctx context.Context) error {
	rec, err := e.store.GetGame(ctx, e.gameID)
	if err != nil {
		return err
	}
	if rec.GameOver {
		return store.ErrNoNumbersRemaining
	}
	if len(rec.CalledNumbers) >= store.MaxNumber {
		return store.ErrNoNumbersRemaining
	}
	if !rec.IsActive {
		if e.cfg.StrictValidation {
			return &store.ValidationError{Reason: "game is not active"}
		}
		log.Warn().Str("game_id", e.gameID).Msg("game not marked active; continuing (lenient validation)")
	}
	return nil
}
