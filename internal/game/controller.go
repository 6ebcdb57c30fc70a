// Package game exposes the subsystem's public surface: a Controller that
// drives the phase machine, executes its effects, and wires the draw
// engine, timer coordinator, shared store, and event publisher together.
// UI-layer callers construct one Controller per device and invoke the
// public operations; everything else is internal.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/yss1235-why/tambola-sound-blitz/internal/engine"
	"github.com/yss1235-why/tambola-sound-blitz/internal/events"
	"github.com/yss1235-why/tambola-sound-blitz/internal/lock"
	"github.com/yss1235-why/tambola-sound-blitz/internal/phase"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
	"github.com/yss1235-why/tambola-sound-blitz/internal/timer"
)

// Timer IDs registered per game session.
const (
	TimerAutoCall  = "autocall"
	TimerCountdown = "countdown"
	TimerHeartbeat = "heartbeat"
)

// Config fixes controller behavior at construction.
type Config struct {
	// AutoCallInterval is the cadence of automatic number calling.
	// Zero disables the autocall timer.
	AutoCallInterval time.Duration
	// GameDuration is the countdown budget; zero means untimed.
	GameDuration time.Duration
	// HeartbeatInterval paces the connectivity heartbeat.
	HeartbeatInterval time.Duration
	// Tick overrides the coordinator poll interval (tests).
	Tick time.Duration
	// Engine configures the draw engine.
	Engine engine.Config
}

// DefaultConfig mirrors the stock host settings.
func DefaultConfig() Config {
	return Config{
		AutoCallInterval:  10 * time.Second,
		GameDuration:      0,
		HeartbeatInterval: 30 * time.Second,
		Engine:            engine.DefaultConfig(),
	}
}

// Listener observes accepted transitions.
type Listener func(state phase.State, ctx phase.Context)

// Controller is one device's handle on a shared game session.
type Controller struct {
	store     store.Store
	sessions  *engine.Sessions
	coord     *timer.Coordinator
	machine   *phase.Machine
	publisher events.Publisher
	clock     clockwork.Clock
	cfg       Config

	mu         sync.Mutex
	gameID     string
	engine     *engine.Engine
	stopWatch  func()
	remaining  time.Duration
	seenCalled int // high-water mark of remote called numbers
	listeners  []Listener
}

// New builds a controller. holderID identifies this device in lock leases;
// empty gets a generated identity.
func New(s store.Store, publisher events.Publisher, clock clockwork.Clock, holderID string, cfg Config) *Controller {
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	mutex := lock.New(s, clock, holderID)
	c := &Controller{
		store:     s,
		sessions:  engine.NewSessions(s, mutex, clock, cfg.Engine),
		machine:   phase.NewMachine(),
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
	}
	c.coord = timer.New(clock, cfg.Tick, c.runnable)
	return c
}

// runnable is the shared game-state predicate every timer is gated by.
func (c *Controller) runnable() bool {
	st := c.machine.State()
	if !st.Running() {
		return false
	}
	return !c.machine.Context().IsPaused
}

// State returns the current phase.
func (c *Controller) State() phase.State { return c.machine.State() }

// Snapshot returns the phase and a context copy.
func (c *Controller) Snapshot() (phase.State, phase.Context) {
	return c.machine.State(), c.machine.Context()
}

// Subscribe registers a listener for phase/context changes.
func (c *Controller) Subscribe(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// StartGame begins a session: the machine enters initializing and resource
// setup runs asynchronously; the phase advances to waiting_for_audio once
// it completes.
func (c *Controller) StartGame(ctx context.Context, gameID string) error {
	_, _, ok := c.dispatch(phase.Event{Type: phase.EventStartGame, GameID: gameID})
	if !ok {
		return fmt.Errorf("cannot start game from phase %s", c.machine.State())
	}
	return nil
}

// AudioReady reports the audio pipeline is loaded; the game enters running.
func (c *Controller) AudioReady() {
	c.dispatch(phase.Event{Type: phase.EventAudioReady})
}

// AudioComplete reports the current number's announcement finished.
func (c *Controller) AudioComplete() {
	c.dispatch(phase.Event{Type: phase.EventAudioComplete})
}

// CallNumber draws the next number. The phase guard rejects the call when
// the board is full or the game is paused; engine failures come back as a
// typed unsuccessful result, never a panic.
func (c *Controller) CallNumber(ctx context.Context) engine.CallResult {
	_, _, ok := c.dispatch(phase.Event{Type: phase.EventCallNumber})
	if !ok {
		return engine.CallResult{Success: false, Err: fmt.Errorf("call rejected in phase %s", c.machine.State())}
	}
	return c.performCall(ctx)
}

// PauseGame pauses all timers and number calling.
func (c *Controller) PauseGame(ctx context.Context) error {
	_, _, ok := c.dispatch(phase.Event{Type: phase.EventPauseGame})
	if !ok {
		return fmt.Errorf("cannot pause from phase %s", c.machine.State())
	}
	return nil
}

// ResumeGame resumes a paused session.
func (c *Controller) ResumeGame(ctx context.Context) error {
	_, _, ok := c.dispatch(phase.Event{Type: phase.EventResumeGame})
	if !ok {
		return fmt.Errorf("cannot resume from phase %s", c.machine.State())
	}
	return nil
}

// EndGame finalizes the session; the machine passes through ending and
// settles in game_over.
func (c *Controller) EndGame(ctx context.Context) error {
	_, _, ok := c.dispatch(phase.Event{Type: phase.EventEndGame})
	if !ok {
		return fmt.Errorf("cannot end from phase %s", c.machine.State())
	}
	return nil
}

// RecordPrize records a completed pattern without a phase change.
func (c *Controller) RecordPrize(prizeID string) {
	c.dispatch(phase.Event{Type: phase.EventPrizeWon, PrizeID: prizeID})
}

// Retry re-runs initialization after an error.
func (c *Controller) Retry() {
	c.dispatch(phase.Event{Type: phase.EventRetry})
}

// Reset returns the machine to idle, discarding context.
func (c *Controller) Reset() {
	c.dispatch(phase.Event{Type: phase.EventReset})
}

// Close tears down timers and watches. The machine state is left as-is.
func (c *Controller) Close() {
	c.coord.Cleanup()
	c.mu.Lock()
	stop := c.stopWatch
	c.stopWatch = nil
	gameID := c.gameID
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if gameID != "" {
		c.sessions.Clear(gameID)
	}
}

// dispatch feeds the machine, notifies listeners, and executes effects.
func (c *Controller) dispatch(ev phase.Event) (phase.State, phase.Context, bool) {
	state, pctx, effects, ok := c.machine.Dispatch(ev)
	if !ok {
		log.Debug().Str("event", string(ev.Type)).Str("phase", string(state)).Msg("event rejected")
		return state, pctx, false
	}

	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(state, pctx)
	}

	for _, fx := range effects {
		c.execute(fx, pctx)
	}
	return state, pctx, true
}

func (c *Controller) execute(fx phase.Effect, pctx phase.Context) {
	switch fx.Type {
	case phase.EffectInitGame:
		go c.initGame(pctx.GameID)

	case phase.EffectStartTimers:
		c.startTimers()
		c.publish(events.TypeGameStarted, events.GameStartedPayload{
			GameID:    pctx.GameID,
			StartedAt: c.clock.Now(),
		})

	case phase.EffectPauseTimers:
		c.coord.PauseAll()
		c.publish(events.TypeGamePaused, events.GamePausedPayload{PausedAt: c.clock.Now()})

	case phase.EffectResumeTimers:
		c.coord.ResumeAll()
		c.coord.EnableTimer(TimerAutoCall)
		c.coord.EnableTimer(TimerCountdown)
		c.coord.EnableTimer(TimerHeartbeat)
		c.publish(events.TypeGameResumed, events.GameResumedPayload{ResumedAt: c.clock.Now()})

	case phase.EffectCallNumber:
		// Executed inline by CallNumber / the autocall timer.

	case phase.EffectAnnounceNumber:
		c.publish(events.TypeNumberCalled, events.NumberCalledPayload{
			Number:      fx.Number,
			SequenceID:  fx.SequenceID,
			CalledCount: len(pctx.CalledNumbers),
			CalledAt:    c.clock.Now(),
		})

	case phase.EffectAnnouncePrize:
		c.publish(events.TypePrizeWon, events.PrizeWonPayload{
			PrizeID: fx.PrizeID,
			WonAt:   c.clock.Now(),
		})

	case phase.EffectFinalizeGame:
		go c.finalize()

	case phase.EffectStopAll:
		c.stopAll(pctx)

	case phase.EffectRecordError:
		log.Error().Str("game_id", pctx.GameID).Str("error", fx.Err).Msg("game entered error phase")
		c.publish(events.TypeGameError, events.GameErrorPayload{Message: fx.Err})
	}
}

// initGame ensures the shared record exists and is active, syncs the draw
// engine, and starts the record watch. Its outcome is fed back as an
// async-step event.
func (c *Controller) initGame(gameID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.store.UpdateGame(ctx, gameID, func(cur *store.GameRecord) (*store.GameRecord, error) {
		if cur == nil {
			return &store.GameRecord{GameID: gameID, IsActive: true}, nil
		}
		if cur.GameOver {
			return nil, fmt.Errorf("game %s is already over", gameID)
		}
		next := cur.Clone()
		next.IsActive = true
		return next, nil
	})
	if err != nil {
		c.dispatch(phase.Event{Type: phase.EventInitFailed, Err: err.Error()})
		return
	}

	eng, err := c.sessions.Get(ctx, gameID)
	if err != nil {
		c.dispatch(phase.Event{Type: phase.EventInitFailed, Err: err.Error()})
		return
	}

	watchCtx := context.Background()
	stop, err := c.store.WatchGame(watchCtx, gameID, c.onRemoteChange)
	if err != nil {
		c.dispatch(phase.Event{Type: phase.EventInitFailed, Err: err.Error()})
		return
	}

	c.mu.Lock()
	c.gameID = gameID
	c.engine = eng
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.stopWatch = stop
	c.remaining = c.cfg.GameDuration
	c.seenCalled = len(eng.CalledNumbers())
	c.mu.Unlock()

	c.dispatch(phase.Event{Type: phase.EventInitDone})
}

func (c *Controller) startTimers() {
	if c.cfg.AutoCallInterval > 0 {
		c.coord.Register(TimerAutoCall, c.cfg.AutoCallInterval, func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AutoCallInterval)
			defer cancel()
			if _, _, ok := c.dispatch(phase.Event{Type: phase.EventCallNumber}); ok {
				c.performCall(ctx)
			}
		})
	}
	if c.cfg.GameDuration > 0 {
		c.coord.Register(TimerCountdown, time.Second, c.countdownTick)
	}
	if c.cfg.HeartbeatInterval > 0 {
		c.coord.Register(TimerHeartbeat, c.cfg.HeartbeatInterval, c.heartbeat)
	}
}

func (c *Controller) countdownTick() {
	c.mu.Lock()
	c.remaining -= time.Second
	left := c.remaining
	c.mu.Unlock()

	if left <= 0 {
		c.dispatch(phase.Event{Type: phase.EventTimeUp})
		return
	}
	c.dispatch(phase.Event{Type: phase.EventTimeTick, TimeRemaining: left})
}

func (c *Controller) heartbeat() {
	if !c.store.Online() {
		log.Warn().Str("game_id", c.currentGameID()).Msg("store offline during heartbeat")
		return
	}
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.ValidateGameState(ctx); err != nil && errors.Is(err, store.ErrNoNumbersRemaining) {
		c.dispatch(phase.Event{Type: phase.EventAllNumbersCalled})
	}
}

// performCall runs the draw and feeds the outcome back into the machine.
func (c *Controller) performCall(ctx context.Context) engine.CallResult {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		res := engine.CallResult{Success: false, Err: errors.New("engine not initialized")}
		c.dispatch(phase.Event{Type: phase.EventCallFailed, Err: res.Err.Error()})
		return res
	}

	res := eng.CallNextNumber(ctx)
	if res.Success {
		c.mu.Lock()
		if n := len(eng.CalledNumbers()); n > c.seenCalled {
			c.seenCalled = n
		}
		c.mu.Unlock()
		c.dispatch(phase.Event{Type: phase.EventNumberCalled, Number: res.Number, SequenceID: res.SequenceID})
		if res.SequenceID >= store.MaxNumber {
			c.dispatch(phase.Event{Type: phase.EventAllNumbersCalled})
		}
		return res
	}

	if errors.Is(res.Err, store.ErrNoNumbersRemaining) {
		c.dispatch(phase.Event{Type: phase.EventAllNumbersCalled})
		return res
	}
	c.dispatch(phase.Event{Type: phase.EventCallFailed, Err: res.Err.Error()})
	return res
}

// finalize marks the shared record finished; the outcome comes back as an
// async-step event.
func (c *Controller) finalize() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gameID := c.currentGameID()
	_, err := c.store.UpdateGame(ctx, gameID, func(cur *store.GameRecord) (*store.GameRecord, error) {
		if cur == nil {
			return nil, store.ErrGameNotFound
		}
		next := cur.Clone()
		next.GameOver = true
		next.IsActive = false
		return next, nil
	})
	if err != nil {
		c.dispatch(phase.Event{Type: phase.EventFinalizeFailed, Err: err.Error()})
		return
	}
	c.dispatch(phase.Event{Type: phase.EventFinalizeDone})
}

// stopAll computes final results, publishes them, and stops every
// subsystem. Safe to run for both the ending path and a direct
// running -> game_over transition.
func (c *Controller) stopAll(pctx phase.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gameID := pctx.GameID
	if gameID == "" {
		gameID = c.currentGameID()
	}
	if gameID != "" {
		// Idempotent: the ending path already wrote GameOver.
		_, err := c.store.UpdateGame(ctx, gameID, func(cur *store.GameRecord) (*store.GameRecord, error) {
			if cur == nil || cur.GameOver {
				return cur, nil
			}
			next := cur.Clone()
			next.GameOver = true
			next.IsActive = false
			return next, nil
		})
		if err != nil {
			log.Warn().Err(err).Str("game_id", gameID).Msg("final record update failed")
		}
	}

	c.publish(events.TypeGameOver, events.GameOverPayload{
		CalledNumbers: pctx.CalledNumbers,
		PrizesWon:     pctx.PrizesWon,
		EndedAt:       c.clock.Now(),
	})

	c.coord.Cleanup()
	c.mu.Lock()
	stop := c.stopWatch
	c.stopWatch = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if gameID != "" {
		c.sessions.Clear(gameID)
	}
	log.Info().Str("game_id", gameID).Int("called", len(pctx.CalledNumbers)).Msg("game over")
}

// onRemoteChange reconciles remote commits into this device's view. The
// local caches may lag the shared record but must never lead it.
func (c *Controller) onRemoteChange(rec *store.GameRecord) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	seen := c.seenCalled
	if len(rec.CalledNumbers) > c.seenCalled {
		c.seenCalled = len(rec.CalledNumbers)
	}
	c.mu.Unlock()

	if len(rec.CalledNumbers) > seen {
		log.Debug().
			Str("game_id", rec.GameID).
			Int("remote_called", len(rec.CalledNumbers)).
			Int("seen", seen).
			Msg("remote writer advanced the call sequence")
	}
	if rec.GameOver && !c.machine.State().Terminal() {
		c.dispatch(phase.Event{Type: phase.EventAllNumbersCalled})
	}
}

func (c *Controller) currentGameID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameID
}

func (c *Controller) publish(t events.Type, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.publisher.Publish(ctx, c.currentGameID(), t, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(t)).Msg("event publish failed")
	}
}
