// Package phase is the game's finite-state machine. Transition is a pure
// function from (state, context, event) to (state, context, effects);
// effects are returned as data and executed by the caller, so the
// transition logic is deterministic and testable without timers or I/O.
package phase

import (
	"sync"
	"time"
)

// State is one phase of a game session.
type State string

const (
	StateIdle            State = "idle"
	StateInitializing    State = "initializing"
	StateWaitingForAudio State = "waiting_for_audio"
	StateRunningActive   State = "running.active"
	StateRunningCalling  State = "running.calling_number"
	StatePaused          State = "paused"
	StateEnding          State = "ending"
	StateGameOver        State = "game_over"
	StateError           State = "error"
)

// Running reports whether the state is inside the running compound state.
func (s State) Running() bool {
	return s == StateRunningActive || s == StateRunningCalling
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateGameOver }

// EventType enumerates machine inputs. The *Done/*Failed pairs report the
// outcomes of asynchronous steps started by effects.
type EventType string

const (
	EventStartGame        EventType = "START_GAME"
	EventInitDone         EventType = "INIT_DONE"
	EventInitFailed       EventType = "INIT_FAILED"
	EventAudioReady       EventType = "AUDIO_READY"
	EventCallNumber       EventType = "CALL_NUMBER"
	EventNumberCalled     EventType = "NUMBER_CALLED"
	EventCallFailed       EventType = "CALL_FAILED"
	EventAudioComplete    EventType = "AUDIO_COMPLETE"
	EventPrizeWon         EventType = "PRIZE_WON"
	EventPauseGame        EventType = "PAUSE_GAME"
	EventResumeGame       EventType = "RESUME_GAME"
	EventTimeTick         EventType = "TIME_TICK"
	EventTimeUp           EventType = "TIME_UP"
	EventAllNumbersCalled EventType = "ALL_NUMBERS_CALLED"
	EventEndGame          EventType = "END_GAME"
	EventFinalizeDone     EventType = "FINALIZE_DONE"
	EventFinalizeFailed   EventType = "FINALIZE_FAILED"
	EventError            EventType = "ERROR"
	EventRetry            EventType = "RETRY"
	EventReset            EventType = "RESET"
)

// Event carries an input and its payload fields; unused fields stay zero.
type Event struct {
	Type          EventType
	GameID        string
	Number        int
	SequenceID    int
	PrizeID       string
	TimeRemaining time.Duration
	Err           string
}

// EffectType enumerates side effects a transition requests.
type EffectType string

const (
	// EffectInitGame starts async resource init; its outcome comes back as
	// INIT_DONE or INIT_FAILED.
	EffectInitGame EffectType = "init_game"
	// EffectStartTimers enables this game's timers and number calling.
	EffectStartTimers EffectType = "start_timers"
	// EffectPauseTimers pauses timers without unregistering them, so
	// resume is instant.
	EffectPauseTimers EffectType = "pause_timers"
	// EffectResumeTimers resumes the registered timers.
	EffectResumeTimers EffectType = "resume_timers"
	// EffectCallNumber invokes the draw engine; its outcome comes back as
	// NUMBER_CALLED or CALL_FAILED.
	EffectCallNumber EffectType = "call_number"
	// EffectAnnounceNumber publishes the freshly drawn number.
	EffectAnnounceNumber EffectType = "announce_number"
	// EffectAnnouncePrize publishes a recorded prize.
	EffectAnnouncePrize EffectType = "announce_prize"
	// EffectFinalizeGame starts async finalization; outcome comes back as
	// FINALIZE_DONE or FINALIZE_FAILED.
	EffectFinalizeGame EffectType = "finalize_game"
	// EffectStopAll computes final results and stops every subsystem.
	EffectStopAll EffectType = "stop_all"
	// EffectRecordError exposes the error for observation by callers.
	EffectRecordError EffectType = "record_error"
)

// Effect is one requested side effect.
type Effect struct {
	Type       EffectType
	Number     int
	SequenceID int
	PrizeID    string
	Err        string
}

// Context is the machine-owned game view. It is mutated only by
// transitions and read-only to callers.
type Context struct {
	GameID        string
	CalledNumbers []int
	CurrentNumber *int
	TimeRemaining time.Duration
	PrizesWon     []string
	Err           string
	IsPaused      bool
	IsAudioReady  bool
}

func (c Context) clone() Context {
	out := c
	out.CalledNumbers = append([]int(nil), c.CalledNumbers...)
	out.PrizesWon = append([]string(nil), c.PrizesWon...)
	if c.CurrentNumber != nil {
		n := *c.CurrentNumber
		out.CurrentNumber = &n
	}
	return out
}

// CanCallNumber is the CALL_NUMBER guard.
func (c Context) CanCallNumber() bool {
	return len(c.CalledNumbers) < 90 && !c.IsPaused
}

// Transition applies ev to (state, ctx). It returns the next state, the
// next context, the effects to execute, and whether the event was
// accepted; a rejected event leaves state and context untouched.
func Transition(state State, ctx Context, ev Event) (State, Context, []Effect, bool) {
	next := ctx.clone()

	switch state {
	case StateIdle:
		if ev.Type == EventStartGame {
			next = Context{GameID: ev.GameID}
			return StateInitializing, next, []Effect{{Type: EffectInitGame}}, true
		}

	case StateInitializing:
		switch ev.Type {
		case EventInitDone:
			return StateWaitingForAudio, next, nil, true
		case EventInitFailed, EventError:
			return toError(next, ev)
		}

	case StateWaitingForAudio:
		switch ev.Type {
		case EventAudioReady:
			next.IsAudioReady = true
			return StateRunningActive, next, []Effect{{Type: EffectStartTimers}}, true
		case EventError:
			return toError(next, ev)
		}

	case StateRunningActive:
		switch ev.Type {
		case EventCallNumber:
			if !next.CanCallNumber() {
				return state, ctx, nil, false
			}
			return StateRunningCalling, next, []Effect{{Type: EffectCallNumber}}, true
		default:
			if s, c, fx, ok := runningCommon(state, next, ev); ok {
				return s, c, fx, true
			}
		}

	case StateRunningCalling:
		switch ev.Type {
		case EventNumberCalled:
			n := ev.Number
			next.CurrentNumber = &n
			next.CalledNumbers = append(next.CalledNumbers, n)
			return state, next, []Effect{{Type: EffectAnnounceNumber, Number: n, SequenceID: ev.SequenceID}}, true
		case EventCallFailed:
			return toError(next, ev)
		case EventAudioComplete:
			next.CurrentNumber = nil
			return StateRunningActive, next, nil, true
		default:
			if s, c, fx, ok := runningCommon(state, next, ev); ok {
				return s, c, fx, true
			}
		}

	case StatePaused:
		switch ev.Type {
		case EventResumeGame:
			next.IsPaused = false
			return StateRunningActive, next, []Effect{{Type: EffectResumeTimers}}, true
		case EventEndGame:
			return StateEnding, next, []Effect{{Type: EffectFinalizeGame}}, true
		case EventError:
			return toError(next, ev)
		}

	case StateEnding:
		switch ev.Type {
		case EventFinalizeDone:
			return StateGameOver, next, []Effect{{Type: EffectStopAll}}, true
		case EventFinalizeFailed, EventError:
			return toError(next, ev)
		}

	case StateGameOver:
		// Terminal; everything is rejected.

	case StateError:
		switch ev.Type {
		case EventRetry:
			next.Err = ""
			if next.GameID != "" {
				return StateInitializing, next, []Effect{{Type: EffectInitGame}}, true
			}
			return StateIdle, next, nil, true
		case EventReset:
			return StateIdle, Context{}, nil, true
		}
	}

	return state, ctx, nil, false
}

// runningCommon handles the events shared by both running substates.
func runningCommon(state State, next Context, ev Event) (State, Context, []Effect, bool) {
	switch ev.Type {
	case EventPrizeWon:
		// Recorded without a state change.
		next.PrizesWon = append(next.PrizesWon, ev.PrizeID)
		return state, next, []Effect{{Type: EffectAnnouncePrize, PrizeID: ev.PrizeID}}, true
	case EventTimeTick:
		next.TimeRemaining = ev.TimeRemaining
		return state, next, nil, true
	case EventPauseGame:
		next.IsPaused = true
		return StatePaused, next, []Effect{{Type: EffectPauseTimers}}, true
	case EventTimeUp, EventAllNumbersCalled:
		return StateGameOver, next, []Effect{{Type: EffectStopAll}}, true
	case EventEndGame:
		return StateEnding, next, []Effect{{Type: EffectFinalizeGame}}, true
	case EventError:
		s, c, fx, _ := toError(next, ev)
		return s, c, fx, true
	}
	return state, next, nil, false
}

func toError(next Context, ev Event) (State, Context, []Effect, bool) {
	next.Err = ev.Err
	if next.Err == "" {
		next.Err = string(ev.Type)
	}
	return StateError, next, []Effect{{Type: EffectRecordError, Err: next.Err}}, true
}

// Machine serializes Dispatch over the pure Transition.
type Machine struct {
	mu    sync.Mutex
	state State
	ctx   Context
}

// NewMachine starts in idle with an empty context.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// Dispatch applies ev and returns the resulting state, context snapshot,
// effects, and acceptance.
func (m *Machine) Dispatch(ev Event) (State, Context, []Effect, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ctx, effects, ok := Transition(m.state, m.ctx, ev)
	if ok {
		m.state = state
		m.ctx = ctx
	}
	return state, ctx.clone(), effects, ok
}

// State returns the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a snapshot of the machine-owned context.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.clone()
}
