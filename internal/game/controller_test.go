package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/yss1235-why/tambola-sound-blitz/internal/engine"
	"github.com/yss1235-why/tambola-sound-blitz/internal/events"
	"github.com/yss1235-why/tambola-sound-blitz/internal/lock"
	"github.com/yss1235-why/tambola-sound-blitz/internal/phase"
	"github.com/yss1235-why/tambola-sound-blitz/internal/retry"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store/memstore"
)

func testConfig() Config {
	return Config{
		AutoCallInterval:  0, // manual calls only
		HeartbeatInterval: 0,
		Tick:              5 * time.Millisecond,
		Engine: engine.Config{
			Lock: lock.Options{
				Timeout: 2 * time.Second,
				LockTTL: time.Second,
				Retry: retry.Policy{
					MaxAttempts:   20,
					BaseDelay:     5 * time.Millisecond,
					BackoffFactor: 1.5,
					MaxDelay:      50 * time.Millisecond,
				},
			},
			Draw: retry.Policy{
				MaxAttempts:   5,
				BaseDelay:     5 * time.Millisecond,
				BackoffFactor: 2,
				MaxDelay:      50 * time.Millisecond,
			},
			Source: engine.CryptoSource{},
		},
	}
}

// capturePublisher records every published event type.
type capturePublisher struct {
	mu    sync.Mutex
	types []events.Type
}

func (p *capturePublisher) Publish(ctx context.Context, gameID string, eventType events.Type, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return nil
}

func (p *capturePublisher) seen(t events.Type) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.types {
		if got == t {
			return true
		}
	}
	return false
}

func waitForState(t *testing.T, c *Controller, want phase.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if c.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", c.State(), want)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func startRunning(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.StartGame(context.Background(), "g1"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}
	waitForState(t, c, phase.StateWaitingForAudio)
	c.AudioReady()
	waitForState(t, c, phase.StateRunningActive)
}

func TestStartGameReachesRunning(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	pub := &capturePublisher{}
	c := New(s, pub, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	startRunning(t, c)

	if !pub.seen(events.TypeGameStarted) {
		t.Error("GameStarted never published")
	}

	// Init created and activated the shared record.
	rec, err := s.GetGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if !rec.IsActive {
		t.Error("record not activated by init")
	}
}

func TestStartGameRejectedWhileRunning(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	c := New(s, events.LogPublisher{}, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	startRunning(t, c)
	if err := c.StartGame(context.Background(), "g2"); err == nil {
		t.Fatal("second StartGame accepted while running")
	}
}

func TestCallNumberUpdatesMachineContext(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	pub := &capturePublisher{}
	c := New(s, pub, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	startRunning(t, c)

	res := c.CallNumber(context.Background())
	if !res.Success {
		t.Fatalf("CallNumber: %v", res.Err)
	}

	_, pctx := c.Snapshot()
	if len(pctx.CalledNumbers) != 1 || pctx.CalledNumbers[0] != res.Number {
		t.Errorf("machine CalledNumbers = %v, want [%d]", pctx.CalledNumbers, res.Number)
	}
	if pctx.CurrentNumber == nil || *pctx.CurrentNumber != res.Number {
		t.Errorf("machine CurrentNumber = %v", pctx.CurrentNumber)
	}
	if !pub.seen(events.TypeNumberCalled) {
		t.Error("NumberCalled never published")
	}

	// The machine sits in calling_number until the announcement finishes.
	if st := c.State(); st != phase.StateRunningCalling {
		t.Errorf("state = %s, want %s", st, phase.StateRunningCalling)
	}
	c.AudioComplete()
	if st := c.State(); st != phase.StateRunningActive {
		t.Errorf("state after AudioComplete = %s", st)
	}
}

func TestPauseBlocksCallsAndResumeRestores(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	pub := &capturePublisher{}
	c := New(s, pub, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	startRunning(t, c)

	if err := c.PauseGame(context.Background()); err != nil {
		t.Fatalf("PauseGame: %v", err)
	}
	if st := c.State(); st != phase.StatePaused {
		t.Fatalf("state = %s", st)
	}
	if !pub.seen(events.TypeGamePaused) {
		t.Error("GamePaused never published")
	}

	if res := c.CallNumber(context.Background()); res.Success {
		t.Error("CallNumber succeeded while paused")
	}

	if err := c.ResumeGame(context.Background()); err != nil {
		t.Fatalf("ResumeGame: %v", err)
	}
	waitForState(t, c, phase.StateRunningActive)
	if !pub.seen(events.TypeGameResumed) {
		t.Error("GameResumed never published")
	}
	if res := c.CallNumber(context.Background()); !res.Success {
		t.Errorf("CallNumber after resume: %v", res.Err)
	}
}

func TestEndGameFinalizesRecord(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	pub := &capturePublisher{}
	c := New(s, pub, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	startRunning(t, c)
	if res := c.CallNumber(context.Background()); !res.Success {
		t.Fatalf("CallNumber: %v", res.Err)
	}

	if err := c.EndGame(context.Background()); err != nil {
		t.Fatalf("EndGame: %v", err)
	}
	waitForState(t, c, phase.StateGameOver)

	rec, err := s.GetGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if !rec.GameOver || rec.IsActive {
		t.Errorf("record not finalized: %+v", rec)
	}
	if !pub.seen(events.TypeGameOver) {
		t.Error("GameOver never published")
	}

	// Terminal: nothing restarts the session.
	if err := c.StartGame(context.Background(), "g1"); err == nil {
		t.Error("StartGame accepted after game over")
	}
}

func TestPrizeRecordedAndAnnounced(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	pub := &capturePublisher{}
	c := New(s, pub, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	startRunning(t, c)
	c.RecordPrize("top_line")

	_, pctx := c.Snapshot()
	if len(pctx.PrizesWon) != 1 || pctx.PrizesWon[0] != "top_line" {
		t.Errorf("PrizesWon = %v", pctx.PrizesWon)
	}
	if st := c.State(); st != phase.StateRunningActive {
		t.Errorf("prize changed state to %s", st)
	}
	if !pub.seen(events.TypePrizeWon) {
		t.Error("PrizeWon never published")
	}
}

func TestStartOnFinishedGameEntersErrorAndRetryRecovers(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	s.SeedGame(&store.GameRecord{GameID: "g1", GameOver: true})
	c := New(s, events.LogPublisher{}, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	if err := c.StartGame(context.Background(), "g1"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}
	waitForState(t, c, phase.StateError)

	_, pctx := c.Snapshot()
	if pctx.Err == "" {
		t.Error("error phase with empty error context")
	}

	// Reset returns to a clean idle; a fresh game can start.
	c.Reset()
	if st := c.State(); st != phase.StateIdle {
		t.Fatalf("state after Reset = %s", st)
	}
	if err := c.StartGame(context.Background(), "g2"); err != nil {
		t.Fatalf("StartGame after reset: %v", err)
	}
	waitForState(t, c, phase.StateWaitingForAudio)
}

func TestAutoCallTimerDrawsNumbers(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	cfg := testConfig()
	cfg.AutoCallInterval = 30 * time.Millisecond
	c := New(s, events.LogPublisher{}, clockwork.NewRealClock(), "device-1", cfg)
	defer c.Close()

	startRunning(t, c)
	// Each autocall parks the machine in calling_number until the
	// announcement completes, so ack audio in the background.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				c.AudioComplete()
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		rec, err := s.GetGame(context.Background(), "g1")
		if err != nil {
			t.Fatalf("GetGame: %v", err)
		}
		if len(rec.CalledNumbers) >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("autocall drew %d numbers, want >= 2", len(rec.CalledNumbers))
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestRemoteGameOverEndsLocalSession(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	c := New(s, events.LogPublisher{}, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	startRunning(t, c)

	// Another device finishes the game through the shared record.
	if _, err := s.UpdateGame(context.Background(), "g1", func(cur *store.GameRecord) (*store.GameRecord, error) {
		next := cur.Clone()
		next.GameOver = true
		next.IsActive = false
		return next, nil
	}); err != nil {
		t.Fatalf("remote finish: %v", err)
	}

	waitForState(t, c, phase.StateGameOver)
}

func TestCountdownTimeUpEndsGame(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	cfg := testConfig()
	cfg.GameDuration = 2 * time.Second
	c := New(s, events.LogPublisher{}, clockwork.NewRealClock(), "device-1", cfg)
	defer c.Close()

	startRunning(t, c)
	waitForState(t, c, phase.StateGameOver)

	rec, err := s.GetGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if !rec.GameOver {
		t.Error("record not marked over after time up")
	}
}

func TestListenerObservesTransitions(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	c := New(s, events.LogPublisher{}, clockwork.NewRealClock(), "device-1", testConfig())
	defer c.Close()

	var mu sync.Mutex
	var states []phase.State
	c.Subscribe(func(st phase.State, _ phase.Context) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	startRunning(t, c)

	mu.Lock()
	defer mu.Unlock()
	want := map[phase.State]bool{
		phase.StateInitializing:    false,
		phase.StateWaitingForAudio: false,
		phase.StateRunningActive:   false,
	}
	for _, st := range states {
		if _, ok := want[st]; ok {
			want[st] = true
		}
	}
	for st, seen := range want {
		if !seen {
			t.Errorf("listener never saw %s", st)
		}
	}
}

func TestCallFailureFeedsErrorPhase(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	cfg := testConfig()
	c := New(s, events.LogPublisher{}, clockwork.NewRealClock(), "device-1", cfg)
	defer c.Close()

	startRunning(t, c)

	// Yank connectivity so the draw exhausts its retries.
	s.SetOnline(false)
	res := c.CallNumber(context.Background())
	if res.Success {
		t.Fatal("CallNumber succeeded while offline")
	}
	if !errors.Is(res.Err, store.ErrLockTimeout) && !errors.Is(res.Err, store.ErrNetworkUnavailable) {
		t.Errorf("err = %v", res.Err)
	}
	waitForState(t, c, phase.StateError)
}
