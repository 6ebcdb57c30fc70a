package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/yss1235-why/tambola-sound-blitz/internal/retry"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store/memstore"
)

func newMutex(t *testing.T, holderID string) (*Mutex, *memstore.Store) {
	t.Helper()
	s := memstore.New(clockwork.NewRealClock())
	return New(s, clockwork.NewRealClock(), holderID), s
}

func fastOptions() Options {
	return Options{
		Timeout: 2 * time.Second,
		LockTTL: time.Second,
		Retry: retry.Policy{
			MaxAttempts:   20,
			BaseDelay:     5 * time.Millisecond,
			BackoffFactor: 1.5,
			MaxDelay:      50 * time.Millisecond,
		},
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m, _ := newMutex(t, "h1")
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "game/g1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.FencingToken != 1 {
		t.Errorf("first token = %d, want 1", lease.FencingToken)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Re-acquire gets a strictly higher token.
	lease2, err := m.Acquire(ctx, "game/g1", time.Minute)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if lease2.FencingToken <= lease.FencingToken {
		t.Errorf("token did not advance: %d then %d", lease.FencingToken, lease2.FencingToken)
	}
}

func TestAcquireConflictWhileHeld(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	clock := clockwork.NewRealClock()
	m1 := New(s, clock, "h1")
	m2 := New(s, clock, "h2")
	ctx := context.Background()

	if _, err := m1.Acquire(ctx, "game/g1", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m2.Acquire(ctx, "game/g1", time.Minute); !errors.Is(err, store.ErrLockConflict) {
		t.Fatalf("err = %v, want ErrLockConflict", err)
	}

	// The holder itself cannot double-acquire while its lease is live;
	// extension goes through Renew.
	if _, err := m1.Acquire(ctx, "game/g1", time.Minute); !errors.Is(err, store.ErrLockConflict) {
		t.Fatalf("same-holder err = %v, want ErrLockConflict", err)
	}
}

func TestStaleLockRecoveryAfterTTL(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	clock := clockwork.NewRealClock()
	m1 := New(s, clock, "crashed")
	m2 := New(s, clock, "survivor")
	ctx := context.Background()

	lease1, err := m1.Acquire(ctx, "game/g1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// The first holder never releases. After the TTL the lock is free.
	time.Sleep(80 * time.Millisecond)

	lease2, err := m2.Acquire(ctx, "game/g1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if lease2.FencingToken <= lease1.FencingToken {
		t.Errorf("recovered token %d not above stale token %d", lease2.FencingToken, lease1.FencingToken)
	}

	// The crashed holder's late release must not clobber the new lease.
	if err := m1.Release(ctx, lease1); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	rec, err := s.GetLease(ctx, "game/g1")
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	if rec == nil || rec.Owner != "survivor" {
		t.Errorf("stale release clobbered the live lease: %+v", rec)
	}
}

func TestRenewExtendsOnlyCurrentLease(t *testing.T) {
	m, _ := newMutex(t, "h1")
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "game/g1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Renew(ctx, lease, time.Minute); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if lease.TTL != time.Minute {
		t.Errorf("TTL = %v after renew", lease.TTL)
	}

	// A lease from a previous acquisition cannot renew.
	stale := *lease
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := m.Acquire(ctx, "game/g1", time.Minute); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if err := m.Renew(ctx, &stale, time.Minute); !errors.Is(err, store.ErrLockConflict) {
		t.Fatalf("stale renew err = %v, want ErrLockConflict", err)
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var entries atomic.Int32

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m := New(s, clock, "")
			err := m.WithLock(ctx, "game/g1", fastOptions(), func(ctx context.Context) error {
				cur := inside.Add(1)
				if cur > maxInside.Load() {
					maxInside.Store(cur)
				}
				entries.Add(1)
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	if got := entries.Load(); got != workers {
		t.Errorf("entries = %d, want %d", got, workers)
	}
}

func TestWithLockSameHolderSerializes(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	m := New(s, clockwork.NewRealClock(), "h1")
	ctx := context.Background()

	var inside atomic.Int32
	var overlapped atomic.Bool
	var entries atomic.Int32

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := m.WithLock(ctx, "game/g1", fastOptions(), func(ctx context.Context) error {
				if inside.Add(1) > 1 {
					overlapped.Store(true)
				}
				entries.Add(1)
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("critical sections overlapped under a single holder identity")
	}
	if got := entries.Load(); got != workers {
		t.Errorf("entries = %d, want %d", got, workers)
	}
}

func TestWithLockTimesOutAgainstLiveHolder(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	clock := clockwork.NewRealClock()
	holder := New(s, clock, "holder")
	waiter := New(s, clock, "waiter")
	ctx := context.Background()

	if _, err := holder.Acquire(ctx, "game/g1", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	opts := fastOptions()
	opts.Timeout = 200 * time.Millisecond
	err := waiter.WithLock(ctx, "game/g1", opts, func(ctx context.Context) error {
		t.Error("critical section ran despite a live holder")
		return nil
	})
	if !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestWithLockWaitsForReconnect(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	m := New(s, clockwork.NewRealClock(), "h1")
	ctx := context.Background()

	s.SetOnline(false)
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.SetOnline(true)
	}()

	ran := false
	err := m.WithLock(ctx, "game/g1", fastOptions(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Error("critical section never ran after reconnect")
	}
}

func TestWithLockOfflineTimeout(t *testing.T) {
	s := memstore.New(clockwork.NewRealClock())
	m := New(s, clockwork.NewRealClock(), "h1")

	s.SetOnline(false)
	opts := fastOptions()
	opts.Timeout = 100 * time.Millisecond
	err := m.WithLock(context.Background(), "game/g1", opts, func(ctx context.Context) error {
		t.Error("critical section ran while offline")
		return nil
	})
	if !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestWithLockPropagatesCallbackError(t *testing.T) {
	m, _ := newMutex(t, "h1")
	boom := errors.New("callback failed")
	err := m.WithLock(context.Background(), "game/g1", fastOptions(), func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want callback error", err)
	}

	// The lease is released even though fn failed.
	if _, err := m.Acquire(context.Background(), "game/g1", time.Minute); err != nil {
		t.Fatalf("lock not released after callback error: %v", err)
	}
}
