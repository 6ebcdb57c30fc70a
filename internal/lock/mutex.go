// Package lock implements a distributed mutex over the shared record
// store: named, TTL-bounded leases with monotonic fencing tokens, acquired
// and released through single compare-and-swap transactions. Everything in
// the subsystem that mutates the shared game record serializes on it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/yss1235-why/tambola-sound-blitz/internal/retry"
	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
)

// Lease is a held claim on a lock name. The fencing token orders holders;
// the lease ID identifies this particular acquisition for release/renew.
type Lease struct {
	LockName     string
	HolderID     string
	LeaseID      string
	FencingToken int64
	AcquiredAt   time.Time
	TTL          time.Duration
}

// Options bound a WithLock call.
type Options struct {
	// Timeout is the wall-clock budget for acquisition, connectivity wait
	// included.
	Timeout time.Duration
	// LockTTL is the lease duration; a crashed holder is recoverable after
	// it elapses.
	LockTTL time.Duration
	// Retry drives acquisition attempts. Zero value falls back to defaults.
	Retry retry.Policy
}

// DefaultOptions matches the number-draw lock budget.
func DefaultOptions() Options {
	return Options{
		Timeout: 10 * time.Second,
		LockTTL: 30 * time.Second,
		Retry: retry.Policy{
			MaxAttempts:   10,
			BaseDelay:     100 * time.Millisecond,
			BackoffFactor: 1.5,
			MaxDelay:      2 * time.Second,
		},
	}
}

type leaseStore interface {
	store.LockStore
	store.Connectivity
}

// Mutex acquires leases on behalf of one holder identity (one device).
type Mutex struct {
	store    leaseStore
	clock    clockwork.Clock
	holderID string
}

// New creates a mutex for the given holder. An empty holderID gets a
// generated one.
func New(s leaseStore, clock clockwork.Clock, holderID string) *Mutex {
	if holderID == "" {
		holderID = "holder-" + uuid.NewString()[:8]
	}
	return &Mutex{store: s, clock: clock, holderID: holderID}
}

// HolderID returns the identity leases are acquired under.
func (m *Mutex) HolderID() string { return m.holderID }

// Acquire claims lockName for ttl. It succeeds only when no live lease
// exists; an expired lease is treated as absent so a crashed holder's lock
// is recoverable. Any live lease conflicts, the holder's own included, so
// concurrent critical sections under one identity still exclude each
// other. Extending a held lease is Renew's job.
func (m *Mutex) Acquire(ctx context.Context, lockName string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %q: ttl must be positive", lockName)
	}
	now := m.clock.Now()
	leaseID := uuid.NewString()

	committed, rec, err := m.store.UpdateLease(ctx, lockName, func(cur *store.LeaseRecord) (*store.LeaseRecord, error) {
		var token int64 = 1
		if cur != nil {
			if cur.Live(now) {
				return nil, fmt.Errorf("%w: owner=%s until=%s", store.ErrLockConflict, cur.Owner, cur.ExpiresAt().Format(time.RFC3339))
			}
			token = cur.FencingToken + 1
		}
		return &store.LeaseRecord{
			LockName:     lockName,
			Owner:        m.holderID,
			LeaseID:      leaseID,
			FencingToken: token,
			AcquiredAt:   now,
			TTL:          ttl,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if !committed || rec == nil {
		return nil, store.ErrLockConflict
	}

	log.Debug().
		Str("lock", lockName).
		Str("holder", m.holderID).
		Int64("token", rec.FencingToken).
		Dur("ttl", ttl).
		Msg("lease acquired")

	return &Lease{
		LockName:     lockName,
		HolderID:     m.holderID,
		LeaseID:      rec.LeaseID,
		FencingToken: rec.FencingToken,
		AcquiredAt:   rec.AcquiredAt,
		TTL:          rec.TTL,
	}, nil
}

// Release clears the lease. It is a no-op when the stored lease no longer
// matches, so a late release from a stale holder cannot clobber a newer
// owner's lease.
func (m *Mutex) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	_, _, err := m.store.UpdateLease(ctx, lease.LockName, func(cur *store.LeaseRecord) (*store.LeaseRecord, error) {
		if cur == nil || cur.LeaseID != lease.LeaseID || cur.FencingToken != lease.FencingToken {
			log.Debug().
				Str("lock", lease.LockName).
				Str("holder", m.holderID).
				Msg("stale release ignored")
			return cur, nil
		}
		return nil, nil
	})
	return err
}

// Renew extends a held lease by extendBy from now. It fails with
// store.ErrLockConflict when the lease is no longer current.
func (m *Mutex) Renew(ctx context.Context, lease *Lease, extendBy time.Duration) error {
	if lease == nil {
		return errors.New("renew: nil lease")
	}
	now := m.clock.Now()
	_, rec, err := m.store.UpdateLease(ctx, lease.LockName, func(cur *store.LeaseRecord) (*store.LeaseRecord, error) {
		if cur == nil || cur.LeaseID != lease.LeaseID || cur.FencingToken != lease.FencingToken || !cur.Live(now) {
			return nil, store.ErrLockConflict
		}
		next := *cur
		next.AcquiredAt = now
		next.TTL = extendBy
		return &next, nil
	})
	if err != nil {
		return err
	}
	lease.AcquiredAt = rec.AcquiredAt
	lease.TTL = rec.TTL
	return nil
}

// WithLock runs fn while holding lockName. Before each acquisition attempt
// it verifies connectivity and waits (bounded by the remaining budget) for
// reconnection instead of attempting a doomed transaction. Exhaustion of
// the budget yields store.ErrLockTimeout.
func (m *Mutex) WithLock(ctx context.Context, lockName string, opts Options, fn func(ctx context.Context) error) error {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultOptions().LockTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultOptions().Retry
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var lease *Lease
	policy := opts.Retry
	policy.Retryable = func(err error) bool {
		return errors.Is(err, store.ErrLockConflict) || errors.Is(err, store.ErrNetworkUnavailable)
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error) {
			log.Debug().Str("lock", lockName).Int("attempt", attempt).Err(err).Msg("lock acquisition retry")
		}
	}

	err := policy.Do(ctx, m.clock, func() error {
		if !m.store.Online() {
			if err := m.store.AwaitOnline(ctx); err != nil {
				return store.ErrNetworkUnavailable
			}
		}
		l, err := m.Acquire(ctx, lockName, opts.LockTTL)
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, store.ErrLockConflict) || errors.Is(err, store.ErrNetworkUnavailable) {
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, lockName)
		}
		return err
	}

	defer func() {
		// Release on a background context so a canceled caller still frees
		// the lease promptly instead of waiting out the TTL.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := m.Release(releaseCtx, lease); err != nil {
			log.Warn().Err(err).Str("lock", lockName).Msg("lease release failed; TTL will recover it")
		}
	}()

	return fn(ctx)
}
