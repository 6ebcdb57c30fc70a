// Package memstore is the in-process reference backend: revision-checked
// compare-and-swap updates, watcher fan-out, and a scriptable connectivity
// signal. It backs tests and single-host deployments.
package memstore

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
)

type gameSlot struct {
	rec      *store.GameRecord
	revision uint64
}

type leaseSlot struct {
	rec      *store.LeaseRecord
	revision uint64
}

// watcher delivers committed snapshots to one subscriber through a
// single drain goroutine, so deliveries arrive in commit order even when
// commits come fast.
type watcher struct {
	gameID string
	fn     func(*store.GameRecord)

	mu    sync.Mutex
	queue []*store.GameRecord
	wake  chan struct{}
	done  chan struct{}
	stop  sync.Once
}

func newWatcher(gameID string, fn func(*store.GameRecord)) *watcher {
	return &watcher{
		gameID: gameID,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// enqueue is called under the store lock; queue order is commit order.
func (w *watcher) enqueue(rec *store.GameRecord) {
	w.mu.Lock()
	w.queue = append(w.queue, rec)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
			for {
				w.mu.Lock()
				if len(w.queue) == 0 {
					w.mu.Unlock()
					break
				}
				rec := w.queue[0]
				w.queue = w.queue[1:]
				w.mu.Unlock()
				w.fn(rec)
			}
		}
	}
}

func (w *watcher) close() {
	w.stop.Do(func() { close(w.done) })
}

// Store implements store.Store in memory.
type Store struct {
	clock clockwork.Clock

	mu       sync.Mutex
	games    map[string]*gameSlot
	leases   map[string]*leaseSlot
	watchers map[int]*watcher
	nextID   int

	online   bool
	onlineCh chan struct{} // closed while offline, recreated on reconnect
}

// New returns an empty online store using the given clock.
func New(clock clockwork.Clock) *Store {
	return &Store{
		clock:    clock,
		games:    make(map[string]*gameSlot),
		leases:   make(map[string]*leaseSlot),
		watchers: make(map[int]*watcher),
		online:   true,
	}
}

// SetOnline toggles the connectivity signal. Going online releases any
// AwaitOnline waiters.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	if online && s.onlineCh != nil {
		close(s.onlineCh)
		s.onlineCh = nil
	}
}

func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Store) AwaitOnline(ctx context.Context) error {
	s.mu.Lock()
	if s.online {
		s.mu.Unlock()
		return nil
	}
	if s.onlineCh == nil {
		s.onlineCh = make(chan struct{})
	}
	ch := s.onlineCh
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) GetGame(ctx context.Context, gameID string) (*store.GameRecord, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.games[gameID]
	if !ok || slot.rec == nil {
		return nil, store.ErrGameNotFound
	}
	return slot.rec.Clone(), nil
}

// UpdateGame runs fn optimistically: it reads a snapshot, applies fn outside
// the lock, then commits only if the revision is unchanged. On a revision
// race it re-reads and re-applies, mirroring the remote store's own retry.
func (s *Store) UpdateGame(ctx context.Context, gameID string, fn store.UpdateGameFunc) (store.TxnResult, error) {
	if err := s.checkOnline(); err != nil {
		return store.TxnResult{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return store.TxnResult{}, err
		}

		s.mu.Lock()
		slot := s.games[gameID]
		var cur *store.GameRecord
		var rev uint64
		if slot != nil {
			cur = slot.rec.Clone()
			rev = slot.revision
		}
		s.mu.Unlock()

		next, err := fn(cur)
		if err != nil {
			return store.TxnResult{Committed: false, Game: cur}, err
		}

		s.mu.Lock()
		slot = s.games[gameID]
		var curRev uint64
		if slot != nil {
			curRev = slot.revision
		}
		if curRev != rev {
			s.mu.Unlock()
			continue // lost the race, retry against a fresh read
		}
		if next == nil {
			delete(s.games, gameID)
			s.mu.Unlock()
			return store.TxnResult{Committed: true, Game: nil}, nil
		}
		next = next.Clone()
		next.UpdatedAt = s.clock.Now()
		s.games[gameID] = &gameSlot{rec: next, revision: rev + 1}
		snapshot := next.Clone()
		// Enqueue while still holding the lock so watchers observe
		// commits in order.
		for _, w := range s.watchers {
			if w.gameID == gameID {
				w.enqueue(snapshot.Clone())
			}
		}
		s.mu.Unlock()
		return store.TxnResult{Committed: true, Game: snapshot}, nil
	}
}

func (s *Store) WatchGame(ctx context.Context, gameID string, fn func(*store.GameRecord)) (func(), error) {
	w := newWatcher(gameID, fn)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = w
	s.mu.Unlock()
	go w.run()

	stop := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		w.close()
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func (s *Store) GetLease(ctx context.Context, lockName string) (*store.LeaseRecord, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.leases[lockName]
	if !ok || slot.rec == nil {
		return nil, nil
	}
	out := *slot.rec
	return &out, nil
}

func (s *Store) UpdateLease(ctx context.Context, lockName string, fn store.UpdateLeaseFunc) (bool, *store.LeaseRecord, error) {
	if err := s.checkOnline(); err != nil {
		return false, nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, nil, err
		}

		s.mu.Lock()
		slot := s.leases[lockName]
		var cur *store.LeaseRecord
		var rev uint64
		if slot != nil {
			if slot.rec != nil {
				c := *slot.rec
				cur = &c
			}
			rev = slot.revision
		}
		s.mu.Unlock()

		next, err := fn(cur)
		if err != nil {
			return false, cur, err
		}

		s.mu.Lock()
		slot = s.leases[lockName]
		var curRev uint64
		if slot != nil {
			curRev = slot.revision
		}
		if curRev != rev {
			s.mu.Unlock()
			continue
		}
		if next != nil {
			c := *next
			next = &c
		}
		s.leases[lockName] = &leaseSlot{rec: next, revision: rev + 1}
		s.mu.Unlock()
		return true, next, nil
	}
}

func (s *Store) checkOnline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return store.ErrNetworkUnavailable
	}
	return nil
}

var _ store.Store = (*Store)(nil)

// SeedGame installs a record directly, bypassing the transaction path.
// Test and bootstrap helper.
func (s *Store) SeedGame(rec *store.GameRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.games[rec.GameID]
	var rev uint64
	if slot != nil {
		rev = slot.revision
	}
	cp := rec.Clone()
	cp.UpdatedAt = s.clock.Now()
	s.games[rec.GameID] = &gameSlot{rec: cp, revision: rev + 1}
}
