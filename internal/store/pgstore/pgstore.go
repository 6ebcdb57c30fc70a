// Package pgstore is the Postgres backend of the shared record store.
// Optimistic transactions run as SELECT ... FOR UPDATE read-modify-write
// cycles; WatchGame rides LISTEN/NOTIFY with a fallback poll so a dropped
// notification can only delay, never lose, an update.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/yss1235-why/tambola-sound-blitz/internal/store"
)

// Config holds connection settings.
type Config struct {
	DSN              string
	NotifyChannel    string
	FallbackInterval time.Duration
	PingInterval     time.Duration
	MaxOpenConns     int
}

// DefaultConfig returns the stock listener layout.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:              dsn,
		NotifyChannel:    "tambola_game_events",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		MaxOpenConns:     10,
	}
}

type watcher struct {
	gameID string
	fn     func(*store.GameRecord)
}

// Store implements store.Store over Postgres.
type Store struct {
	db       *sql.DB
	listener *pq.Listener
	cfg      Config

	mu       sync.Mutex
	watchers map[int]*watcher
	nextID   int
	online   bool
	onlineCh chan struct{}
}

// Open connects, bootstraps the schema, and starts the notify pump.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		watchers: make(map[int]*watcher),
		online:   true,
	}

	s.listener = pq.NewListener(cfg.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected, pq.ListenerEventReconnected:
			s.setOnline(true)
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			s.setOnline(false)
			if err != nil {
				log.Error().Err(err).Msg("listener connection lost")
			}
		}
	})
	if err := s.listener.Listen(cfg.NotifyChannel); err != nil {
		db.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.NotifyChannel, err)
	}

	go s.pump(ctx)

	log.Info().Str("channel", cfg.NotifyChannel).Msg("postgres store listening for game changes")
	return s, nil
}

// Close shuts the store down.
func (s *Store) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return s.db.Close()
}

func (s *Store) setOnline(online bool) {
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

// pump fans notifications out to watchers, with a fallback poll for missed
// events and a ping to keep the listener connection honest.
func (s *Store) pump(ctx context.Context) {
	fallback := time.NewTicker(s.cfg.FallbackInterval)
	ping := time.NewTicker(s.cfg.PingInterval)
	defer fallback.Stop()
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-s.listener.Notify:
			if note == nil {
				// nil means the connection was re-established; refresh all.
				s.refreshAll(ctx)
				continue
			}
			s.notifyGame(ctx, note.Extra)
		case <-fallback.C:
			s.refreshAll(ctx)
		case <-ping.C:
			if err := s.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("listener ping failed")
			}
		}
	}
}

func (s *Store) notifyGame(ctx context.Context, gameID string) {
	rec, err := s.GetGame(ctx, gameID)
	if err != nil {
		if !errors.Is(err, store.ErrGameNotFound) {
			log.Error().Err(err).Str("game_id", gameID).Msg("failed to fetch notified game")
		}
		return
	}
	s.mu.Lock()
	var targets []func(*store.GameRecord)
	for _, w := range s.watchers {
		if w.gameID == gameID {
			targets = append(targets, w.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range targets {
		fn(rec.Clone())
	}
}

func (s *Store) refreshAll(ctx context.Context) {
	s.mu.Lock()
	ids := make(map[string]bool)
	for _, w := range s.watchers {
		ids[w.gameID] = true
	}
	s.mu.Unlock()
	for id := range ids {
		s.notifyGame(ctx, id)
	}
}

func (s *Store) GetGame(ctx context.Context, gameID string) (*store.GameRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT game_id, called_numbers, current_number, call_sequence, session_cache, is_active, game_over, updated_at
FROM games WHERE game_id = $1;`, gameID)
	return scanGame(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*store.GameRecord, error) {
	var (
		rec          store.GameRecord
		calledRaw    []byte
		current      sql.NullInt64
		sessionCache pqtype.NullRawMessage
	)
	err := row.Scan(&rec.GameID, &calledRaw, &current, &rec.CallSequence, &sessionCache, &rec.IsActive, &rec.GameOver, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan game: %w", err)
	}
	if err := json.Unmarshal(calledRaw, &rec.CalledNumbers); err != nil {
		return nil, fmt.Errorf("decode called_numbers: %w", err)
	}
	if sessionCache.Valid {
		if err := json.Unmarshal(sessionCache.RawMessage, &rec.SessionCache); err != nil {
			return nil, fmt.Errorf("decode session_cache: %w", err)
		}
	}
	if current.Valid {
		n := int(current.Int64)
		rec.CurrentNumber = &n
	}
	return &rec, nil
}

// UpdateGame runs fn inside a row-locked transaction. Serialization
// failures from concurrent writers are re-run against a fresh read, which
// is the store-side retry the engine's own policy sits on top of.
func (s *Store) UpdateGame(ctx context.Context, gameID string, fn store.UpdateGameFunc) (store.TxnResult, error) {
	for {
		res, retry, err := s.updateGameOnce(ctx, gameID, fn)
		if retry {
			continue
		}
		return res, err
	}
}

func (s *Store) updateGameOnce(ctx context.Context, gameID string, fn store.UpdateGameFunc) (store.TxnResult, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return store.TxnResult{}, false, fmt.Errorf("begin txn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT game_id, called_numbers, current_number, call_sequence, session_cache, is_active, game_over, updated_at
FROM games WHERE game_id = $1 FOR UPDATE;`, gameID)
	cur, err := scanGame(row)
	if err != nil && !errors.Is(err, store.ErrGameNotFound) {
		return store.TxnResult{}, false, err
	}

	next, err := fn(cur)
	if err != nil {
		return store.TxnResult{Committed: false, Game: cur}, false, err
	}
	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM games WHERE game_id = $1;`, gameID); err != nil {
			return store.TxnResult{}, false, fmt.Errorf("delete game: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return store.TxnResult{}, isSerializationFailure(err), fmt.Errorf("commit delete: %w", err)
		}
		return store.TxnResult{Committed: true}, false, nil
	}

	calledRaw, err := json.Marshal(next.CalledNumbers)
	if err != nil {
		return store.TxnResult{}, false, fmt.Errorf("encode called_numbers: %w", err)
	}
	var sessionCache pqtype.NullRawMessage
	if next.SessionCache != nil {
		raw, err := json.Marshal(next.SessionCache)
		if err != nil {
			return store.TxnResult{}, false, fmt.Errorf("encode session_cache: %w", err)
		}
		sessionCache = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}
	var current sql.NullInt64
	if next.CurrentNumber != nil {
		current = sql.NullInt64{Int64: int64(*next.CurrentNumber), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO games (game_id, called_numbers, current_number, call_sequence, session_cache, is_active, game_over, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (game_id) DO UPDATE SET
  called_numbers = excluded.called_numbers,
  current_number = excluded.current_number,
  call_sequence  = excluded.call_sequence,
  session_cache  = excluded.session_cache,
  is_active      = excluded.is_active,
  game_over      = excluded.game_over,
  updated_at     = now();`,
		gameID, calledRaw, current, next.CallSequence, sessionCache, next.IsActive, next.GameOver)
	if err != nil {
		return store.TxnResult{}, isSerializationFailure(err), fmt.Errorf("upsert game: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return store.TxnResult{}, true, nil
		}
		return store.TxnResult{}, false, fmt.Errorf("commit: %w", err)
	}

	snapshot, err := s.GetGame(ctx, gameID)
	if err != nil {
		return store.TxnResult{Committed: true}, false, nil
	}
	return store.TxnResult{Committed: true, Game: snapshot}, false, nil
}

func (s *Store) WatchGame(ctx context.Context, gameID string, fn func(*store.GameRecord)) (func(), error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = &watcher{gameID: gameID, fn: fn}
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func (s *Store) GetLease(ctx context.Context, lockName string) (*store.LeaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT lock_name, owner_id, lease_id, fencing_token, acquired_at, ttl_ms
FROM locks WHERE lock_name = $1;`, lockName)
	rec, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanLease(row rowScanner) (*store.LeaseRecord, error) {
	var (
		rec        store.LeaseRecord
		owner      sql.NullString
		leaseID    sql.NullString
		acquiredAt sql.NullTime
		ttlMS      int64
	)
	if err := row.Scan(&rec.LockName, &owner, &leaseID, &rec.FencingToken, &acquiredAt, &ttlMS); err != nil {
		return nil, err
	}
	if !owner.Valid {
		return nil, nil
	}
	rec.Owner = owner.String
	rec.LeaseID = leaseID.String
	rec.AcquiredAt = acquiredAt.Time
	rec.TTL = time.Duration(ttlMS) * time.Millisecond
	return &rec, nil
}

func (s *Store) UpdateLease(ctx context.Context, lockName string, fn store.UpdateLeaseFunc) (bool, *store.LeaseRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, nil, fmt.Errorf("begin lease txn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT lock_name, owner_id, lease_id, fencing_token, acquired_at, ttl_ms
FROM locks WHERE lock_name = $1 FOR UPDATE;`, lockName)
	cur, err := scanLease(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}

	next, err := fn(cur)
	if err != nil {
		return false, cur, err
	}
	if next == nil {
		_, err = tx.ExecContext(ctx, `
UPDATE locks SET owner_id = NULL, lease_id = NULL, acquired_at = NULL, ttl_ms = 0
WHERE lock_name = $1;`, lockName)
	} else {
		_, err = tx.ExecContext(ctx, `
INSERT INTO locks (lock_name, owner_id, lease_id, fencing_token, acquired_at, ttl_ms)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (lock_name) DO UPDATE SET
  owner_id      = excluded.owner_id,
  lease_id      = excluded.lease_id,
  fencing_token = excluded.fencing_token,
  acquired_at   = excluded.acquired_at,
  ttl_ms        = excluded.ttl_ms;`,
			lockName, next.Owner, next.LeaseID, next.FencingToken, next.AcquiredAt, next.TTL.Milliseconds())
	}
	if err != nil {
		return false, nil, fmt.Errorf("write lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			// Lost the race; the mutex layer treats this as a conflict.
			return false, cur, store.ErrLockConflict
		}
		return false, nil, fmt.Errorf("commit lease: %w", err)
	}
	return true, next, nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	// pgx stdlib surfaces SQLSTATE in the message.
	return err != nil && (strings.Contains(err.Error(), "40001") || strings.Contains(err.Error(), "40P01"))
}

var _ store.Store = (*Store)(nil)
