// Package store defines the boundary to the shared record store: optimistic
// read-modify-write transactions over single records, push notifications on
// record changes, and a connectivity signal. Backends live in subpackages.
package store

import (
	"context"
)

// UpdateGameFunc maps the current game record to its next value. A nil
// current means the record does not exist yet. Returning an error aborts
// the transaction; returning (nil, nil) deletes the record. The store
// re-invokes the function against a fresh read whenever a concurrent
// writer committed first.
type UpdateGameFunc func(current *GameRecord) (*GameRecord, error)

// UpdateLeaseFunc is the lease-record analogue of UpdateGameFunc.
type UpdateLeaseFunc func(current *LeaseRecord) (*LeaseRecord, error)

// TxnResult reports the outcome of an optimistic transaction: whether the
// write committed and the record snapshot after the transaction settled.
type TxnResult struct {
	Committed bool
	Game      *GameRecord
}

// GameStore is the shared game-record surface.
type GameStore interface {
	// GetGame returns the current record or ErrGameNotFound.
	GetGame(ctx context.Context, gameID string) (*GameRecord, error)

	// UpdateGame runs fn as an optimistic transaction against the record.
	UpdateGame(ctx context.Context, gameID string, fn UpdateGameFunc) (TxnResult, error)

	// WatchGame invokes fn with a snapshot after every committed change
	// until the returned stop function is called or ctx is done.
	WatchGame(ctx context.Context, gameID string, fn func(*GameRecord)) (stop func(), err error)
}

// LockStore holds lease records in a namespace distinct from game records
// so lock traffic never contends with game transactions.
type LockStore interface {
	GetLease(ctx context.Context, lockName string) (*LeaseRecord, error)
	UpdateLease(ctx context.Context, lockName string, fn UpdateLeaseFunc) (committed bool, current *LeaseRecord, err error)
}

// Connectivity exposes the backend's online/offline signal.
type Connectivity interface {
	Online() bool
	// AwaitOnline blocks until the backend reports online or ctx is done.
	AwaitOnline(ctx context.Context) error
}

// Store is the full collaborator contract consumed by the subsystem.
type Store interface {
	GameStore
	LockStore
	Connectivity
}
