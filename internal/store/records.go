package store

import (
	"time"
)

// MaxNumber is the highest callable number in a tambola game.
const MaxNumber = 90

// GameRecord is the shared game state. One record exists per game and it is
// the only game state multiple devices write concurrently; every mutation
// goes through an optimistic UpdateGame transaction.
type GameRecord struct {
	GameID        string     `json:"game_id"`
	CalledNumbers []int      `json:"called_numbers"`
	CurrentNumber *int       `json:"current_number,omitempty"`
	CallSequence  int        `json:"call_sequence"`
	SessionCache  []int      `json:"session_cache,omitempty"`
	IsActive      bool       `json:"is_active"`
	GameOver      bool       `json:"game_over"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so update functions can mutate freely without
// aliasing the store's snapshot.
func (g *GameRecord) Clone() *GameRecord {
	if g == nil {
		return nil
	}
	out := *g
	out.CalledNumbers = append([]int(nil), g.CalledNumbers...)
	out.SessionCache = append([]int(nil), g.SessionCache...)
	if g.CurrentNumber != nil {
		n := *g.CurrentNumber
		out.CurrentNumber = &n
	}
	return &out
}

// HasCalled reports whether n is already in the called sequence.
func (g *GameRecord) HasCalled(n int) bool {
	for _, c := range g.CalledNumbers {
		if c == n {
			return true
		}
	}
	return false
}

// Remaining returns the numbers in [1..MaxNumber] not yet called, ascending.
func (g *GameRecord) Remaining() []int {
	called := make(map[int]bool, len(g.CalledNumbers))
	for _, c := range g.CalledNumbers {
		called[c] = true
	}
	var out []int
	for n := 1; n <= MaxNumber; n++ {
		if !called[n] {
			out = append(out, n)
		}
	}
	return out
}

// LeaseRecord is the stored form of a lock lease. A lease is live while
// now < AcquiredAt + TTL; an expired lease is treated as absent.
type LeaseRecord struct {
	LockName     string        `json:"lock_name"`
	Owner        string        `json:"owner"`
	LeaseID      string        `json:"lease_id"`
	FencingToken int64         `json:"fencing_token"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	TTL          time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the lease stops being live.
func (l *LeaseRecord) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Live reports whether the lease is held at the given instant.
func (l *LeaseRecord) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt())
}
