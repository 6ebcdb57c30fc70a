package engine

import (
	crand "crypto/rand"
	"math/big"
	mrand "math/rand"

	"github.com/rs/zerolog/log"
)

// NumberSource picks one element of remaining (never empty). Injected so
// tests can script draws; production uses CryptoSource.
type NumberSource interface {
	Pick(remaining []int) int
}

// CryptoSource draws uniformly from crypto/rand, falling back to the
// weaker math/rand PRNG only if the secure source is unavailable.
type CryptoSource struct{}

func (CryptoSource) Pick(remaining []int) int {
	idx, err := crand.Int(crand.Reader, big.NewInt(int64(len(remaining))))
	if err != nil {
		log.Warn().Err(err).Msg("secure random unavailable, falling back to PRNG")
		return remaining[mrand.Intn(len(remaining))]
	}
	return remaining[idx.Int64()]
}

// SequenceSource replays a fixed sequence; test helper.
type SequenceSource struct {
	Numbers []int
	pos     int
}

func (s *SequenceSource) Pick(remaining []int) int {
	if s.pos < len(s.Numbers) {
		n := s.Numbers[s.pos]
		s.pos++
		return n
	}
	return remaining[0]
}
