// Package entropy provides the single seedable randomness source shared by
// every stochastic part of the simulation.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// Source yields uniform floats in [0, 1). Every helper in this package is
// derived from Float, so a scripted Source can force exact branches.
type Source interface {
	Float() float64
}

// Rand is a seeded pseudo-random Source.
type Rand struct {
	seed int64

	mu  sync.Mutex
	rng *mrand.Rand
}

// New creates a seeded source. A zero seed draws one from crypto/rand.
func New(seed int64) *Rand {
	if seed == 0 {
		seed = CryptoSeed()
	}
	return &Rand{
		seed: seed,
		rng:  mrand.New(mrand.NewSource(seed)),
	}
}

// Seed returns the seed the source was created with.
func (r *Rand) Seed() int64 {
	return r.seed
}

// Float returns a random float64 in [0, 1).
func (r *Rand) Float() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Scripted replays a fixed sequence of floats, then repeats Fallback.
// Used by tests to pin down probability branches.
type Scripted struct {
	Values   []float64
	Fallback float64

	pos int
}

// NewScripted creates a scripted source returning values in order.
func NewScripted(fallback float64, values ...float64) *Scripted {
	return &Scripted{Values: values, Fallback: fallback}
}

// Float returns the next scripted value.
func (s *Scripted) Float() float64 {
	if s.pos < len(s.Values) {
		v := s.Values[s.pos]
		s.pos++
		return v
	}
	return s.Fallback
}

// Remaining reports how many scripted values have not been consumed.
func (s *Scripted) Remaining() int {
	return len(s.Values) - s.pos
}

// Chance reports whether a Bernoulli draw with probability p succeeds.
func Chance(src Source, p float64) bool {
	return src.Float() < p
}

// Coin returns an unbiased random boolean.
func Coin(src Source) bool {
	return src.Float() < 0.5
}

// Uniform returns a float in [lo, hi).
func Uniform(src Source, lo, hi float64) float64 {
	return lo + src.Float()*(hi-lo)
}

// IntRange returns an integer in [lo, hi). hi <= lo yields lo.
func IntRange(src Source, lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	n := lo + int64(src.Float()*float64(hi-lo))
	if n >= hi {
		n = hi - 1
	}
	return n
}

// Pick returns an index in [0, n).
func Pick(src Source, n int) int {
	if n <= 0 {
		return 0
	}
	return int(IntRange(src, 0, int64(n)))
}

// CryptoSeed returns a non-zero seed from crypto/rand.
func CryptoSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// This should never happen; any fixed non-zero seed keeps the run valid.
		return 42
	}
	seed := int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
	if seed == 0 {
		seed = 1
	}
	return seed
}
