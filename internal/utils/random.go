package utils

import (
	mathrand "math/rand/v2"
	"sync"
	"time"

	"github.com/decred/dcrd/crypto/rand"
)

// Random is the source of randomness used for every privacy relevant choice:
// request timing, denomination script types, coin and payment selection.
// Methods follow the crypto/rand package and panic on non-positive bounds.
type Random interface {
	IntN(n int) int
	Duration(n time.Duration) time.Duration
	Shuffle(n int, swap func(i, j int))
}

type secureRandom struct{}

// NewRandom returns a Random backed by a cryptographically secure generator
// safe for concurrent use.
func NewRandom() Random {
	return secureRandom{}
}

func (secureRandom) IntN(n int) int                         { return rand.IntN(n) }
func (secureRandom) Duration(n time.Duration) time.Duration { return rand.Duration(n) }
func (secureRandom) Shuffle(n int, swap func(i, j int))     { rand.Shuffle(n, swap) }

type seededRandom struct {
	lock *sync.Mutex
	rand *mathrand.Rand
}

// NewSeededRandom returns a reproducible Random. It must never be used
// outside of tests and simulations.
func NewSeededRandom(seed uint64) Random {
	return &seededRandom{
		lock: &sync.Mutex{},
		rand: mathrand.New(mathrand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (r *seededRandom) IntN(n int) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.rand.IntN(n)
}

func (r *seededRandom) Duration(n time.Duration) time.Duration {
	if n <= 0 {
		panic("rand: invalid argument to Duration")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return time.Duration(r.rand.Int64N(int64(n)))
}

func (r *seededRandom) Shuffle(n int, swap func(i, j int)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.rand.Shuffle(n, swap)
}

// RandomElement picks one element of a non-empty slice.
func RandomElement[T any](random Random, list []T) T {
	return list[random.IntN(len(list))]
}
