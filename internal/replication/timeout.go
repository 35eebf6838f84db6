package replication

import "math/rand"

// MaxToMinTimeoutRatio scales the election timeout ceiling relative to the
// configured minimum. A leader silent for the ceiling has timed out on every
// follower, whatever their individual draws were.
const MaxToMinTimeoutRatio = 4

// RandomTimeout draws election timeout delays uniformly from
// [min, MaxToMinTimeoutRatio*min]. Each node seeds its own generator so a
// cluster started in lockstep still staggers its candidacies.
type RandomTimeout struct {
	minMS int64
	rng   *rand.Rand
}

// NewRandomTimeout creates a generator with the given minimum delay.
func NewRandomTimeout(minMS int64, seed int64) *RandomTimeout {
	return &RandomTimeout{minMS: minMS, rng: rand.New(rand.NewSource(seed))}
}

// NextDelay returns the next randomized delay in milliseconds.
func (t *RandomTimeout) NextDelay() int64 {
	return t.minMS + t.rng.Int63n(t.minMS*(MaxToMinTimeoutRatio-1)+1)
}
