package risk

import "math/rand/v2"

// Rand is the random source behind canary sampling. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// NewSeededRand returns a deterministic source for tests and replays.
func NewSeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// CanarySampler admits a percentage of traffic. It draws from one shared
// source, so it must only be used under the owning Engine's lock.
type CanarySampler struct {
	rng Rand
}

// NewCanarySampler wraps rng. A nil rng uses a randomly seeded source.
func NewCanarySampler(rng Rand) *CanarySampler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &CanarySampler{rng: rng}
}

// Draw returns a uniform value in [0, 100).
func (s *CanarySampler) Draw() float64 {
	return s.rng.Float64() * 100
}

// Sample consumes one draw and reports whether it falls within pct.
func (s *CanarySampler) Sample(pct float64) (draw float64, admitted bool) {
	draw = s.Draw()
	return draw, draw <= pct
}
