package repository

import "math/rand/v2"

// Option applies a configuration option to the Standings.
type Option func(*Standings)

// WithSeed makes treap priorities deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Standings) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}
