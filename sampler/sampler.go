// Package sampler implements the deterministic shard sampler (spec.md
// §4.4, C5): a reproducible subset of example ids for a given fraction,
// identical across processes for a fixed seed.
package sampler

import "math/rand"

// Sampler returns deterministic, reproducible subsets of a fixed universe
// of example ids. Instances are safe for concurrent read-only use.
type Sampler struct {
	order []string // the seeded permutation of all example ids
}

// New builds a Sampler over ids, permuting them once with a Fisher-Yates
// shuffle seeded by seed (spec.md §4.4: "the same seed must yield
// identical shards across runs").
func New(ids []string, seed int64) *Sampler {
	order := make([]string, len(ids))
	copy(order, ids)

	rng := rand.New(rand.NewSource(seed))
	for i := len(order) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return &Sampler{order: order}
}

// Sample returns the first ceil(fraction*N) ids of the seeded permutation.
// fraction=1.0 returns all ids in deterministic (permuted) order.
func (s *Sampler) Sample(fraction float64) []string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	n := len(s.order)
	count := int(fraction * float64(n))
	if rem := fraction*float64(n) - float64(count); rem > 1e-9 {
		count++
	}
	if count > n {
		count = n
	}
	out := make([]string, count)
	copy(out, s.order[:count])
	return out
}

// Len reports the size of the full example universe.
func (s *Sampler) Len() int { return len(s.order) }
