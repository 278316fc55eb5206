package dataset

import (
	"fmt"
	"math/rand"
)

// Split shuffles the samples with a generator seeded by seed and holds out
// the last int(fraction*n) of them for validation. Identical trees and seeds
// always produce identical subsets.
func (f *Folder) Split(fraction float64, seed int64) (train, val []Sample, err error) {
	if fraction < 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("dataset: validation fraction must be in [0, 1) (got %g)", fraction)
	}
	shuffled := append([]Sample(nil), f.Samples...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	numVal := int(fraction * float64(len(shuffled)))
	cut := len(shuffled) - numVal
	return shuffled[:cut], shuffled[cut:], nil
}
