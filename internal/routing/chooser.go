package routing

import (
	"math/rand/v2"
	"sync"
	"time"
)

// WeightedChooser draws an index with probability proportional to its weight.
// A fixed seed makes the sequence reproducible.
type WeightedChooser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedChooser seeds the generator. Zero seeds from the clock.
func NewWeightedChooser(seed int64) *WeightedChooser {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &WeightedChooser{rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))}
}

// Choose returns an index into weights. Negative weights count as zero; when
// every weight is zero the first index wins.
func (c *WeightedChooser) Choose(weights []float64) int {
	if len(weights) == 0 {
		return -1
	}
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return 0
	}

	c.mu.Lock()
	r := c.rng.Float64() * total
	c.mu.Unlock()

	for i, w := range weights {
		if w <= 0 {
			continue
		}
		if r < w {
			return i
		}
		r -= w
	}
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return 0
}
