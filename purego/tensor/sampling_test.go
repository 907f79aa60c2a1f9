package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
)

func TestGreedy(t *testing.T) {
	logits := []float32{0.1, 3, -2, 2.9}
	assert.Equal(t, 1, Greedy(logits))
	assert.Equal(t, 1, Sample(logits, nil, nil))
	assert.Equal(t, 1, Sample(logits, &SamplingParams{Temperature: 1}, nil), "no rng falls back to greedy")
}

func TestSampleTopK(t *testing.T) {
	logits := []float32{0.1, 3, -2, 2.9}
	rng := rand.New(rand.NewSource(1))
	params := &SamplingParams{Temperature: 1, TopK: 1, TopP: 1}
	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, Sample(logits, params, rng))
	}
}

func TestSampleTopP(t *testing.T) {
	// token 0 carries almost all of the mass
	logits := []float32{10, 0, 0, 0}
	rng := rand.New(rand.NewSource(2))
	params := &SamplingParams{Temperature: 1, TopP: 0.5}
	for i := 0; i < 20; i++ {
		assert.Equal(t, 0, Sample(logits, params, rng))
	}
}

func TestSampleSeeded(t *testing.T) {
	logits := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	params := &SamplingParams{Temperature: 1, TopP: 1}

	draw := func(seed uint64) []int {
		rng := rand.New(rand.NewSource(seed))
		out := make([]int, 32)
		for i := range out {
			out[i] = Sample(logits, params, rng)
		}
		return out
	}

	a, b := draw(5), draw(5)
	assert.Equal(t, a, b)

	seen := map[int]bool{}
	for _, tok := range a {
		assert.GreaterOrEqual(t, tok, 0)
		assert.Less(t, tok, len(logits))
		seen[tok] = true
	}
	assert.Greater(t, len(seen), 1)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 1, 1}, logits, "logits must not be modified")
}
