package tensor

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// SamplingParams holds parameters for token sampling
type SamplingParams struct {
	Temperature float32 // 0 selects greedy decoding
	TopP        float32 // Nucleus sampling
	TopK        int     // Top-k sampling, 0 disables
}

// DefaultSamplingParams returns greedy sampling
func DefaultSamplingParams() *SamplingParams {
	return &SamplingParams{
		Temperature: 0,
		TopP:        1.0,
	}
}

// Greedy returns the index of the largest logit
func Greedy(logits []float32) int {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return best
}

// Sample picks a token from logits. logits is not modified.
func Sample(logits []float32, params *SamplingParams, rng *rand.Rand) int {
	if params == nil {
		params = DefaultSamplingParams()
	}
	if params.Temperature <= 0 || rng == nil {
		return Greedy(logits)
	}

	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = float64(l / params.Temperature)
	}
	probs = softmax(probs)

	if params.TopK > 0 && params.TopK < len(probs) {
		probs = topKFiltering(probs, params.TopK)
	}
	if params.TopP > 0 && params.TopP < 1.0 {
		probs = topPFiltering(probs, float64(params.TopP))
	}

	return sampleMultinomial(probs, rng)
}

// softmax converts logits to probabilities in place
func softmax(logits []float64) []float64 {
	floats.AddConst(-floats.Max(logits), logits)
	for i, l := range logits {
		logits[i] = math.Exp(l)
	}
	floats.Scale(1/floats.Sum(logits), logits)
	return logits
}

type indexedProb struct {
	idx  int
	prob float64
}

func sortedByProb(probs []float64) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for i, p := range probs {
		indexed[i] = indexedProb{i, p}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].prob > indexed[j].prob
	})
	return indexed
}

// topKFiltering keeps only top-k probabilities, zeros out the rest
func topKFiltering(probs []float64, k int) []float64 {
	indexed := sortedByProb(probs)
	result := make([]float64, len(probs))
	for i := 0; i < k && i < len(indexed); i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// topPFiltering keeps the smallest prefix of probabilities summing to >= p
func topPFiltering(probs []float64, p float64) []float64 {
	indexed := sortedByProb(probs)

	total := floats.Sum(probs)
	cumProb := 0.0
	cutoff := len(indexed)
	for i, item := range indexed {
		cumProb += item.prob / total
		if cumProb >= p {
			cutoff = i + 1
			break
		}
	}

	result := make([]float64, len(probs))
	for i := 0; i < cutoff; i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// sampleMultinomial samples from an unnormalized distribution
func sampleMultinomial(probs []float64, rng *rand.Rand) int {
	cumProbs := make([]float64, len(probs))
	floats.CumSum(cumProbs, probs)

	r := rng.Float64() * cumProbs[len(cumProbs)-1]
	idx := sort.Search(len(cumProbs), func(i int) bool {
		return cumProbs[i] > r
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx
}
