package nanovllm

import "fmt"

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature float64 // 0 means greedy
	TopK        int
	TopP        float64
	MaxTokens   int
	IgnoreEOS   bool
	Seed        uint64
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %v", sp.Temperature)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", sp.TopP)
	}
	if sp.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0, got %d", sp.TopK)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", sp.MaxTokens)
	}
	return nil
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopK keeps only the k most likely tokens
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithTopP enables nucleus sampling
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithSamplingSeed fixes the random stream of each sequence
func WithSamplingSeed(seed uint64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = seed
	}
}
