package nanovllm

import (
	"fmt"
	"os"
	"runtime"
)

// Config holds the configuration for the generation engine
type Config struct {
	// Model is a safetensors file; empty means a randomly initialised demo model
	Model           string
	MaxNumSeqs      int
	MaxSourceLen    int
	MaxModelLen     int // decoder positions, BOS included
	MaxCacheTokens  int // decoder positions held in caches across all running sequences
	EOS             int
	BOS             int
	EncoderMemoSize int
	Concurrency     int
	Seed            uint64
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(modelPath string, opts ...ConfigOption) *Config {
	c := &Config{
		Model:           modelPath,
		MaxNumSeqs:      64,
		MaxSourceLen:    256,
		MaxModelLen:     128,
		MaxCacheTokens:  8192,
		EOS:             -1,
		BOS:             -1,
		EncoderMemoSize: 64,
		Concurrency:     runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Model != "" {
		if _, err := os.Stat(c.Model); os.IsNotExist(err) {
			return fmt.Errorf("model file does not exist: %s", c.Model)
		}
	}

	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be positive")
	}

	if c.MaxSourceLen < 1 {
		return fmt.Errorf("max_source_len must be positive")
	}

	if c.MaxModelLen < 2 {
		return fmt.Errorf("max_model_len must leave room for BOS and one generated token")
	}

	if c.MaxCacheTokens < c.MaxModelLen {
		return fmt.Errorf("max_cache_tokens must be >= max_model_len")
	}

	if c.EncoderMemoSize < 1 {
		return fmt.Errorf("encoder_memo_size must be positive")
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive")
	}

	return nil
}

// WithMaxNumSeqs sets the maximum number of running sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxSourceLen sets the longest accepted source
func WithMaxSourceLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxSourceLen = n
	}
}

// WithMaxModelLen sets the maximum decoder length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithMaxCacheTokens sets the decoder cache budget
func WithMaxCacheTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxCacheTokens = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithBOS sets the token every decoder sequence starts with
func WithBOS(id int) ConfigOption {
	return func(c *Config) {
		c.BOS = id
	}
}

// WithEncoderMemoSize sets how many distinct encoder outputs are kept
func WithEncoderMemoSize(n int) ConfigOption {
	return func(c *Config) {
		c.EncoderMemoSize = n
	}
}

// WithConcurrency bounds how many sequences decode in parallel
func WithConcurrency(n int) ConfigOption {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithSeed sets the seed for random model weights
func WithSeed(seed uint64) ConfigOption {
	return func(c *Config) {
		c.Seed = seed
	}
}
