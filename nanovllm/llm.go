package nanovllm

import "context"

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
}

// NewLLM creates a new LLM with the purego encoder-decoder and the byte
// tokenizer
func NewLLM(config *Config) (*LLM, error) {
	// Create model runner
	modelRunner, err := NewSeq2SeqRunnerFromConfig(config)
	if err != nil {
		return nil, err
	}

	// Create tokenizer
	tokenizer := NewByteTokenizer()

	// Create engine
	engine := NewLLMEngine(config, modelRunner, tokenizer)

	return &LLM{
		LLMEngine: engine,
	}, nil
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLM {
	engine := NewLLMEngine(config, modelRunner, tokenizer)
	return &LLM{
		LLMEngine: engine,
	}
}

// GenerateSimple is a convenience method for generating from string prompts
func (llm *LLM) GenerateSimple(ctx context.Context, prompts []string, samplingParams *SamplingParams, useTqdm bool) ([]Output, error) {
	promptsInterface := make([]any, len(prompts))
	for i, p := range prompts {
		promptsInterface[i] = p
	}
	return llm.Generate(ctx, promptsInterface, samplingParams, useTqdm)
}
