package nanovllm

import (
	"fmt"

	"nano-attn-go/purego/tensor"
)

// Seq2SeqRunner implements ModelRunner using the purego encoder-decoder
// model. The model is read-only; all mutable state lives in the sequences.
type Seq2SeqRunner struct {
	model *tensor.Seq2SeqModel
}

// NewSeq2SeqRunner wraps an already built model
func NewSeq2SeqRunner(model *tensor.Seq2SeqModel) *Seq2SeqRunner {
	return &Seq2SeqRunner{model: model}
}

// NewSeq2SeqRunnerFromConfig loads config.Model, or builds a random demo
// model seeded with config.Seed when no path is set
func NewSeq2SeqRunnerFromConfig(config *Config) (*Seq2SeqRunner, error) {
	var model *tensor.Seq2SeqModel
	var err error
	if config.Model != "" {
		model, err = tensor.LoadSafetensors(config.Model, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
	} else {
		model, err = tensor.NewSeq2SeqModel(tensor.DefaultSeq2SeqConfig(), tensor.NewRandomInit(config.Seed, 0.02))
		if err != nil {
			return nil, fmt.Errorf("failed to build model: %w", err)
		}
	}

	if config.MaxModelLen > model.Config.MaxPositions || config.MaxSourceLen > model.Config.MaxPositions {
		return nil, fmt.Errorf("model supports %d positions, config asks for source %d and target %d",
			model.Config.MaxPositions, config.MaxSourceLen, config.MaxModelLen)
	}

	return NewSeq2SeqRunner(model), nil
}

// Model returns the underlying model
func (r *Seq2SeqRunner) Model() *tensor.Seq2SeqModel {
	return r.model
}

// Prefill encodes a single source
func (r *Seq2SeqRunner) Prefill(sourceIDs []int) (*tensor.EncoderOutput, error) {
	return r.model.Encode([][]int{sourceIDs})
}

// Decode runs the pending decoder tokens of seq against its cache
func (r *Seq2SeqRunner) Decode(seq *Sequence) ([]float32, error) {
	if seq.Encoder == nil {
		return nil, fmt.Errorf("sequence %d has no encoder output", seq.SeqID)
	}
	if seq.Cache == nil {
		seq.Cache = r.model.NewDecoderCache()
		seq.NumCachedTokens = 0
	}

	pos := seq.Cache.SeqLen()
	pending := seq.TokenIDs[pos:]
	if len(pending) == 0 {
		return nil, fmt.Errorf("sequence %d has no pending tokens", seq.SeqID)
	}

	res, err := r.model.Decode(seq.Encoder, [][]int{pending}, pos, seq.Cache, false)
	if err != nil {
		return nil, fmt.Errorf("decode sequence %d: %w", seq.SeqID, err)
	}
	seq.NumCachedTokens = seq.Cache.SeqLen()

	return tensor.LastLogits(res.Logits, 0), nil
}

// Close cleans up resources
func (r *Seq2SeqRunner) Close() error {
	// No resources to clean up currently
	return nil
}
