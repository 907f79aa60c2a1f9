package nanovllm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"nano-attn-go/purego/tensor"
)

// Output represents the output of a generation request
type Output struct {
	SeqID    int64
	Text     string
	TokenIDs []int
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
}

// NewLLMEngine creates a new LLM engine. Unset BOS/EOS ids are taken from
// the tokenizer.
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	if config.EOS == -1 {
		config.EOS = tokenizer.EOSTokenID()
	}
	if config.BOS == -1 {
		config.BOS = tokenizer.BOSTokenID()
	}
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest adds a generation request to the engine and returns its sequence
func (e *LLMEngine) AddRequest(prompt any, samplingParams *SamplingParams) (*Sequence, error) {
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompt: %w", err)
		}
	case []int:
		tokenIDs = p
	default:
		return nil, fmt.Errorf("prompt must be string or []int")
	}

	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("prompt is empty")
	}
	if len(tokenIDs) > e.config.MaxSourceLen {
		return nil, fmt.Errorf("prompt has %d tokens, max_source_len is %d", len(tokenIDs), e.config.MaxSourceLen)
	}

	seq := NewSequence(tokenIDs, e.config.BOS, samplingParams)
	e.scheduler.Add(seq)
	return seq, nil
}

// Step performs one inference step. Every scheduled sequence is decoded on
// its own goroutine; sequences never share a cache.
func (e *LLMEngine) Step(ctx context.Context) ([]Output, int, error) {
	seqs, isPrefill := e.scheduler.Schedule()
	if len(seqs) == 0 {
		return nil, 0, errors.New("no sequences scheduled")
	}

	if isPrefill {
		if err := e.encode(ctx, seqs); err != nil {
			return nil, 0, err
		}
	}

	tokenIDs := make([]int, len(seqs))
	numTokens := 0
	for _, seq := range seqs {
		numTokens += len(seq.PendingTokenIDs())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, seq := range seqs {
		i, seq := i, seq
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			logits, err := e.modelRunner.Decode(seq)
			if err != nil {
				return err
			}
			tokenIDs[i] = tensor.Sample(logits, seq.SamplingParams(), seq.rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}

	e.scheduler.Postprocess(seqs, tokenIDs)
	slog.Debug("step", "prefill", isPrefill, "seqs", len(seqs), "tokens", numTokens, "cache_tokens", e.scheduler.CacheTokens())

	outputs := make([]Output, 0)
	for _, seq := range seqs {
		if seq.IsFinished() {
			text, err := e.tokenizer.Decode(seq.CompletionTokenIDs())
			if err != nil {
				return nil, 0, fmt.Errorf("failed to decode tokens: %w", err)
			}
			outputs = append(outputs, Output{
				SeqID:    seq.SeqID,
				Text:     text,
				TokenIDs: seq.CompletionTokenIDs(),
			})
		}
	}

	// Negative for decode phase
	if !isPrefill {
		numTokens = -numTokens
	}

	return outputs, numTokens, nil
}

// encode fills the memo entries of newly admitted sequences. Each distinct
// source is encoded once even if several sequences share it.
func (e *LLMEngine) encode(ctx context.Context, seqs []*Sequence) error {
	memo := e.scheduler.Memo()

	pending := make(map[int]*MemoEntry)
	for _, seq := range seqs {
		entry := memo.Entry(seq)
		if entry.Output == nil {
			pending[entry.SlotID] = entry
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for _, entry := range pending {
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := e.modelRunner.Prefill(entry.SourceIDs)
			if err != nil {
				return fmt.Errorf("encode slot %d: %w", entry.SlotID, err)
			}
			entry.Output = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("model inference failed: %w", err)
	}

	for _, seq := range seqs {
		seq.Encoder = memo.Entry(seq).Output
	}
	return nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate generates completions for the given prompts. samplingParams is a
// *SamplingParams applied to every prompt or a []*SamplingParams with one
// entry per prompt. Outputs are returned in prompt order.
func (e *LLMEngine) Generate(ctx context.Context, prompts []any, samplingParams any, useTqdm bool) ([]Output, error) {
	// Convert sampling params
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, fmt.Errorf("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, fmt.Errorf("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	// Add all requests
	index := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		seq, err := e.AddRequest(prompt, spList[i])
		if err != nil {
			e.scheduler.Abort()
			return nil, err
		}
		index[seq.SeqID] = i
	}

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if useTqdm {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs := make([]Output, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for !e.IsFinished() {
		if err := ctx.Err(); err != nil {
			e.scheduler.Abort()
			return nil, err
		}

		start := time.Now()
		stepOutputs, numTokens, err := e.Step(ctx)
		if err != nil {
			e.scheduler.Abort()
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if useTqdm {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, output := range stepOutputs {
			i, ok := index[output.SeqID]
			if !ok {
				continue
			}
			outputs[i] = output
			if useTqdm {
				bar.Add(1)
			}
		}
	}

	if useTqdm {
		bar.Finish()
	}

	return outputs, nil
}
