package nanovllm

import (
	"sync/atomic"

	"golang.org/x/exp/rand"

	"nano-attn-go/purego/tensor"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// Sequence represents a single generation request. The decoder side starts
// with the BOS token; SourceIDs are fed to the encoder once.
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	SourceIDs       []int
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	NumCachedTokens int
	Temperature     float64
	TopK            int
	TopP            float64
	MaxTokens       int
	IgnoreEOS       bool

	// Encoder state, shared read-only with other sequences of the same
	// source through the EncoderMemo
	MemoSlot int
	Encoder  *tensor.EncoderOutput

	// Cache is owned by this sequence alone; nil until the first step and
	// after preemption
	Cache *tensor.DecoderCache

	reserved int
	rng      *rand.Rand
}

var seqCounter int64 = 0

// NewSequence creates a new sequence from source token IDs, a decoder start
// token and sampling parameters
func NewSequence(sourceIDs []int, bos int, samplingParams *SamplingParams) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	// Make a copy of token IDs
	source := make([]int, len(sourceIDs))
	copy(source, sourceIDs)

	seq := &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		SourceIDs:       source,
		TokenIDs:        []int{bos},
		LastToken:       bos,
		NumTokens:       1,
		NumPromptTokens: 1,
		Temperature:     samplingParams.Temperature,
		TopK:            samplingParams.TopK,
		TopP:            samplingParams.TopP,
		MaxTokens:       samplingParams.MaxTokens,
		IgnoreEOS:       samplingParams.IgnoreEOS,
		MemoSlot:        -1,
	}
	if samplingParams.Temperature > 0 {
		seq.rng = rand.New(rand.NewSource(samplingParams.Seed))
	}
	return seq
}

// Len returns the number of decoder tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the decoder prompt (the BOS token)
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// PendingTokenIDs returns the decoder tokens not yet in the cache
func (s *Sequence) PendingTokenIDs() []int {
	return s.TokenIDs[s.NumCachedTokens:]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}

// SamplingParams returns the per-step sampling settings of this sequence
func (s *Sequence) SamplingParams() *tensor.SamplingParams {
	return &tensor.SamplingParams{
		Temperature: float32(s.Temperature),
		TopK:        s.TopK,
		TopP:        float32(s.TopP),
	}
}

// dropCache releases the decoder cache and the encoder handle
func (s *Sequence) dropCache() {
	s.Cache = nil
	s.Encoder = nil
	s.NumCachedTokens = 0
}
