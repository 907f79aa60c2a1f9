package nanovllm

import (
	"testing"
)

func TestSequenceCreation(t *testing.T) {
	samplingParams := NewSamplingParams(
		WithTemperature(0.8),
		WithMaxTokens(100),
	)

	sourceIDs := []int{10, 11, 12, 13, 14}
	seq := NewSequence(sourceIDs, BOSTokenID, samplingParams)

	if seq.Len() != 1 {
		t.Errorf("Expected decoder length 1, got %d", seq.Len())
	}

	if len(seq.SourceIDs) != 5 {
		t.Errorf("Expected 5 source tokens, got %d", len(seq.SourceIDs))
	}

	if seq.TokenIDs[0] != BOSTokenID {
		t.Errorf("Expected decoder to start with BOS, got %d", seq.TokenIDs[0])
	}

	if seq.NumCompletionTokens() != 0 {
		t.Errorf("Expected 0 completion tokens, got %d", seq.NumCompletionTokens())
	}

	if seq.Status != StatusWaiting {
		t.Errorf("Expected status WAITING, got %v", seq.Status)
	}

	if seq.MemoSlot != -1 || seq.Cache != nil {
		t.Errorf("New sequence should hold no resources")
	}

	sourceIDs[0] = 99
	if seq.SourceIDs[0] != 10 {
		t.Errorf("Sequence should copy its source")
	}
}

func TestSequenceAppendToken(t *testing.T) {
	samplingParams := NewSamplingParams()
	seq := NewSequence([]int{10, 11}, BOSTokenID, samplingParams)

	seq.AppendToken(40)

	if seq.Len() != 2 {
		t.Errorf("Expected length 2, got %d", seq.Len())
	}

	if seq.LastToken != 40 {
		t.Errorf("Expected last token 40, got %d", seq.LastToken)
	}

	if seq.NumCompletionTokens() != 1 {
		t.Errorf("Expected 1 completion token, got %d", seq.NumCompletionTokens())
	}

	if got := seq.CompletionTokenIDs(); len(got) != 1 || got[0] != 40 {
		t.Errorf("Expected completion [40], got %v", got)
	}
}

func TestSequencePendingTokens(t *testing.T) {
	seq := NewSequence([]int{10}, BOSTokenID, NewSamplingParams())
	seq.AppendToken(20)
	seq.AppendToken(21)

	if len(seq.PendingTokenIDs()) != 3 {
		t.Errorf("Expected all 3 tokens pending without a cache, got %v", seq.PendingTokenIDs())
	}

	seq.NumCachedTokens = 2
	if got := seq.PendingTokenIDs(); len(got) != 1 || got[0] != 21 {
		t.Errorf("Expected pending [21], got %v", got)
	}

	seq.dropCache()
	if seq.NumCachedTokens != 0 {
		t.Errorf("Dropping the cache should reset cached tokens")
	}
}

func TestSamplingParams(t *testing.T) {
	sp := NewSamplingParams(
		WithTemperature(0.7),
		WithMaxTokens(128),
		WithIgnoreEOS(true),
		WithTopK(5),
		WithTopP(0.9),
	)

	if sp.Temperature != 0.7 {
		t.Errorf("Expected temperature 0.7, got %f", sp.Temperature)
	}

	if sp.MaxTokens != 128 {
		t.Errorf("Expected max tokens 128, got %d", sp.MaxTokens)
	}

	if !sp.IgnoreEOS {
		t.Errorf("Expected ignore EOS to be true")
	}

	if sp.TopK != 5 || sp.TopP != 0.9 {
		t.Errorf("Expected top_k 5 and top_p 0.9, got %d and %f", sp.TopK, sp.TopP)
	}
}

func TestSamplingParamsGreedy(t *testing.T) {
	sp := NewSamplingParams(WithTemperature(0))
	seq := NewSequence([]int{10}, BOSTokenID, sp)

	if seq.rng != nil {
		t.Errorf("Greedy sequences need no random stream")
	}
	if seq.SamplingParams().Temperature != 0 {
		t.Errorf("Expected greedy sampling")
	}
}

func TestSamplingParamsValidation(t *testing.T) {
	for _, opt := range []SamplingOption{
		WithTemperature(-1),
		WithTopP(0),
		WithTopK(-1),
		WithMaxTokens(0),
	} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Expected panic for invalid sampling params")
				}
			}()
			NewSamplingParams(opt)
		}()
	}
}

func TestConfigValidation(t *testing.T) {
	c := NewConfig("", WithMaxModelLen(16), WithMaxCacheTokens(32))
	if c.MaxModelLen != 16 || c.MaxCacheTokens != 32 {
		t.Errorf("Options not applied: %+v", c)
	}

	for _, opts := range [][]ConfigOption{
		{WithMaxCacheTokens(4), WithMaxModelLen(8)},
		{WithConcurrency(0)},
		{WithEncoderMemoSize(0)},
		{WithMaxModelLen(1)},
	} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Expected panic for invalid config")
				}
			}()
			NewConfig("", opts...)
		}()
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for missing model file")
		}
	}()
	NewConfig("/nonexistent/model.safetensors")
}
