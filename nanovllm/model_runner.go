package nanovllm

import (
	"fmt"
	"strings"

	"nano-attn-go/purego/tensor"
)

// ModelRunner runs an encoder-decoder model for the engine.
//
// Prefill and Decode may be called from several goroutines at once, each with
// a different sequence.
type ModelRunner interface {
	// Prefill encodes a source sequence
	Prefill(sourceIDs []int) (*tensor.EncoderOutput, error)

	// Decode feeds the sequence's uncached decoder tokens through the model,
	// extending seq.Cache, and returns the logits for the next token
	Decode(seq *Sequence) ([]float32, error)

	// Close cleans up resources
	Close() error
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int

	// BOSTokenID returns the decoder start token ID
	BOSTokenID() int
}

// Special token IDs of ByteTokenizer; byte b maps to b+byteOffset
const (
	PadTokenID = 0
	BOSTokenID = 1
	EOSTokenID = 2
	UnkTokenID = 3
	byteOffset = 4

	// ByteVocabSize is the vocabulary size ByteTokenizer needs
	ByteVocabSize = 256 + byteOffset
)

// ByteTokenizer maps every byte of the input to its own token
type ByteTokenizer struct{}

// NewByteTokenizer creates a byte-level tokenizer
func NewByteTokenizer() *ByteTokenizer {
	return &ByteTokenizer{}
}

// Encode converts each byte of text to a token
func (t *ByteTokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	tokens := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int(text[i]) + byteOffset
	}
	return tokens, nil
}

// Decode converts tokens back to bytes, skipping special tokens
func (t *ByteTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if id < byteOffset {
			continue
		}
		if id >= ByteVocabSize {
			return "", fmt.Errorf("token id %d outside byte vocabulary", id)
		}
		sb.WriteByte(byte(id - byteOffset))
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *ByteTokenizer) EOSTokenID() int {
	return EOSTokenID
}

// BOSTokenID returns the decoder start token ID
func (t *ByteTokenizer) BOSTokenID() int {
	return BOSTokenID
}
