package tensor

import (
	"errors"
	"fmt"
)

// Seq2SeqConfig holds model configuration
type Seq2SeqConfig struct {
	VocabSize     int
	Hidden        int
	NumHeads      int
	FFNDim        int
	EncoderLayers int
	DecoderLayers int
	MaxPositions  int
	Dropout       float64
	LayerNormEps  float32
	ComputeDType  DType
	PadTokenID    int
	BOSTokenID    int
	EOSTokenID    int
}

// DefaultSeq2SeqConfig returns a small configuration suitable for demos
func DefaultSeq2SeqConfig() *Seq2SeqConfig {
	return &Seq2SeqConfig{
		VocabSize:     260,
		Hidden:        64,
		NumHeads:      4,
		FFNDim:        128,
		EncoderLayers: 2,
		DecoderLayers: 2,
		MaxPositions:  256,
		LayerNormEps:  1e-5,
		PadTokenID:    0,
		BOSTokenID:    1,
		EOSTokenID:    2,
	}
}

// Validate checks the configuration
func (c *Seq2SeqConfig) Validate() error {
	if c.VocabSize <= 0 || c.FFNDim <= 0 || c.MaxPositions <= 0 {
		return errors.New("vocab_size, ffn_dim and max_positions must be positive")
	}
	if c.EncoderLayers < 0 || c.DecoderLayers <= 0 {
		return errors.New("need at least one decoder layer")
	}
	if c.Hidden <= 0 || c.NumHeads <= 0 || c.Hidden%c.NumHeads != 0 {
		return fmt.Errorf("%w: hidden %d must be divisible by num_heads %d", ErrShape, c.Hidden, c.NumHeads)
	}
	for _, id := range []int{c.PadTokenID, c.BOSTokenID, c.EOSTokenID} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("special token %d outside vocabulary of %d", id, c.VocabSize)
		}
	}
	return nil
}

// Seq2SeqModel is a small BART-style encoder-decoder built from Attention
type Seq2SeqModel struct {
	Config *Seq2SeqConfig

	// Embeddings
	TokenEmbedding *Tensor // [vocab_size, hidden], shared by encoder and decoder
	EncoderPos     *Tensor // [max_positions, hidden]
	DecoderPos     *Tensor // [max_positions, hidden]

	Encoder []*EncoderLayer
	Decoder []*DecoderLayer

	// LM head [hidden, vocab_size]
	LMHead *Tensor
}

// NewSeq2SeqModel allocates a model and fills every parameter with init
func NewSeq2SeqModel(config *Seq2SeqConfig, init WeightInit) (*Seq2SeqModel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if init == nil {
		init = ZeroInit{}
	}

	h := config.Hidden
	m := &Seq2SeqModel{
		Config:         config,
		TokenEmbedding: NewTensor(config.VocabSize, h),
		EncoderPos:     NewTensor(config.MaxPositions, h),
		DecoderPos:     NewTensor(config.MaxPositions, h),
		LMHead:         NewTensor(h, config.VocabSize),
	}
	init.Init("shared.weight", m.TokenEmbedding)
	init.Init("encoder.embed_positions.weight", m.EncoderPos)
	init.Init("decoder.embed_positions.weight", m.DecoderPos)
	init.Init("lm_head.weight", m.LMHead)

	attn := func(kind AttentionKind) (*Attention, error) {
		cfg, err := NewAttentionConfig(h, config.NumHeads,
			WithKind(kind),
			WithDropout(config.Dropout),
			WithComputeDType(config.ComputeDType),
		)
		if err != nil {
			return nil, err
		}
		return NewAttention(cfg, init), nil
	}

	for i := 0; i < config.EncoderLayers; i++ {
		self, err := attn(SelfAttention)
		if err != nil {
			return nil, err
		}
		m.Encoder = append(m.Encoder, &EncoderLayer{
			SelfAttn: self,
			FFN:      NewFeedForward(h, config.FFNDim, init),
			LN1:      NewLayerNormLayer(h, config.LayerNormEps),
			LN2:      NewLayerNormLayer(h, config.LayerNormEps),
		})
	}

	for i := 0; i < config.DecoderLayers; i++ {
		self, err := attn(SelfAttention)
		if err != nil {
			return nil, err
		}
		cross, err := attn(CrossAttention)
		if err != nil {
			return nil, err
		}
		m.Decoder = append(m.Decoder, &DecoderLayer{
			SelfAttn:  self,
			CrossAttn: cross,
			FFN:       NewFeedForward(h, config.FFNDim, init),
			LN1:       NewLayerNormLayer(h, config.LayerNormEps),
			LN2:       NewLayerNormLayer(h, config.LayerNormEps),
			LN3:       NewLayerNormLayer(h, config.LayerNormEps),
		})
	}

	return m, nil
}

// Parameters lists every learned tensor with its checkpoint name
func (m *Seq2SeqModel) Parameters() []NamedTensor {
	params := []NamedTensor{
		{"shared.weight", m.TokenEmbedding},
		{"encoder.embed_positions.weight", m.EncoderPos},
		{"decoder.embed_positions.weight", m.DecoderPos},
		{"lm_head.weight", m.LMHead},
	}
	for i, l := range m.Encoder {
		params = append(params, prefixed(fmt.Sprintf("encoder.layers.%d.", i), l.Parameters())...)
	}
	for i, l := range m.Decoder {
		params = append(params, prefixed(fmt.Sprintf("decoder.layers.%d.", i), l.Parameters())...)
	}
	return params
}

// NewDecoderCache returns an empty cache sized for this model's decoder
func (m *Seq2SeqModel) NewDecoderCache() *DecoderCache {
	return NewDecoderCache(len(m.Decoder))
}

// EncoderOutput is the read-only result of encoding a batch of sources
type EncoderOutput struct {
	Hidden  *Tensor      // [src, batch, hidden]
	Padding *PaddingMask // nil when no source is padded
}

// Encode runs the encoder over a batch of token sequences. Shorter sources
// are right-padded with the pad token and masked.
func (m *Seq2SeqModel) Encode(sources [][]int) (*EncoderOutput, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrShape)
	}
	lengths := make([]int, len(sources))
	maxLen := 0
	for i, src := range sources {
		if len(src) == 0 {
			return nil, fmt.Errorf("%w: source %d is empty", ErrShape, i)
		}
		lengths[i] = len(src)
		maxLen = max(maxLen, len(src))
	}

	padded := make([][]int, len(sources))
	for i, src := range sources {
		padded[i] = make([]int, maxLen)
		copy(padded[i], src)
		for j := len(src); j < maxLen; j++ {
			padded[i][j] = m.Config.PadTokenID
		}
	}

	x, err := m.embed(padded, 0, m.EncoderPos)
	if err != nil {
		return nil, err
	}

	padding, err := PaddingMaskFromLengths(lengths, maxLen)
	if err != nil {
		return nil, err
	}
	if !padding.Any() {
		padding = nil
	}

	for i, layer := range m.Encoder {
		x, err = layer.Forward(x, padding, false)
		if err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}

	return &EncoderOutput{Hidden: x, Padding: padding}, nil
}

// DecodeResult holds decoder logits and, if requested, per-layer cross
// attention weights [batch, heads, tgt, src]
type DecodeResult struct {
	Logits       *Tensor // [tgt, batch, vocab]
	CrossWeights []*Tensor
}

// Decode runs the decoder over targets [batch][tgt] starting at position
// startPos. With a cache, keys and values of earlier positions are read from
// it and the new ones appended, and startPos must equal cache.SeqLen();
// without one, targets attend causally among themselves only. On error the
// cache is restored to its state before the call.
func (m *Seq2SeqModel) Decode(enc *EncoderOutput, targets [][]int, startPos int, cache *DecoderCache, needWeights bool) (*DecodeResult, error) {
	if len(targets) != enc.Hidden.Shape[1] {
		return nil, fmt.Errorf("%w: %d targets for encoder batch %d", ErrShape, len(targets), enc.Hidden.Shape[1])
	}
	if cache != nil && len(cache.Layers) != len(m.Decoder) {
		return nil, fmt.Errorf("%w: cache has %d layers, decoder has %d", ErrShape, len(cache.Layers), len(m.Decoder))
	}
	if cache != nil && startPos != cache.SeqLen() {
		return nil, fmt.Errorf("%w: decoding from position %d but the cache holds %d", ErrInvalidState, startPos, cache.SeqLen())
	}

	x, err := m.embed(targets, startPos, m.DecoderPos)
	if err != nil {
		return nil, err
	}

	tgtLen := x.Shape[0]
	past := 0
	if cache != nil {
		past = cache.SeqLen()
	}
	var selfBias *Tensor
	if tgtLen > 1 {
		selfBias = CausalMask(tgtLen, past+tgtLen)
	}

	// Site caches are replaced, never written in place, so keeping the old
	// values is enough to undo a partly applied step.
	var saved []LayerCache
	if cache != nil {
		saved = make([]LayerCache, len(cache.Layers))
		copy(saved, cache.Layers)
	}

	result := &DecodeResult{}
	for i, layer := range m.Decoder {
		in := DecoderInputs{
			Encoder:        enc.Hidden,
			EncoderPadding: enc.Padding,
			SelfBias:       selfBias,
			NeedWeights:    needWeights,
		}
		if cache != nil {
			in.Cache = cache.Layer(i)
		}

		var weights *Tensor
		x, weights, err = layer.Forward(x, in)
		if err != nil {
			if cache != nil {
				copy(cache.Layers, saved)
			}
			return nil, fmt.Errorf("decoder layer %d: %w", i, err)
		}
		if needWeights {
			result.CrossWeights = append(result.CrossWeights, weights)
		}
	}

	rows := x.Size() / m.Config.Hidden
	logits := MatMul(x.Reshape(rows, m.Config.Hidden), m.LMHead)
	result.Logits = logits.Reshape(tgtLen, len(targets), m.Config.VocabSize)
	return result, nil
}

// DecodeStep feeds one token per batch element at position pos through the
// decoder using cache and returns next-token logits [batch, vocab].
func (m *Seq2SeqModel) DecodeStep(enc *EncoderOutput, tokenIDs []int, pos int, cache *DecoderCache) (*Tensor, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: incremental decoding needs a cache", ErrInvalidState)
	}
	targets := make([][]int, len(tokenIDs))
	for i, id := range tokenIDs {
		targets[i] = []int{id}
	}

	res, err := m.Decode(enc, targets, pos, cache, false)
	if err != nil {
		return nil, err
	}
	return res.Logits.Reshape(len(tokenIDs), m.Config.VocabSize), nil
}

// DecodeFull runs teacher-forced decoding over whole targets without a cache
func (m *Seq2SeqModel) DecodeFull(enc *EncoderOutput, targets [][]int) (*Tensor, error) {
	res, err := m.Decode(enc, targets, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return res.Logits, nil
}

// LastLogits returns the logits of the final position for batch element b
func LastLogits(logits *Tensor, b int) []float32 {
	tgt, bsz, vocab := logits.Shape[0], logits.Shape[1], logits.Shape[2]
	off := ((tgt-1)*bsz + b) * vocab
	return logits.Data[off : off+vocab]
}

// embed builds [seq, batch, hidden] token + position embeddings
func (m *Seq2SeqModel) embed(ids [][]int, startPos int, pos *Tensor) (*Tensor, error) {
	seqLen := len(ids[0])
	hidden := m.Config.Hidden
	bsz := len(ids)

	if seqLen == 0 {
		return nil, fmt.Errorf("%w: empty sequence", ErrShape)
	}
	if startPos+seqLen > m.Config.MaxPositions {
		return nil, fmt.Errorf("%w: position %d exceeds max_positions %d", ErrShape, startPos+seqLen-1, m.Config.MaxPositions)
	}

	result := NewTensor(seqLen, bsz, hidden)
	for b, row := range ids {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: ragged batch (%d vs %d tokens)", ErrShape, len(row), seqLen)
		}
		for s, tokenID := range row {
			if tokenID < 0 || tokenID >= m.Config.VocabSize {
				return nil, fmt.Errorf("token id %d outside vocabulary of %d", tokenID, m.Config.VocabSize)
			}
			dst := result.Data[(s*bsz+b)*hidden : (s*bsz+b+1)*hidden]
			tok := m.TokenEmbedding.Data[tokenID*hidden : (tokenID+1)*hidden]
			p := pos.Data[(startPos+s)*hidden : (startPos+s+1)*hidden]
			for j := range dst {
				dst[j] = tok[j] + p[j]
			}
		}
	}

	return result, nil
}
