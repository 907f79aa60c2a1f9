package tensor

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// AttentionKind says where keys and values come from
type AttentionKind int

const (
	// SelfAttention projects keys and values from the query sequence
	SelfAttention AttentionKind = iota
	// CrossAttention projects keys and values from an encoder output
	CrossAttention
)

func (k AttentionKind) String() string {
	if k == CrossAttention {
		return "encoder_decoder_attn"
	}
	return "self_attn"
}

// AttentionConfig is fixed at construction time
type AttentionConfig struct {
	EmbedDim int
	NumHeads int
	HeadDim  int
	KDim     int // feature size of key inputs
	VDim     int // feature size of value inputs
	Dropout  float64
	Kind     AttentionKind
	Scaling  float32
	Bias     bool

	// ComputeDType is the precision projections and outputs are rounded to.
	// Softmax always runs in float64.
	ComputeDType DType

	// Seed for the dropout stream when ComputeOptions.RNG is nil
	Seed uint64
}

// AttentionOption is a functional option for AttentionConfig
type AttentionOption func(*AttentionConfig)

// NewAttentionConfig validates and returns an attention configuration
func NewAttentionConfig(embedDim, numHeads int, opts ...AttentionOption) (*AttentionConfig, error) {
	c := &AttentionConfig{
		EmbedDim: embedDim,
		NumHeads: numHeads,
		KDim:     embedDim,
		VDim:     embedDim,
		Kind:     SelfAttention,
		Bias:     true,
	}

	for _, opt := range opts {
		opt(c)
	}

	if embedDim <= 0 || numHeads <= 0 {
		return nil, fmt.Errorf("%w: embed_dim %d and num_heads %d must be positive", ErrShape, embedDim, numHeads)
	}
	if embedDim%numHeads != 0 {
		return nil, fmt.Errorf("%w: embed_dim %d must be divisible by num_heads %d", ErrShape, embedDim, numHeads)
	}
	if c.Kind == SelfAttention && (c.KDim != embedDim || c.VDim != embedDim) {
		return nil, fmt.Errorf("%w: self-attention requires query, key and value of the same size", ErrShape)
	}
	if c.KDim <= 0 || c.VDim <= 0 {
		return nil, fmt.Errorf("%w: kdim %d and vdim %d must be positive", ErrShape, c.KDim, c.VDim)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}

	c.HeadDim = embedDim / numHeads
	c.Scaling = float32(1 / math.Sqrt(float64(c.HeadDim)))
	return c, nil
}

// WithKind selects self- or cross-attention
func WithKind(k AttentionKind) AttentionOption {
	return func(c *AttentionConfig) {
		c.Kind = k
	}
}

// WithDropout sets the attention-probability dropout rate
func WithDropout(p float64) AttentionOption {
	return func(c *AttentionConfig) {
		c.Dropout = p
	}
}

// WithKDim sets the feature size of key inputs (cross-attention only)
func WithKDim(n int) AttentionOption {
	return func(c *AttentionConfig) {
		c.KDim = n
	}
}

// WithVDim sets the feature size of value inputs (cross-attention only)
func WithVDim(n int) AttentionOption {
	return func(c *AttentionConfig) {
		c.VDim = n
	}
}

// WithBias toggles the projection biases
func WithBias(b bool) AttentionOption {
	return func(c *AttentionConfig) {
		c.Bias = b
	}
}

// WithComputeDType sets the activation precision
func WithComputeDType(d DType) AttentionOption {
	return func(c *AttentionConfig) {
		c.ComputeDType = d
	}
}

// WithSeed sets the default dropout seed
func WithSeed(seed uint64) AttentionOption {
	return func(c *AttentionConfig) {
		c.Seed = seed
	}
}

// Attention is multi-head scaled dot-product attention with optional
// incremental state. It holds only immutable parameters, so one instance can
// serve many independent callers at once.
type Attention struct {
	Config *AttentionConfig

	// Weights, applied as x @ W
	QWeight   *Tensor // [embed, embed]
	KWeight   *Tensor // [kdim, embed]
	VWeight   *Tensor // [vdim, embed]
	OutWeight *Tensor // [embed, embed]

	// Biases, nil when Config.Bias is false
	QBias   *Tensor // [embed]
	KBias   *Tensor
	VBias   *Tensor
	OutBias *Tensor
}

// NewAttention allocates parameters and fills them with init
func NewAttention(cfg *AttentionConfig, init WeightInit) *Attention {
	e := cfg.EmbedDim
	a := &Attention{
		Config:    cfg,
		QWeight:   NewTensor(e, e),
		KWeight:   NewTensor(cfg.KDim, e),
		VWeight:   NewTensor(cfg.VDim, e),
		OutWeight: NewTensor(e, e),
	}
	if cfg.Bias {
		a.QBias = NewTensor(e)
		a.KBias = NewTensor(e)
		a.VBias = NewTensor(e)
		a.OutBias = NewTensor(e)
	}
	if init == nil {
		return a
	}
	for _, p := range a.Parameters() {
		init.Init(p.Name, p.Tensor)
	}
	return a
}

// NamedTensor pairs a parameter with its checkpoint name suffix
type NamedTensor struct {
	Name   string
	Tensor *Tensor
}

// Parameters lists the learned tensors using BART-style names
func (a *Attention) Parameters() []NamedTensor {
	params := []NamedTensor{
		{"q_proj.weight", a.QWeight},
		{"k_proj.weight", a.KWeight},
		{"v_proj.weight", a.VWeight},
		{"out_proj.weight", a.OutWeight},
	}
	if a.Config.Bias {
		params = append(params,
			NamedTensor{"q_proj.bias", a.QBias},
			NamedTensor{"k_proj.bias", a.KBias},
			NamedTensor{"v_proj.bias", a.VBias},
			NamedTensor{"out_proj.bias", a.OutBias},
		)
	}
	return params
}

// ComputeOptions are the optional inputs of Compute
type ComputeOptions struct {
	// KeyPaddingMask is [batch, src]; true marks padding. With a cache it may
	// cover only the keys added by this call or the whole cached sequence.
	KeyPaddingMask *PaddingMask

	// AttnBias is added to the logits: [tgt, src] or [heads, tgt, src]
	AttnBias *Tensor

	// Cache is the state of this attention site; mutated in place
	Cache *SiteCache

	// StaticKV reuses the cached keys/values as-is once populated
	StaticKV bool

	NeedWeights bool

	// Training enables dropout
	Training bool
	RNG      *rand.Rand
}

// Output of Compute
type Output struct {
	Context *Tensor // [tgt, batch, embed]
	Weights *Tensor // [batch, heads, tgt, src], nil unless requested
}

// Compute runs attention. query is [tgt, batch, embed]; key and value are
// [src, batch, kdim/vdim] for cross-attention. Self-attention projects keys
// and values from query and must be called with nil key and value. For
// cross-attention key and value may be nil when StaticKV is set and the cache
// is already populated.
//
// The cache is only written once every check has passed, so a call that
// returns an error leaves it as it was.
//
// Every query row must have at least one key it is allowed to attend to; a
// fully masked row produces NaN.
func (a *Attention) Compute(query, key, value *Tensor, opts ComputeOptions) (*Output, error) {
	cfg := a.Config
	if len(query.Shape) != 3 || query.Shape[2] != cfg.EmbedDim {
		return nil, fmt.Errorf("%w: query %v, want [tgt, batch, %d]", ErrShape, query.Shape, cfg.EmbedDim)
	}
	tgtLen, bsz := query.Shape[0], query.Shape[1]

	cache := opts.Cache
	reuse := opts.StaticKV && cache.Populated()
	if opts.StaticKV && cfg.Kind == SelfAttention {
		return nil, fmt.Errorf("%w: static key/value reuse requires cross-attention", ErrInvalidState)
	}
	if cfg.Kind == SelfAttention && (key != nil || value != nil) {
		return nil, fmt.Errorf("%w: self-attention projects key/value from the query; pass nil", ErrInvalidState)
	}

	// 1. query projection, pre-scaled
	q := a.project(query, a.QWeight, a.QBias)
	for i := range q.Data {
		q.Data[i] *= cfg.Scaling
	}
	q = a.splitHeads(cfg.ComputeDType.Round(q), tgtLen, bsz)

	// 2. key/value projection unless the static cache already has them
	var k, v *Tensor
	if !reuse {
		kIn, vIn := key, value
		if cfg.Kind == SelfAttention {
			kIn, vIn = query, query
		}
		if kIn == nil {
			if opts.StaticKV {
				return nil, fmt.Errorf("%w: static key/value requested but cache is empty and no key/value given", ErrInvalidState)
			}
			return nil, fmt.Errorf("%w: cross-attention needs key/value or a populated static cache", ErrInvalidState)
		}
		if vIn == nil {
			vIn = kIn
		}
		if err := a.checkSource(kIn, cfg.KDim, bsz, "key"); err != nil {
			return nil, err
		}
		if err := a.checkSource(vIn, cfg.VDim, bsz, "value"); err != nil {
			return nil, err
		}
		if kIn.Shape[0] != vIn.Shape[0] {
			return nil, fmt.Errorf("%w: key length %d != value length %d", ErrShape, kIn.Shape[0], vIn.Shape[0])
		}

		// 3. [src, batch, embed] -> [batch*heads, src, head_dim]
		srcNew := kIn.Shape[0]
		k = a.splitHeads(cfg.ComputeDType.Round(a.project(kIn, a.KWeight, a.KBias)), srcNew, bsz)
		v = a.splitHeads(cfg.ComputeDType.Round(a.project(vIn, a.VWeight, a.VBias)), srcNew, bsz)
	}

	// 4. incremental state, merged but not yet stored
	padding := opts.KeyPaddingMask
	if cache != nil {
		var err error
		k, v, padding, err = a.mergeCache(cache, k, v, padding, reuse, bsz)
		if err != nil {
			return nil, err
		}
	}

	srcLen := k.Shape[1]
	if srcLen == 0 {
		return nil, fmt.Errorf("%w: no keys to attend to", ErrShape)
	}
	if padding != nil && (padding.Batch != bsz || padding.Len != srcLen) {
		return nil, fmt.Errorf("%w: key padding mask [%d,%d], want [%d,%d]", ErrShape, padding.Batch, padding.Len, bsz, srcLen)
	}
	if err := a.checkBias(opts.AttnBias, tgtLen, srcLen); err != nil {
		return nil, err
	}
	if cache != nil && !reuse {
		a.storeCache(cache, k, v, padding, bsz)
	}

	// 5. logits [batch*heads, tgt, src]
	logits := BatchMatMul(q, k, true)

	// 6-8. bias, padding, softmax, dropout
	probs, weights := a.normalize(logits, opts, padding, bsz, tgtLen, srcLen)

	// 9. context
	ctx := BatchMatMul(probs, v, false)
	merged := cfg.ComputeDType.Round(a.combineHeads(ctx, tgtLen, bsz))
	out := cfg.ComputeDType.Round(a.project(merged, a.OutWeight, a.OutBias))

	// 10. weights
	result := &Output{Context: out}
	if opts.NeedWeights {
		result.Weights = weights.Reshape(bsz, cfg.NumHeads, tgtLen, srcLen)
	}
	return result, nil
}

// Forward runs causal self-attention over x [seq, batch, embed] without a cache
func (a *Attention) Forward(x *Tensor) (*Tensor, error) {
	out, err := a.Compute(x, nil, nil, ComputeOptions{AttnBias: CausalMask(x.Shape[0], x.Shape[0])})
	if err != nil {
		return nil, err
	}
	return out.Context, nil
}

func (a *Attention) checkSource(t *Tensor, dim, bsz int, name string) error {
	if len(t.Shape) != 3 || t.Shape[1] != bsz || t.Shape[2] != dim {
		return fmt.Errorf("%w: %s %v, want [src, %d, %d]", ErrShape, name, t.Shape, bsz, dim)
	}
	return nil
}

func (a *Attention) checkBias(bias *Tensor, tgtLen, srcLen int) error {
	if bias == nil {
		return nil
	}
	switch {
	case len(bias.Shape) == 2 && bias.Shape[0] == tgtLen && bias.Shape[1] == srcLen:
		return nil
	case len(bias.Shape) == 3 && bias.Shape[0] == a.Config.NumHeads && bias.Shape[1] == tgtLen && bias.Shape[2] == srcLen:
		return nil
	}
	return fmt.Errorf("%w: attention bias %v, want [%d %d] or [%d %d %d]", ErrShape, bias.Shape, tgtLen, srcLen, a.Config.NumHeads, tgtLen, srcLen)
}

// mergeCache joins this call's keys/values with the cached ones. On the
// static path the cached tensors are returned untouched. Nothing is written
// to cache; see storeCache.
func (a *Attention) mergeCache(cache *SiteCache, k, v *Tensor, padding *PaddingMask, reuse bool, bsz int) (*Tensor, *Tensor, *PaddingMask, error) {
	cfg := a.Config
	if cache.Populated() {
		if err := cache.check(bsz, cfg.NumHeads, cfg.HeadDim); err != nil {
			return nil, nil, nil, err
		}
	}

	if reuse {
		n := cache.Len()
		k = cache.Key.Reshape(bsz*cfg.NumHeads, n, cfg.HeadDim)
		v = cache.Value.Reshape(bsz*cfg.NumHeads, n, cfg.HeadDim)
		if cache.PaddingMask != nil {
			padding = cache.PaddingMask
		}
		return k, v, padding, nil
	}

	prevLen := cache.Len()
	newLen := k.Shape[1]
	if cache.Populated() {
		k = Concatenate(cache.Key.Reshape(bsz*cfg.NumHeads, prevLen, cfg.HeadDim), k, 1)
		v = Concatenate(cache.Value.Reshape(bsz*cfg.NumHeads, prevLen, cfg.HeadDim), v, 1)
	}
	mask, err := extendPadding(cache.PaddingMask, padding, bsz, prevLen, newLen)
	if err != nil {
		return nil, nil, nil, err
	}
	return k, v, mask, nil
}

// storeCache replaces the cached state with the merged keys/values
// [batch*heads, src, head_dim]
func (a *Attention) storeCache(cache *SiteCache, k, v *Tensor, mask *PaddingMask, bsz int) {
	cfg := a.Config
	total := k.Shape[1]
	cache.Key = k.Reshape(bsz, cfg.NumHeads, total, cfg.HeadDim)
	cache.Value = v.Reshape(bsz, cfg.NumHeads, total, cfg.HeadDim)
	cache.PaddingMask = mask
}

// normalize turns logits into probabilities in place. It returns the
// probabilities used for the context (after dropout) and the pre-dropout
// weights.
func (a *Attention) normalize(logits *Tensor, opts ComputeOptions, padding *PaddingMask, bsz, tgtLen, srcLen int) (*Tensor, *Tensor) {
	heads := a.Config.NumHeads
	bias := opts.AttnBias
	masked := padding.Any()
	scratch := make([]float64, srcLen)

	for bh := 0; bh < bsz*heads; bh++ {
		b, h := bh/heads, bh%heads
		for i := 0; i < tgtLen; i++ {
			row := logits.Data[(bh*tgtLen+i)*srcLen : (bh*tgtLen+i+1)*srcLen]
			if bias != nil {
				off := i * srcLen
				if len(bias.Shape) == 3 {
					off += h * tgtLen * srcLen
				}
				for j := range row {
					row[j] += bias.Data[off+j]
				}
			}
			if masked {
				for j := range row {
					if padding.At(b, j) {
						row[j] = negInf
					}
				}
			}
			SoftmaxRow(row, scratch)
		}
	}

	p := a.Config.Dropout
	if !opts.Training || p == 0 {
		return logits, logits
	}

	rng := opts.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(a.Config.Seed))
	}
	probs := NewTensor(logits.Shape...)
	keep := float32(1 / (1 - p))
	for i, w := range logits.Data {
		if rng.Float64() >= p {
			probs.Data[i] = w * keep
		}
	}
	return probs, logits
}

// project applies x @ W + b to x [seq, batch, in], giving [seq, batch, embed]
func (a *Attention) project(x, weight, bias *Tensor) *Tensor {
	seqLen, bsz, in := x.Shape[0], x.Shape[1], x.Shape[2]
	result := MatMul(x.Reshape(seqLen*bsz, in), weight)
	AddBias(result, bias)
	return result.Reshape(seqLen, bsz, weight.Shape[1])
}

// splitHeads reshapes [seq, batch, embed] into [batch*heads, seq, head_dim]
func (a *Attention) splitHeads(x *Tensor, seqLen, bsz int) *Tensor {
	heads, headDim, embed := a.Config.NumHeads, a.Config.HeadDim, a.Config.EmbedDim
	result := NewTensor(bsz*heads, seqLen, headDim)

	for s := 0; s < seqLen; s++ {
		for b := 0; b < bsz; b++ {
			src := x.Data[(s*bsz+b)*embed:]
			for h := 0; h < heads; h++ {
				dst := result.Data[((b*heads+h)*seqLen+s)*headDim:]
				copy(dst[:headDim], src[h*headDim:(h+1)*headDim])
			}
		}
	}

	return result
}

// combineHeads reshapes [batch*heads, seq, head_dim] back into [seq, batch, embed]
func (a *Attention) combineHeads(x *Tensor, seqLen, bsz int) *Tensor {
	heads, headDim, embed := a.Config.NumHeads, a.Config.HeadDim, a.Config.EmbedDim
	result := NewTensor(seqLen, bsz, embed)

	for b := 0; b < bsz; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seqLen; s++ {
				src := x.Data[((b*heads+h)*seqLen+s)*headDim:]
				dst := result.Data[(s*bsz+b)*embed+h*headDim:]
				copy(dst[:headDim], src[:headDim])
			}
		}
	}

	return result
}

// AverageHeads reduces [batch, heads, tgt, src] weights to [batch, tgt, src]
func AverageHeads(weights *Tensor) *Tensor {
	bsz, heads, tgt, src := weights.Shape[0], weights.Shape[1], weights.Shape[2], weights.Shape[3]
	result := NewTensor(bsz, tgt, src)
	plane := tgt * src
	inv := 1 / float32(heads)

	for b := 0; b < bsz; b++ {
		dst := result.Data[b*plane : (b+1)*plane]
		for h := 0; h < heads; h++ {
			src := weights.Data[(b*heads+h)*plane : (b*heads+h+1)*plane]
			for i, w := range src {
				dst[i] += w * inv
			}
		}
	}
	return result
}
