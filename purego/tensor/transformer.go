package tensor

import "fmt"

// FeedForward implements the position-wise feed-forward network
type FeedForward struct {
	W1     *Tensor // [hidden, ffn_dim]
	B1     *Tensor // [ffn_dim]
	W2     *Tensor // [ffn_dim, hidden]
	B2     *Tensor // [hidden]
	Hidden int
	FFNDim int
}

// NewFeedForward allocates a GELU MLP
func NewFeedForward(hidden, ffnDim int, init WeightInit) *FeedForward {
	ffn := &FeedForward{
		W1:     NewTensor(hidden, ffnDim),
		B1:     NewTensor(ffnDim),
		W2:     NewTensor(ffnDim, hidden),
		B2:     NewTensor(hidden),
		Hidden: hidden,
		FFNDim: ffnDim,
	}
	for _, p := range ffn.Parameters() {
		init.Init(p.Name, p.Tensor)
	}
	return ffn
}

// Parameters lists the learned tensors using BART-style names
func (ffn *FeedForward) Parameters() []NamedTensor {
	return []NamedTensor{
		{"fc1.weight", ffn.W1},
		{"fc1.bias", ffn.B1},
		{"fc2.weight", ffn.W2},
		{"fc2.bias", ffn.B2},
	}
}

// Forward applies the feed-forward network to any [..., hidden] tensor
func (ffn *FeedForward) Forward(x *Tensor) *Tensor {
	rows := x.Size() / ffn.Hidden

	h := MatMul(x.Reshape(rows, ffn.Hidden), ffn.W1)
	AddBias(h, ffn.B1)
	h = GELU(h)

	out := MatMul(h, ffn.W2)
	AddBias(out, ffn.B2)

	return out.Reshape(x.Shape...)
}

// LayerNormLayer wraps layer normalization with parameters
type LayerNormLayer struct {
	Weight *Tensor
	Bias   *Tensor
	Eps    float32
}

// NewLayerNormLayer returns an identity-initialised layer norm
func NewLayerNormLayer(hidden int, eps float32) *LayerNormLayer {
	ln := &LayerNormLayer{Weight: NewTensor(hidden), Bias: NewTensor(hidden), Eps: eps}
	for i := range ln.Weight.Data {
		ln.Weight.Data[i] = 1
	}
	return ln
}

// Parameters lists the learned tensors
func (ln *LayerNormLayer) Parameters() []NamedTensor {
	return []NamedTensor{{"weight", ln.Weight}, {"bias", ln.Bias}}
}

// Forward applies layer normalization
func (ln *LayerNormLayer) Forward(x *Tensor) *Tensor {
	return LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

// EncoderLayer is a post-norm self-attention block
type EncoderLayer struct {
	SelfAttn *Attention
	FFN      *FeedForward
	LN1      *LayerNormLayer
	LN2      *LayerNormLayer
}

// Forward applies the layer to x [seq, batch, hidden]
func (l *EncoderLayer) Forward(x *Tensor, padding *PaddingMask, training bool) (*Tensor, error) {
	out, err := l.SelfAttn.Compute(x, nil, nil, ComputeOptions{KeyPaddingMask: padding, Training: training})
	if err != nil {
		return nil, fmt.Errorf("self attention: %w", err)
	}
	x = l.LN1.Forward(Add(x, out.Context))
	x = l.LN2.Forward(Add(x, l.FFN.Forward(x)))
	return x, nil
}

// Parameters lists the learned tensors with their checkpoint names
func (l *EncoderLayer) Parameters() []NamedTensor {
	var params []NamedTensor
	params = append(params, prefixed("self_attn.", l.SelfAttn.Parameters())...)
	params = append(params, prefixed("self_attn_layer_norm.", l.LN1.Parameters())...)
	params = append(params, l.FFN.Parameters()...)
	params = append(params, prefixed("final_layer_norm.", l.LN2.Parameters())...)
	return params
}

// DecoderLayer is causal self-attention, encoder-decoder attention and a
// feed-forward block, each followed by a residual add and layer norm
type DecoderLayer struct {
	SelfAttn  *Attention
	CrossAttn *Attention
	FFN       *FeedForward
	LN1       *LayerNormLayer
	LN2       *LayerNormLayer
	LN3       *LayerNormLayer
}

// DecoderInputs bundles what a decoder layer reads besides its input
type DecoderInputs struct {
	Encoder        *Tensor      // [src, batch, hidden]
	EncoderPadding *PaddingMask // [batch, src]
	SelfBias       *Tensor      // causal mask for the self-attention
	SelfPadding    *PaddingMask
	Cache          *LayerCache // nil disables incremental decoding
	NeedWeights    bool
	Training       bool
}

// Forward applies the layer to x [tgt, batch, hidden]. It returns the cross
// attention weights when requested.
func (l *DecoderLayer) Forward(x *Tensor, in DecoderInputs) (*Tensor, *Tensor, error) {
	var selfCache, crossCache *SiteCache
	if in.Cache != nil {
		selfCache = in.Cache.Site(SelfAttention)
		crossCache = in.Cache.Site(CrossAttention)
	}

	self, err := l.SelfAttn.Compute(x, nil, nil, ComputeOptions{
		KeyPaddingMask: in.SelfPadding,
		AttnBias:       in.SelfBias,
		Cache:          selfCache,
		Training:       in.Training,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("self attention: %w", err)
	}
	x = l.LN1.Forward(Add(x, self.Context))

	// Once the cross cache is filled the encoder output is no longer read.
	enc := in.Encoder
	if crossCache.Populated() {
		enc = nil
	}
	cross, err := l.CrossAttn.Compute(x, enc, enc, ComputeOptions{
		KeyPaddingMask: in.EncoderPadding,
		Cache:          crossCache,
		StaticKV:       crossCache != nil,
		NeedWeights:    in.NeedWeights,
		Training:       in.Training,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoder-decoder attention: %w", err)
	}
	x = l.LN2.Forward(Add(x, cross.Context))

	x = l.LN3.Forward(Add(x, l.FFN.Forward(x)))
	return x, cross.Weights, nil
}

// Parameters lists the learned tensors with their checkpoint names
func (l *DecoderLayer) Parameters() []NamedTensor {
	var params []NamedTensor
	params = append(params, prefixed("self_attn.", l.SelfAttn.Parameters())...)
	params = append(params, prefixed("self_attn_layer_norm.", l.LN1.Parameters())...)
	params = append(params, prefixed("encoder_attn.", l.CrossAttn.Parameters())...)
	params = append(params, prefixed("encoder_attn_layer_norm.", l.LN2.Parameters())...)
	params = append(params, l.FFN.Parameters()...)
	params = append(params, prefixed("final_layer_norm.", l.LN3.Parameters())...)
	return params
}

func prefixed(prefix string, params []NamedTensor) []NamedTensor {
	out := make([]NamedTensor, len(params))
	for i, p := range params {
		out[i] = NamedTensor{Name: prefix + p.Name, Tensor: p.Tensor}
	}
	return out
}
