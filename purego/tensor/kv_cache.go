package tensor

import "fmt"

// SiteCache is the incremental state of one attention site (one layer's
// self- or cross-attention). Key and Value are [batch, heads, seq, head_dim].
//
// A SiteCache belongs to exactly one decoding loop; Attention.Compute mutates
// it in place and no locking is done.
type SiteCache struct {
	Key         *Tensor
	Value       *Tensor
	PaddingMask *PaddingMask
}

// Populated reports whether keys and values have been stored
func (c *SiteCache) Populated() bool {
	return c != nil && c.Key != nil && c.Value != nil
}

// Len returns the cached sequence length
func (c *SiteCache) Len() int {
	if !c.Populated() {
		return 0
	}
	return c.Key.Shape[2]
}

// Reset drops all cached state
func (c *SiteCache) Reset() {
	c.Key = nil
	c.Value = nil
	c.PaddingMask = nil
}

// Clone returns a deep copy
func (c *SiteCache) Clone() *SiteCache {
	return &SiteCache{
		Key:         c.Key.Clone(),
		Value:       c.Value.Clone(),
		PaddingMask: c.PaddingMask.Clone(),
	}
}

func (c *SiteCache) check(batch, heads, headDim int) error {
	for _, t := range []*Tensor{c.Key, c.Value} {
		if len(t.Shape) != 4 || t.Shape[0] != batch || t.Shape[1] != heads || t.Shape[3] != headDim {
			return fmt.Errorf("%w: cached tensor %v, want [%d %d * %d]", ErrShape, t.Shape, batch, heads, headDim)
		}
	}
	if c.Key.Shape[2] != c.Value.Shape[2] {
		return fmt.Errorf("%w: cached key length %d != value length %d", ErrShape, c.Key.Shape[2], c.Value.Shape[2])
	}
	return nil
}

// LayerCache holds both attention sites of one decoder layer. The two sites
// are separate fields so their state can never be confused.
type LayerCache struct {
	Self  SiteCache
	Cross SiteCache
}

// Site returns the cache for the given kind of attention
func (l *LayerCache) Site(kind AttentionKind) *SiteCache {
	if kind == CrossAttention {
		return &l.Cross
	}
	return &l.Self
}

// DecoderCache stores per-layer incremental state for one generation request
type DecoderCache struct {
	Layers []LayerCache
}

// NewDecoderCache creates an empty cache for numLayers decoder layers
func NewDecoderCache(numLayers int) *DecoderCache {
	return &DecoderCache{
		Layers: make([]LayerCache, numLayers),
	}
}

// Layer returns the cache of a specific layer, or nil when out of range
func (kv *DecoderCache) Layer(layerIdx int) *LayerCache {
	if layerIdx < 0 || layerIdx >= len(kv.Layers) {
		return nil
	}
	return &kv.Layers[layerIdx]
}

// SeqLen returns how many decoder positions the self-attention caches hold
func (kv *DecoderCache) SeqLen() int {
	if len(kv.Layers) == 0 {
		return 0
	}
	return kv.Layers[0].Self.Len()
}

// Clear resets every layer, e.g. before a new sequence begins
func (kv *DecoderCache) Clear() {
	for i := range kv.Layers {
		kv.Layers[i].Self.Reset()
		kv.Layers[i].Cross.Reset()
	}
}
