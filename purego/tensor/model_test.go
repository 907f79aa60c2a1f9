package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() *Seq2SeqConfig {
	return &Seq2SeqConfig{
		VocabSize:     16,
		Hidden:        8,
		NumHeads:      2,
		FFNDim:        16,
		EncoderLayers: 1,
		DecoderLayers: 2,
		MaxPositions:  32,
		LayerNormEps:  1e-5,
		PadTokenID:    0,
		BOSTokenID:    1,
		EOSTokenID:    2,
	}
}

func newTinyModel(t *testing.T) *Seq2SeqModel {
	t.Helper()
	m, err := NewSeq2SeqModel(tinyConfig(), NewRandomInit(7, 0.2))
	require.NoError(t, err)
	return m
}

func TestSeq2SeqConfigValidate(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumHeads = 3
	_, err := NewSeq2SeqModel(cfg, nil)
	require.ErrorIs(t, err, ErrShape)

	cfg = tinyConfig()
	cfg.EOSTokenID = 16
	_, err = NewSeq2SeqModel(cfg, nil)
	require.Error(t, err)

	require.NoError(t, DefaultSeq2SeqConfig().Validate())
}

func TestEncodePadding(t *testing.T) {
	m := newTinyModel(t)

	alone, err := m.Encode([][]int{{5, 6}})
	require.NoError(t, err)
	assert.Nil(t, alone.Padding)

	batch, err := m.Encode([][]int{{3, 4, 7, 8}, {5, 6}})
	require.NoError(t, err)
	require.NotNil(t, batch.Padding)
	assert.Equal(t, []int{4, 2, 8}, batch.Hidden.Shape)

	// padding must not leak into the real positions of the short source
	for s := 0; s < 2; s++ {
		want := alone.Hidden.Data[s*8 : (s+1)*8]
		got := batch.Hidden.Data[(s*2+1)*8 : (s*2+2)*8]
		if diff := cmp.Diff(want, got, approx(1e-5)); diff != "" {
			t.Errorf("position %d differs when batched with padding:\n%s", s, diff)
		}
	}
}

func TestDecodeStepMatchesDecodeFull(t *testing.T) {
	m := newTinyModel(t)
	enc, err := m.Encode([][]int{{3, 4, 5, 6, 7}, {8, 9}})
	require.NoError(t, err)

	targets := [][]int{{1, 10, 11, 12}, {1, 13, 14, 15}}
	full, err := m.DecodeFull(enc, targets)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 16}, full.Shape)

	cache := m.NewDecoderCache()
	for pos := 0; pos < 4; pos++ {
		logits, err := m.DecodeStep(enc, []int{targets[0][pos], targets[1][pos]}, pos, cache)
		require.NoError(t, err)
		assert.Equal(t, pos+1, cache.SeqLen())

		for b := 0; b < 2; b++ {
			want := full.Data[(pos*2+b)*16 : (pos*2+b+1)*16]
			got := logits.Data[b*16 : (b+1)*16]
			if diff := cmp.Diff(want, got, approx(1e-4)); diff != "" {
				t.Errorf("batch %d position %d (-full +step):\n%s", b, pos, diff)
			}
		}
	}

	for i := range cache.Layers {
		assert.Equal(t, 5, cache.Layers[i].Cross.Len(), "cross cache holds the whole source")
	}
}

func TestDecodePrefillThenStep(t *testing.T) {
	m := newTinyModel(t)
	enc, err := m.Encode([][]int{{3, 4, 5}})
	require.NoError(t, err)

	targets := [][]int{{1, 6, 7, 8}}
	full, err := m.DecodeFull(enc, targets)
	require.NoError(t, err)

	cache := m.NewDecoderCache()
	res, err := m.Decode(enc, [][]int{targets[0][:3]}, 0, cache, true)
	require.NoError(t, err)
	require.Len(t, res.CrossWeights, 2)
	assert.Equal(t, []int{1, 2, 3, 3}, res.CrossWeights[0].Shape)

	logits, err := m.DecodeStep(enc, []int{8}, 3, cache)
	require.NoError(t, err)
	assert.LessOrEqual(t, MaxAbsDiff(full.Slice(3, 4).Reshape(1, 16), logits), 1e-4)
	assert.Equal(t, LastLogits(full, 0), full.Data[3*16:4*16])
}

func TestDecodeErrors(t *testing.T) {
	m := newTinyModel(t)
	enc, err := m.Encode([][]int{{3, 4}})
	require.NoError(t, err)

	_, err = m.DecodeStep(enc, []int{1}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = m.DecodeFull(enc, [][]int{{1}, {1}})
	assert.ErrorIs(t, err, ErrShape)

	_, err = m.DecodeFull(enc, [][]int{{1, 99}})
	assert.Error(t, err)

	_, err = m.Decode(enc, [][]int{{1}}, 32, nil, false)
	assert.ErrorIs(t, err, ErrShape)

	_, err = m.Encode([][]int{{}})
	assert.ErrorIs(t, err, ErrShape)
}

func TestParametersAreUnique(t *testing.T) {
	m := newTinyModel(t)
	seen := map[string]bool{}
	for _, p := range m.Parameters() {
		assert.False(t, seen[p.Name], "duplicate parameter %s", p.Name)
		seen[p.Name] = true
	}
	assert.True(t, seen["decoder.layers.1.encoder_attn.k_proj.weight"])
	assert.True(t, seen["encoder.layers.0.final_layer_norm.bias"])
}

func TestDecodePositionMustMatchCache(t *testing.T) {
	m := newTinyModel(t)
	enc, err := m.Encode([][]int{{3, 4}})
	require.NoError(t, err)

	cache := m.NewDecoderCache()
	_, err = m.DecodeStep(enc, []int{1}, 2, cache)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, cache.SeqLen())

	_, err = m.DecodeStep(enc, []int{1}, 0, cache)
	require.NoError(t, err)
	_, err = m.Decode(enc, [][]int{{5, 6}}, 0, cache, false)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, cache.SeqLen())
}

func TestDecodeErrorRestoresCache(t *testing.T) {
	m := newTinyModel(t)
	enc, err := m.Encode([][]int{{3, 4}})
	require.NoError(t, err)

	// layer 1 holds state of the wrong head size, so layer 0 runs first
	cache := m.NewDecoderCache()
	broken := NewTensor(1, 2, 1, 5)
	cache.Layers[1].Self.Key = broken
	cache.Layers[1].Self.Value = broken

	_, err = m.DecodeStep(enc, []int{1}, 0, cache)
	require.ErrorIs(t, err, ErrShape)
	assert.False(t, cache.Layers[0].Self.Populated())
	assert.False(t, cache.Layers[0].Cross.Populated())
	assert.Same(t, broken, cache.Layers[1].Self.Key)

	// a good step after a failed one starts from position 0
	cache.Layers[1].Self.Reset()
	_, err = m.DecodeStep(enc, []int{1}, 0, cache)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.SeqLen())
	assert.Equal(t, 1, cache.Layers[1].Self.Len())
}
