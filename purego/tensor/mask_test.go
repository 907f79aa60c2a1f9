package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCausalMask(t *testing.T) {
	m := CausalMask(3, 3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if j > i {
				assert.Equal(t, negInf, m.At(i, j), "(%d,%d)", i, j)
			} else {
				assert.Zero(t, m.At(i, j), "(%d,%d)", i, j)
			}
		}
	}

	// two new queries after three cached keys
	m = CausalMask(2, 5)
	assert.Zero(t, m.At(0, 3))
	assert.Equal(t, negInf, m.At(0, 4))
	assert.Zero(t, m.At(1, 4))
}

func TestPaddingMaskFromLengths(t *testing.T) {
	m, err := PaddingMaskFromLengths([]int{3, 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false, false, true, true}, m.Pad)
	assert.True(t, m.Any())

	m, err = PaddingMaskFromLengths([]int{2, 2}, 2)
	require.NoError(t, err)
	assert.False(t, m.Any())

	_, err = PaddingMaskFromLengths([]int{4}, 3)
	assert.ErrorIs(t, err, ErrShape)

	var nilMask *PaddingMask
	assert.False(t, nilMask.Any())
	assert.Nil(t, nilMask.Clone())
}

func TestExtendPadding(t *testing.T) {
	prev := &PaddingMask{Batch: 2, Len: 2, Pad: []bool{true, false, false, false}}
	newOnly := &PaddingMask{Batch: 2, Len: 1, Pad: []bool{false, true}}
	full := &PaddingMask{Batch: 2, Len: 3, Pad: []bool{false, false, true, true, false, false}}

	cases := []struct {
		name      string
		prev, cur *PaddingMask
		prevLen   int
		want      []bool
	}{
		{"Neither", nil, nil, 2, nil},
		{"PrevOnly", prev, nil, 2, []bool{true, false, false, false, false, false}},
		{"CurNewOnly", nil, newOnly, 2, []bool{false, false, false, false, false, true}},
		{"BothNewOnly", prev, newOnly, 2, []bool{true, false, false, false, false, true}},
		{"CurFull", prev, full, 2, full.Pad},
		{"EmptyCache", nil, newOnly, 0, newOnly.Pad},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			prev := tt.prev
			if tt.prevLen == 0 {
				prev = nil
			}
			got, err := extendPadding(prev, tt.cur, 2, tt.prevLen, 1)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.prevLen+1, got.Len)
			assert.Equal(t, tt.want, got.Pad)
		})
	}
}

func TestExtendPaddingErrors(t *testing.T) {
	prev := NewPaddingMask(2, 2)

	_, err := extendPadding(prev, nil, 2, 3, 1)
	assert.ErrorIs(t, err, ErrShape, "cached mask shorter than cache")

	_, err = extendPadding(nil, NewPaddingMask(1, 1), 2, 2, 1)
	assert.ErrorIs(t, err, ErrShape, "batch mismatch")

	_, err = extendPadding(prev, NewPaddingMask(2, 2), 2, 2, 1)
	assert.ErrorIs(t, err, ErrShape, "length covers neither new nor all keys")
}
