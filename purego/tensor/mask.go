package tensor

import (
	"fmt"
	"math"
)

var negInf = float32(math.Inf(-1))

// PaddingMask marks key positions that must receive zero attention.
// Pad is row-major [Batch, Len]; true means padding.
type PaddingMask struct {
	Batch int
	Len   int
	Pad   []bool
}

// NewPaddingMask returns a mask with no padded positions
func NewPaddingMask(batch, length int) *PaddingMask {
	return &PaddingMask{Batch: batch, Len: length, Pad: make([]bool, batch*length)}
}

// PaddingMaskFromLengths builds a right-padded mask: positions at or beyond
// lengths[b] are padding.
func PaddingMaskFromLengths(lengths []int, maxLen int) (*PaddingMask, error) {
	m := NewPaddingMask(len(lengths), maxLen)
	for b, n := range lengths {
		if n < 0 || n > maxLen {
			return nil, fmt.Errorf("%w: length %d outside [0, %d]", ErrShape, n, maxLen)
		}
		for s := n; s < maxLen; s++ {
			m.Pad[b*maxLen+s] = true
		}
	}
	return m, nil
}

// At reports whether position s of batch element b is padding
func (m *PaddingMask) At(b, s int) bool {
	return m.Pad[b*m.Len+s]
}

// Any reports whether at least one position is padding
func (m *PaddingMask) Any() bool {
	if m == nil {
		return false
	}
	for _, p := range m.Pad {
		if p {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (m *PaddingMask) Clone() *PaddingMask {
	if m == nil {
		return nil
	}
	pad := make([]bool, len(m.Pad))
	copy(pad, m.Pad)
	return &PaddingMask{Batch: m.Batch, Len: m.Len, Pad: pad}
}

// ConcatPadding joins two masks of the same batch along the sequence axis
func ConcatPadding(a, b *PaddingMask) *PaddingMask {
	if a.Batch != b.Batch {
		panic(fmt.Sprintf("cannot concatenate padding masks with batch %d and %d", a.Batch, b.Batch))
	}
	out := NewPaddingMask(a.Batch, a.Len+b.Len)
	for i := 0; i < a.Batch; i++ {
		row := out.Pad[i*out.Len : (i+1)*out.Len]
		copy(row[:a.Len], a.Pad[i*a.Len:(i+1)*a.Len])
		copy(row[a.Len:], b.Pad[i*b.Len:(i+1)*b.Len])
	}
	return out
}

// extendPadding produces the mask covering the full cached key sequence after
// newLen keys were appended to prevLen cached ones. A side that is absent
// contributes "not padding". cur may cover either the new keys only or the
// whole sequence.
func extendPadding(prev, cur *PaddingMask, batch, prevLen, newLen int) (*PaddingMask, error) {
	total := prevLen + newLen
	if prev != nil && (prev.Batch != batch || prev.Len != prevLen) {
		return nil, fmt.Errorf("%w: cached padding mask [%d,%d] does not match cache [%d,%d]", ErrShape, prev.Batch, prev.Len, batch, prevLen)
	}
	if cur != nil && cur.Batch != batch {
		return nil, fmt.Errorf("%w: key padding mask batch %d, want %d", ErrShape, cur.Batch, batch)
	}

	switch {
	case cur != nil && cur.Len == total:
		return cur, nil
	case cur != nil && cur.Len == newLen:
		if prev == nil {
			prev = NewPaddingMask(batch, prevLen)
		}
		return ConcatPadding(prev, cur), nil
	case cur != nil:
		return nil, fmt.Errorf("%w: key padding mask length %d, want %d or %d", ErrShape, cur.Len, newLen, total)
	case prev != nil:
		return ConcatPadding(prev, NewPaddingMask(batch, newLen)), nil
	}
	return nil, nil
}

// CausalMask returns a [tgt, src] additive mask that lets query i see keys
// 0..i+(src-tgt). With src > tgt the leading src-tgt keys are cached history.
func CausalMask(tgt, src int) *Tensor {
	m := NewTensor(tgt, src)
	offset := src - tgt
	for i := 0; i < tgt; i++ {
		for j := i + offset + 1; j < src; j++ {
			m.Data[i*src+j] = negInf
		}
	}
	return m
}
