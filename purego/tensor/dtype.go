package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the precision intermediate activations are held in. Values are
// always stored as float32; lower precisions are emulated by rounding.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ParseDType accepts the safetensors spelling (F32, F16, BF16), case-insensitively
func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(s) {
	case "F32", "FLOAT32":
		return F32, nil
	case "F16", "FLOAT16":
		return F16, nil
	case "BF16", "BFLOAT16":
		return BF16, nil
	}
	return F32, fmt.Errorf("unknown dtype %q", s)
}

// ByteSize is the on-disk width of one element
func (d DType) ByteSize() int {
	if d == F32 {
		return 4
	}
	return 2
}

// Round rounds every element of t in place to the precision of d
func (d DType) Round(t *Tensor) *Tensor {
	if t == nil {
		return nil
	}
	switch d {
	case F16:
		for i, v := range t.Data {
			t.Data[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		copy(t.Data, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(t.Data)))
	}
	return t
}
