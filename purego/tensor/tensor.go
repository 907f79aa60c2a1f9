package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// Tensor represents a dense row-major multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a new zero-filled tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Data:  make([]float32, size),
		Shape: s,
	}
}

// FromSlice wraps data in a tensor of the given shape without copying
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		size *= dim
	}
	if size != len(data) {
		return nil, fmt.Errorf("%w: %d values do not fill shape %v", ErrShape, len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Data: data, Shape: s}, nil
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	result := NewTensor(t.Shape...)
	copy(result.Data, t.Data)
	return result
}

// SameShape reports whether both tensors have identical shapes
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	idx := t.flatIndex(indices)
	return t.Data[idx]
}

// Set sets element at given indices
func (t *Tensor) Set(val float32, indices ...int) {
	idx := t.flatIndex(indices)
	t.Data[idx] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := NewTensor(m, n)
	if m == 0 || n == 0 || k == 0 {
		return result
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a.Data, m, k), general(b.Data, k, n), 0, general(result.Data, m, n))
	return result
}

// BatchMatMul multiplies matching matrices of two 3D tensors.
// [batch,m,k] x [batch,k,n] -> [batch,m,n], or with transB
// [batch,m,k] x [batch,n,k]^T -> [batch,m,n].
func BatchMatMul(a, b *Tensor, transB bool) *Tensor {
	if len(a.Shape) != 3 || len(b.Shape) != 3 || a.Shape[0] != b.Shape[0] {
		panic(fmt.Sprintf("BatchMatMul requires 3D tensors with equal batch: %v x %v", a.Shape, b.Shape))
	}

	batch, m, k := a.Shape[0], a.Shape[1], a.Shape[2]
	var n int
	tB := blas.NoTrans
	if transB {
		if b.Shape[2] != k {
			panic(fmt.Sprintf("incompatible shapes: %v x %v^T", a.Shape, b.Shape))
		}
		n = b.Shape[1]
		tB = blas.Trans
	} else {
		if b.Shape[1] != k {
			panic(fmt.Sprintf("incompatible shapes: %v x %v", a.Shape, b.Shape))
		}
		n = b.Shape[2]
	}

	result := NewTensor(batch, m, n)
	if m == 0 || n == 0 || k == 0 {
		return result
	}

	bRows, bCols := k, n
	if transB {
		bRows, bCols = n, k
	}
	for i := 0; i < batch; i++ {
		av := general(a.Data[i*m*k:(i+1)*m*k], m, k)
		bv := general(b.Data[i*bRows*bCols:(i+1)*bRows*bCols], bRows, bCols)
		cv := general(result.Data[i*m*n:(i+1)*m*n], m, n)
		blas32.Gemm(blas.NoTrans, tB, 1, av, bv, 0, cv)
	}
	return result
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// AddBias adds a [n] bias to every row of a tensor whose last dimension is n
func AddBias(t, bias *Tensor) {
	if bias == nil {
		return
	}
	n := len(bias.Data)
	if t.Shape[len(t.Shape)-1] != n {
		panic(fmt.Sprintf("bias of size %d does not match last dimension of %v", n, t.Shape))
	}
	for off := 0; off < len(t.Data); off += n {
		row := t.Data[off : off+n]
		for j, b := range bias.Data {
			row[j] += b
		}
	}
}

// SoftmaxRow normalizes a row in place. Accumulation happens in float64 no
// matter how the logits were produced. A row of all -Inf yields NaN.
func SoftmaxRow(row []float32, scratch []float64) {
	scratch = scratch[:len(row)]
	for i, v := range row {
		scratch[i] = float64(v)
	}
	maxVal := floats.Max(scratch)
	for i := range scratch {
		scratch[i] = math.Exp(scratch[i] - maxVal)
	}
	floats.Scale(1/floats.Sum(scratch), scratch)
	for i, v := range scratch {
		row[i] = float32(v)
	}
}

// GELU activation function
func GELU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
		x3 := x * x * x
		inner := math.Sqrt(2.0/math.Pi) * float64(x+0.044715*x3)
		result.Data[i] = 0.5 * x * (1.0 + float32(math.Tanh(inner)))
	}
	return result
}

// LayerNorm applies layer normalization over the last dimension. weight and
// bias are both required.
func LayerNorm(t *Tensor, weight, bias *Tensor, eps float32) *Tensor {
	hiddenSize := t.Shape[len(t.Shape)-1]
	if weight == nil || bias == nil || len(weight.Data) != hiddenSize || len(bias.Data) != hiddenSize {
		panic(fmt.Sprintf("LayerNorm needs weight and bias of size %d", hiddenSize))
	}

	result := NewTensor(t.Shape...)
	totalRows := t.Size() / hiddenSize

	for i := 0; i < totalRows; i++ {
		offset := i * hiddenSize

		mean := float32(0)
		for j := 0; j < hiddenSize; j++ {
			mean += t.Data[offset+j]
		}
		mean /= float32(hiddenSize)

		variance := float32(0)
		for j := 0; j < hiddenSize; j++ {
			diff := t.Data[offset+j] - mean
			variance += diff * diff
		}
		variance /= float32(hiddenSize)

		std := float32(math.Sqrt(float64(variance + eps)))
		for j := 0; j < hiddenSize; j++ {
			normalized := (t.Data[offset+j] - mean) / std
			result.Data[offset+j] = normalized*weight.Data[j] + bias.Data[j]
		}
	}

	return result
}

// Concatenate concatenates two tensors of equal rank along dim. All other
// dimensions must match.
func Concatenate(t1, t2 *Tensor, dim int) *Tensor {
	if len(t1.Shape) != len(t2.Shape) || dim < 0 || dim >= len(t1.Shape) {
		panic(fmt.Sprintf("cannot concatenate %v and %v along dim %d", t1.Shape, t2.Shape, dim))
	}
	for i := range t1.Shape {
		if i != dim && t1.Shape[i] != t2.Shape[i] {
			panic(fmt.Sprintf("cannot concatenate %v and %v along dim %d", t1.Shape, t2.Shape, dim))
		}
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t1.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(t1.Shape); i++ {
		inner *= t1.Shape[i]
	}

	shape := make([]int, len(t1.Shape))
	copy(shape, t1.Shape)
	shape[dim] = t1.Shape[dim] + t2.Shape[dim]
	result := NewTensor(shape...)

	n1 := t1.Shape[dim] * inner
	n2 := t2.Shape[dim] * inner
	for o := 0; o < outer; o++ {
		dst := result.Data[o*(n1+n2):]
		copy(dst[:n1], t1.Data[o*n1:(o+1)*n1])
		copy(dst[n1:n1+n2], t2.Data[o*n2:(o+1)*n2])
	}

	return result
}

// Reshape returns a new tensor with different shape (same data)
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", newSize, t.Size()))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Data:  t.Data,
		Shape: s,
	}
}

// Slice extracts a slice along first dimension (shares data)
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
	}
}

// MaxAbsDiff returns the largest element-wise absolute difference
func MaxAbsDiff(a, b *Tensor) float64 {
	if len(a.Data) != len(b.Data) {
		return math.Inf(1)
	}
	var worst float64
	for i := range a.Data {
		d := math.Abs(float64(a.Data[i]) - float64(b.Data[i]))
		if d > worst || math.IsNaN(d) {
			worst = d
		}
	}
	return worst
}

// AllClose reports whether both tensors share a shape and agree within tol
func AllClose(a, b *Tensor, tol float64) bool {
	return a.SameShape(b) && MaxAbsDiff(a, b) <= tol
}
