package tensor

import (
	"math"
	"testing"
)

func TestMatMul(t *testing.T) {
	a := &Tensor{Data: []float32{1, 2, 3, 4, 5, 6}, Shape: []int{2, 3}}
	b := &Tensor{Data: []float32{7, 8, 9, 10, 11, 12}, Shape: []int{3, 2}}

	c := MatMul(a, b)
	want := []float32{58, 64, 139, 154}
	if len(c.Shape) != 2 || c.Shape[0] != 2 || c.Shape[1] != 2 {
		t.Fatalf("shape = %v, want [2 2]", c.Shape)
	}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("c[%d] = %v, want %v", i, c.Data[i], want[i])
		}
	}
}

func TestMatMulShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on mismatched inner dimensions")
		}
	}()
	MatMul(NewTensor(2, 3), NewTensor(2, 3))
}

func TestBatchMatMul(t *testing.T) {
	// two batches of [2,2] x [2,2]
	a := &Tensor{Data: []float32{1, 0, 0, 1, 2, 0, 0, 2}, Shape: []int{2, 2, 2}}
	b := &Tensor{Data: []float32{1, 2, 3, 4, 5, 6, 7, 8}, Shape: []int{2, 2, 2}}

	c := BatchMatMul(a, b, false)
	want := []float32{1, 2, 3, 4, 10, 12, 14, 16}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("c[%d] = %v, want %v", i, c.Data[i], want[i])
		}
	}

	// a @ b^T
	ct := BatchMatMul(a, b, true)
	wantT := []float32{1, 3, 2, 4, 10, 14, 12, 16}
	for i := range wantT {
		if ct.Data[i] != wantT[i] {
			t.Errorf("ct[%d] = %v, want %v", i, ct.Data[i], wantT[i])
		}
	}
}

func TestConcatenate(t *testing.T) {
	a := &Tensor{Data: []float32{1, 2, 3, 4}, Shape: []int{2, 1, 2}}
	b := &Tensor{Data: []float32{5, 6, 7, 8, 9, 10, 11, 12}, Shape: []int{2, 2, 2}}

	c := Concatenate(a, b, 1)
	if c.Shape[0] != 2 || c.Shape[1] != 3 || c.Shape[2] != 2 {
		t.Fatalf("shape = %v, want [2 3 2]", c.Shape)
	}
	want := []float32{1, 2, 5, 6, 7, 8, 3, 4, 9, 10, 11, 12}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("c[%d] = %v, want %v", i, c.Data[i], want[i])
		}
	}

	d := Concatenate(a, a, 0)
	if d.Shape[0] != 4 || d.Size() != 8 {
		t.Errorf("dim 0 concat shape = %v", d.Shape)
	}
}

func TestSoftmaxRowSumsToOne(t *testing.T) {
	row := []float32{1000, 1001, 999, negInf}
	SoftmaxRow(row, make([]float64, len(row)))

	var sum float64
	for _, v := range row {
		if v < 0 || math.IsNaN(float64(v)) {
			t.Fatalf("bad probability %v", v)
		}
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("sum = %v, want 1", sum)
	}
	if row[3] != 0 {
		t.Errorf("masked entry = %v, want 0", row[3])
	}
}

func TestLayerNorm(t *testing.T) {
	x := &Tensor{Data: []float32{1, 2, 3, 4, 10, 10, 10, 10}, Shape: []int{2, 4}}
	ln := NewLayerNormLayer(4, 1e-5)
	out := ln.Forward(x)

	for r := 0; r < 2; r++ {
		var mean float64
		for c := 0; c < 4; c++ {
			mean += float64(out.At(r, c))
		}
		if math.Abs(mean/4) > 1e-5 {
			t.Errorf("row %d mean = %v, want 0", r, mean/4)
		}
	}
	if out.At(1, 0) != 0 {
		t.Errorf("constant row should normalise to zero, got %v", out.At(1, 0))
	}
}

func TestLayerNormAffine(t *testing.T) {
	x := &Tensor{Data: []float32{1, 3}, Shape: []int{1, 2}}
	weight := &Tensor{Data: []float32{2, 2}, Shape: []int{2}}
	bias := &Tensor{Data: []float32{5, 5}, Shape: []int{2}}

	out := LayerNorm(x, weight, bias, 0)
	if math.Abs(float64(out.Data[0]-3)) > 1e-6 || math.Abs(float64(out.Data[1]-7)) > 1e-6 {
		t.Errorf("LayerNorm = %v, want [3 7]", out.Data)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic without a bias")
		}
	}()
	LayerNorm(x, weight, nil, 1e-5)
}

func TestReshapeSharesData(t *testing.T) {
	x := NewTensor(2, 3)
	y := x.Reshape(3, 2)
	y.Data[0] = 7
	if x.Data[0] != 7 {
		t.Error("reshape should share the underlying buffer")
	}
	y.Shape[0] = 99
	if x.Shape[0] != 2 {
		t.Error("reshape must not alias the shape slice")
	}
}

func TestFromSlice(t *testing.T) {
	if _, err := FromSlice([]float32{1, 2, 3}, 2, 2); err == nil {
		t.Error("expected error for size mismatch")
	}
	x, err := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if x.At(1, 0) != 3 {
		t.Errorf("At(1,0) = %v, want 3", x.At(1, 0))
	}
}

func TestMaxAbsDiffPropagatesNaN(t *testing.T) {
	a := &Tensor{Data: []float32{1, float32(math.NaN())}, Shape: []int{2}}
	b := &Tensor{Data: []float32{1, 1}, Shape: []int{2}}
	if !math.IsNaN(MaxAbsDiff(a, b)) {
		t.Error("NaN should not compare as close")
	}
	if AllClose(a, b, 1) {
		t.Error("AllClose must fail on NaN")
	}
}

func TestDTypeRound(t *testing.T) {
	for _, tc := range []struct {
		dt   DType
		tol  float64
		name string
	}{
		{F32, 0, "F32"},
		{F16, 1e-3, "F16"},
		{BF16, 1e-2, "BF16"},
	} {
		x := &Tensor{Data: []float32{0.1, -3.14159, 1e-3, 42.4242}, Shape: []int{4}}
		orig := x.Clone()
		tc.dt.Round(x)
		for i := range x.Data {
			rel := math.Abs(float64(x.Data[i]-orig.Data[i])) / math.Abs(float64(orig.Data[i]))
			if rel > tc.tol {
				t.Errorf("%s: %v rounded to %v (rel err %v)", tc.name, orig.Data[i], x.Data[i], rel)
			}
		}
		if tc.dt.String() != tc.name {
			t.Errorf("String() = %q, want %q", tc.dt.String(), tc.name)
		}
		parsed, err := ParseDType(tc.name)
		if err != nil || parsed != tc.dt {
			t.Errorf("ParseDType(%q) = %v, %v", tc.name, parsed, err)
		}
	}

	if _, err := ParseDType("I8"); err == nil {
		t.Error("expected error for unsupported dtype")
	}
}
