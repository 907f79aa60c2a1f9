package tensor

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// WeightInit fills freshly allocated parameters
type WeightInit interface {
	Init(name string, t *Tensor)
}

// ZeroInit leaves parameters at zero; used when weights come from a file
type ZeroInit struct{}

func (ZeroInit) Init(string, *Tensor) {}

// RandomInit draws weights from N(0, Std). Biases are drawn too so that tests
// exercise them. Parameters are filled in construction order, so the same
// seed always gives the same model.
type RandomInit struct {
	dist distuv.Normal
}

// NewRandomInit creates a seeded normal initializer
func NewRandomInit(seed uint64, std float64) *RandomInit {
	return &RandomInit{
		dist: distuv.Normal{Mu: 0, Sigma: std, Src: rand.NewSource(seed)},
	}
}

func (r *RandomInit) Init(_ string, t *Tensor) {
	for i := range t.Data {
		t.Data[i] = float32(r.dist.Rand())
	}
}
