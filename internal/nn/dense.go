package nn

import (
	"fmt"
	"math/rand"
)

// Dense is a fully connected layer. The kernel is stored (in, units), the
// layout ONNX Gemm expects for its B input.
type Dense struct {
	name  string
	units int
	act   Activation

	inSize int
	weight *Param
	bias   *Param

	x *Tensor
	y *Tensor
}

// NewDense returns an unbuilt fully connected layer.
func NewDense(name string, units int, act Activation) *Dense {
	return &Dense{name: name, units: units, act: act}
}

func (l *Dense) Spec() Spec {
	return Spec{Kind: KindDense, Name: l.name, Units: l.units, Activation: l.act}
}

func (l *Dense) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("%s: expected flat input, got %v", l.name, in)
	}
	if l.units <= 0 {
		return nil, fmt.Errorf("%s: units must be > 0", l.name)
	}
	l.inSize = in[0]
	l.weight = &Param{Name: l.name + ".weight", Value: NewTensor(l.inSize, l.units), Grad: NewTensor(l.inSize, l.units)}
	l.bias = &Param{Name: l.name + ".bias", Value: NewTensor(l.units), Grad: NewTensor(l.units)}
	glorotUniform(rng, l.weight.Value.Data, l.inSize, l.units)
	return Shape{l.units}, nil
}

func (l *Dense) Params() []*Param {
	return []*Param{l.weight, l.bias}
}

func (l *Dense) Forward(x *Tensor, training bool) *Tensor {
	n := x.Batch()
	y := NewTensor(n, l.units)
	for i := 0; i < n; i++ {
		copy(y.Sample(i), l.bias.Value.Data)
	}
	gemm(false, false, n, l.units, l.inSize, x.Data, l.weight.Value.Data, 1, y.Data)
	if l.act == ReLU {
		reluInPlace(y.Data)
	}
	l.x, l.y = x, y
	return y
}

func (l *Dense) Backward(dy *Tensor) *Tensor {
	n := dy.Batch()
	dy = dy.Clone()
	if l.act == ReLU {
		reluMask(l.y.Data, dy.Data)
	}

	gemm(true, false, l.inSize, l.units, n, l.x.Data, dy.Data, 0, l.weight.Grad.Data)
	l.bias.Grad.Zero()
	for i := 0; i < n; i++ {
		for j, v := range dy.Sample(i) {
			l.bias.Grad.Data[j] += v
		}
	}

	dx := NewTensor(n, l.inSize)
	gemm(false, true, n, l.inSize, l.units, dy.Data, l.weight.Value.Data, 0, dx.Data)
	return dx
}
