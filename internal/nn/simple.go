package nn

import (
	"fmt"
	"math/rand"
)

// Rescaling multiplies every input by a constant.
type Rescaling struct {
	name  string
	scale float32
	in    Shape
}

func NewRescaling(name string, scale float32) *Rescaling {
	return &Rescaling{name: name, scale: scale}
}

func (l *Rescaling) Spec() Spec {
	return Spec{Kind: KindRescaling, Name: l.name, Scale: l.scale}
}

func (l *Rescaling) Build(in Shape, _ *rand.Rand) (Shape, error) {
	l.in = append(Shape(nil), in...)
	return l.in, nil
}

func (l *Rescaling) Params() []*Param { return nil }

func (l *Rescaling) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = v * l.scale
	}
	return y
}

func (l *Rescaling) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.Shape...)
	for i, v := range dy.Data {
		dx.Data[i] = v * l.scale
	}
	return dx
}

// Dropout zeroes inputs with probability rate while training and scales the
// survivors by 1/(1-rate). It is the identity at inference.
type Dropout struct {
	name string
	rate float32
	rng  *rand.Rand
	mask []float32
}

func NewDropout(name string, rate float32) *Dropout {
	return &Dropout{name: name, rate: rate}
}

func (l *Dropout) Spec() Spec {
	return Spec{Kind: KindDropout, Name: l.name, Rate: l.rate}
}

func (l *Dropout) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if l.rate < 0 || l.rate >= 1 {
		return nil, fmt.Errorf("%s: rate must be in [0, 1) (got %g)", l.name, l.rate)
	}
	// Masks draw from their own stream.
	l.rng = rand.New(rand.NewSource(rng.Int63()))
	return append(Shape(nil), in...), nil
}

func (l *Dropout) Params() []*Param { return nil }

func (l *Dropout) Forward(x *Tensor, training bool) *Tensor {
	if !training || l.rate == 0 {
		l.mask = nil
		return x
	}
	if cap(l.mask) < len(x.Data) {
		l.mask = make([]float32, len(x.Data))
	}
	l.mask = l.mask[:len(x.Data)]
	keep := 1 / (1 - l.rate)
	y := NewTensor(x.Shape...)
	for i, v := range x.Data {
		if l.rng.Float32() < l.rate {
			l.mask[i] = 0
			continue
		}
		l.mask[i] = keep
		y.Data[i] = v * keep
	}
	return y
}

func (l *Dropout) Backward(dy *Tensor) *Tensor {
	if l.mask == nil {
		return dy
	}
	dx := NewTensor(dy.Shape...)
	for i, v := range dy.Data {
		dx.Data[i] = v * l.mask[i]
	}
	return dx
}

// Flatten collapses a (C, H, W) sample into a vector in channel-major order.
type Flatten struct {
	name string
	in   Shape
}

func NewFlatten(name string) *Flatten {
	return &Flatten{name: name}
}

func (l *Flatten) Spec() Spec {
	return Spec{Kind: KindFlatten, Name: l.name}
}

func (l *Flatten) Build(in Shape, _ *rand.Rand) (Shape, error) {
	l.in = append(Shape(nil), in...)
	return Shape{in.Size()}, nil
}

func (l *Flatten) Params() []*Param { return nil }

func (l *Flatten) Forward(x *Tensor, training bool) *Tensor {
	return x.Reshape(x.Batch(), l.in.Size())
}

func (l *Flatten) Backward(dy *Tensor) *Tensor {
	return dy.Reshape(append([]int{dy.Batch()}, l.in...)...)
}
