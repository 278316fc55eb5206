package nn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
)

// Kind identifies a layer type in serialized architectures.
type Kind string

const (
	KindRescaling Kind = "Rescaling"
	KindConv2D    Kind = "Conv2D"
	KindMaxPool2D Kind = "MaxPooling2D"
	KindBatchNorm Kind = "BatchNormalization"
	KindDropout   Kind = "Dropout"
	KindFlatten   Kind = "Flatten"
	KindDense     Kind = "Dense"
)

// Activation applied at the end of Conv2D and Dense layers.
type Activation string

const (
	Linear Activation = ""
	ReLU   Activation = "relu"
)

// Spec is the serializable description of a layer. Only the fields relevant
// to Kind are set.
type Spec struct {
	Kind       Kind
	Name       string
	Filters    int
	KernelSize int
	PoolSize   int
	Units      int
	Scale      float32
	Rate       float32
	Momentum   float32
	Epsilon    float32
	Activation Activation
}

// Param is a named parameter tensor. Non-trainable params (BatchNorm moving
// statistics) have a nil Grad and are skipped by the optimizer.
type Param struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

// Trainable reports whether the optimizer updates p.
func (p *Param) Trainable() bool {
	return p.Grad != nil
}

// Layer is one stage of a Sequential network. Forward caches whatever
// Backward needs, so calls must alternate Forward then Backward per batch.
type Layer interface {
	Spec() Spec
	// Build allocates parameters for the given per-sample input shape and
	// returns the output shape.
	Build(in Shape, rng *rand.Rand) (Shape, error)
	Forward(x *Tensor, training bool) *Tensor
	Backward(dy *Tensor) *Tensor
	Params() []*Param
}

// FromSpec creates an unbuilt layer from its description.
func FromSpec(s Spec) (Layer, error) {
	switch s.Kind {
	case KindRescaling:
		return NewRescaling(s.Name, s.Scale), nil
	case KindConv2D:
		return NewConv2D(s.Name, s.Filters, s.KernelSize, s.Activation), nil
	case KindMaxPool2D:
		return NewMaxPool2D(s.Name, s.PoolSize), nil
	case KindBatchNorm:
		return NewBatchNorm(s.Name, s.Momentum, s.Epsilon), nil
	case KindDropout:
		return NewDropout(s.Name, s.Rate), nil
	case KindFlatten:
		return NewFlatten(s.Name), nil
	case KindDense:
		return NewDense(s.Name, s.Units, s.Activation), nil
	}
	return nil, fmt.Errorf("nn: unknown layer kind %q", s.Kind)
}

func glorotUniform(rng *rand.Rand, data []float32, fanIn, fanOut int) {
	limit := math32.Sqrt(6 / float32(fanIn+fanOut))
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}
}

func reluMask(y, dy []float32) {
	for i, v := range y {
		if v <= 0 {
			dy[i] = 0
		}
	}
}

func reluInPlace(y []float32) {
	for i, v := range y {
		if v < 0 {
			y[i] = 0
		}
	}
}
