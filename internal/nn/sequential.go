package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

// Sequential chains layers so that each consumes the previous output.
type Sequential struct {
	Layers []Layer

	input  Shape
	output Shape
	built  bool
}

// NewSequential wraps layers without building them.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

// Build allocates every layer's parameters for the per-sample input shape.
// Initialization draws from rng in layer order.
func (s *Sequential) Build(in Shape, rng *rand.Rand) error {
	if len(s.Layers) == 0 {
		return errors.New("nn: sequential model has no layers")
	}
	shape := append(Shape(nil), in...)
	for i, l := range s.Layers {
		out, err := l.Build(shape, rng)
		if err != nil {
			return fmt.Errorf("build layer %d: %w", i, err)
		}
		shape = out
	}
	s.input = append(Shape(nil), in...)
	s.output = shape
	s.built = true
	return nil
}

// InputShape is the per-sample shape the model was built for.
func (s *Sequential) InputShape() Shape { return s.input }

// OutputShape is the per-sample shape of the final layer.
func (s *Sequential) OutputShape() Shape { return s.output }

// Built reports whether Build succeeded.
func (s *Sequential) Built() bool { return s.built }

// CheckInput verifies x is a batch of the per-sample shape the model was
// built for.
func (s *Sequential) CheckInput(x *Tensor) error {
	if !s.built {
		return errors.New("nn: sequential model is not built")
	}
	if len(x.Shape) != len(s.input)+1 || !slices.Equal(x.Shape[1:], []int(s.input)) {
		return fmt.Errorf("nn: input shape %v does not match model input (N, %v)", x.Shape, []int(s.input))
	}
	if len(x.Data) != x.Batch()*s.input.Size() {
		return fmt.Errorf("nn: input has %d values for shape %v", len(x.Data), x.Shape)
	}
	return nil
}

// Forward runs x of shape (N, input...) through every layer.
func (s *Sequential) Forward(x *Tensor, training bool) (*Tensor, error) {
	if err := s.CheckInput(x); err != nil {
		return nil, err
	}
	for _, l := range s.Layers {
		x = l.Forward(x, training)
	}
	return x, nil
}

// Backward propagates the output gradient and fills every parameter Grad.
func (s *Sequential) Backward(dy *Tensor) *Tensor {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		dy = s.Layers[i].Backward(dy)
	}
	return dy
}

// Params lists all parameters in layer order.
func (s *Sequential) Params() []*Param {
	var out []*Param
	for _, l := range s.Layers {
		out = append(out, l.Params()...)
	}
	return out
}

// Specs describes the architecture.
func (s *Sequential) Specs() []Spec {
	specs := make([]Spec, len(s.Layers))
	for i, l := range s.Layers {
		specs[i] = l.Spec()
	}
	return specs
}

// CountParams returns the number of trainable and non-trainable scalars.
func (s *Sequential) CountParams() (trainable, fixed int) {
	for _, p := range s.Params() {
		if p.Trainable() {
			trainable += len(p.Value.Data)
		} else {
			fixed += len(p.Value.Data)
		}
	}
	return trainable, fixed
}
