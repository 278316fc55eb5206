package nn

import (
	"fmt"
	"slices"
)

// Shape is the per-sample shape of an activation: (C, H, W) for feature maps
// and (F) for flat features. The batch dimension is never part of a Shape.
type Shape []int

// Size returns the number of elements described by s.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Tensor is a dense float32 array in row-major order. Activations carry the
// batch as their leading dimension.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, Shape(shape).Size())}
}

// FromData wraps data without copying. It panics if the sizes disagree.
func FromData(data []float32, shape ...int) *Tensor {
	if Shape(shape).Size() != len(data) {
		panic(fmt.Sprintf("nn: shape %v does not match %d elements", shape, len(data)))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// Batch returns the leading dimension.
func (t *Tensor) Batch() int {
	return t.Shape[0]
}

// SampleSize is the number of elements per batch entry.
func (t *Tensor) SampleSize() int {
	return Shape(t.Shape[1:]).Size()
}

// Sample returns the n-th batch entry as a view.
func (t *Tensor) Sample(n int) []float32 {
	size := t.SampleSize()
	return t.Data[n*size : (n+1)*size]
}

// Reshape returns a view of t with a new shape.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	return FromData(t.Data, shape...)
}

// Clone deep-copies t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Zero resets every element.
func (t *Tensor) Zero() {
	clear(t.Data)
}
