package nn

import (
	"fmt"
	"math/rand"
)

// MaxPool2D takes the maximum over non-overlapping size x size windows.
// Trailing rows and columns that do not fill a window are dropped.
type MaxPool2D struct {
	name string
	size int

	in     Shape
	out    Shape
	argmax []int32
}

// NewMaxPool2D returns a pooling layer with stride equal to size.
func NewMaxPool2D(name string, size int) *MaxPool2D {
	return &MaxPool2D{name: name, size: size}
}

func (l *MaxPool2D) Spec() Spec {
	return Spec{Kind: KindMaxPool2D, Name: l.name, PoolSize: l.size}
}

func (l *MaxPool2D) Build(in Shape, _ *rand.Rand) (Shape, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("%s: expected (C, H, W) input, got %v", l.name, in)
	}
	if l.size <= 0 {
		return nil, fmt.Errorf("%s: pool size must be > 0", l.name)
	}
	oh, ow := in[1]/l.size, in[2]/l.size
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("%s: input %v smaller than pool size %d", l.name, in, l.size)
	}
	l.in = Shape{in[0], in[1], in[2]}
	l.out = Shape{in[0], oh, ow}
	return l.out, nil
}

func (l *MaxPool2D) Params() []*Param {
	return nil
}

func (l *MaxPool2D) Forward(x *Tensor, training bool) *Tensor {
	n := x.Batch()
	c, h, w := l.in[0], l.in[1], l.in[2]
	oh, ow := l.out[1], l.out[2]

	y := NewTensor(n, c, oh, ow)
	if cap(l.argmax) < len(y.Data) {
		l.argmax = make([]int32, len(y.Data))
	}
	l.argmax = l.argmax[:len(y.Data)]

	o := 0
	for i := 0; i < n; i++ {
		src := x.Sample(i)
		for ch := 0; ch < c; ch++ {
			plane := ch * h * w
			for py := 0; py < oh; py++ {
				for px := 0; px < ow; px++ {
					best := plane + py*l.size*w + px*l.size
					for dy := 0; dy < l.size; dy++ {
						for dx := 0; dx < l.size; dx++ {
							idx := plane + (py*l.size+dy)*w + px*l.size + dx
							if src[idx] > src[best] {
								best = idx
							}
						}
					}
					y.Data[o] = src[best]
					l.argmax[o] = int32(best)
					o++
				}
			}
		}
	}
	return y
}

func (l *MaxPool2D) Backward(dy *Tensor) *Tensor {
	n := dy.Batch()
	dx := NewTensor(append([]int{n}, l.in...)...)
	per := l.out.Size()
	for i := 0; i < n; i++ {
		dst := dx.Sample(i)
		g := dy.Sample(i)
		arg := l.argmax[i*per : (i+1)*per]
		for j, v := range g {
			dst[arg[j]] += v
		}
	}
	return dx
}
