package nn

import (
	"fmt"
	"math/rand"
)

// Conv2D is a stride-1 convolution with "same" zero padding. Weights are
// stored as (filters, channels*k*k), the row-major layout of an ONNX Conv
// kernel (M, C, kH, kW).
type Conv2D struct {
	name    string
	filters int
	kernel  int
	act     Activation

	in     Shape
	weight *Param
	bias   *Param

	cols []float32
	y    *Tensor
}

// NewConv2D returns an unbuilt convolution layer with an odd square kernel.
func NewConv2D(name string, filters, kernel int, act Activation) *Conv2D {
	return &Conv2D{name: name, filters: filters, kernel: kernel, act: act}
}

func (l *Conv2D) Spec() Spec {
	return Spec{Kind: KindConv2D, Name: l.name, Filters: l.filters, KernelSize: l.kernel, Activation: l.act}
}

func (l *Conv2D) Build(in Shape, rng *rand.Rand) (Shape, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("%s: expected (C, H, W) input, got %v", l.name, in)
	}
	if l.filters <= 0 {
		return nil, fmt.Errorf("%s: filters must be > 0", l.name)
	}
	if l.kernel <= 0 || l.kernel%2 == 0 {
		return nil, fmt.Errorf("%s: kernel size must be odd (got %d)", l.name, l.kernel)
	}
	l.in = Shape{in[0], in[1], in[2]}
	ckk := in[0] * l.kernel * l.kernel
	l.weight = &Param{Name: l.name + ".weight", Value: NewTensor(l.filters, ckk), Grad: NewTensor(l.filters, ckk)}
	l.bias = &Param{Name: l.name + ".bias", Value: NewTensor(l.filters), Grad: NewTensor(l.filters)}
	glorotUniform(rng, l.weight.Value.Data, ckk, l.filters*l.kernel*l.kernel)
	return Shape{l.filters, in[1], in[2]}, nil
}

func (l *Conv2D) Params() []*Param {
	return []*Param{l.weight, l.bias}
}

func (l *Conv2D) Forward(x *Tensor, training bool) *Tensor {
	n := x.Batch()
	h, w := l.in[1], l.in[2]
	hw := h * w
	ckk := l.in[0] * l.kernel * l.kernel

	if cap(l.cols) < n*ckk*hw {
		l.cols = make([]float32, n*ckk*hw)
	}
	l.cols = l.cols[:n*ckk*hw]

	y := NewTensor(n, l.filters, h, w)
	for i := 0; i < n; i++ {
		cols := l.cols[i*ckk*hw : (i+1)*ckk*hw]
		im2col(x.Sample(i), l.in, l.kernel, cols)
		out := y.Sample(i)
		for f := 0; f < l.filters; f++ {
			b := l.bias.Value.Data[f]
			row := out[f*hw : (f+1)*hw]
			for j := range row {
				row[j] = b
			}
		}
		gemm(false, false, l.filters, hw, ckk, l.weight.Value.Data, cols, 1, out)
	}
	if l.act == ReLU {
		reluInPlace(y.Data)
	}
	l.y = y
	return y
}

func (l *Conv2D) Backward(dy *Tensor) *Tensor {
	n := dy.Batch()
	h, w := l.in[1], l.in[2]
	hw := h * w
	ckk := l.in[0] * l.kernel * l.kernel

	dy = dy.Clone()
	if l.act == ReLU {
		reluMask(l.y.Data, dy.Data)
	}

	l.weight.Grad.Zero()
	l.bias.Grad.Zero()
	dx := NewTensor(append([]int{n}, l.in...)...)
	dcols := make([]float32, ckk*hw)
	for i := 0; i < n; i++ {
		g := dy.Sample(i)
		cols := l.cols[i*ckk*hw : (i+1)*ckk*hw]
		gemm(false, true, l.filters, ckk, hw, g, cols, 1, l.weight.Grad.Data)
		for f := 0; f < l.filters; f++ {
			var s float32
			for _, v := range g[f*hw : (f+1)*hw] {
				s += v
			}
			l.bias.Grad.Data[f] += s
		}
		gemm(true, false, ckk, hw, l.filters, l.weight.Value.Data, g, 0, dcols)
		col2im(dcols, l.in, l.kernel, dx.Sample(i))
	}
	return dx
}

// im2col lays out every kernel window of a (C, H, W) image as a column of a
// (C*k*k, H*W) matrix, zero-filling positions outside the image.
func im2col(img []float32, in Shape, k int, cols []float32) {
	c, h, w := in[0], in[1], in[2]
	pad := (k - 1) / 2
	hw := h * w
	for ch := 0; ch < c; ch++ {
		plane := img[ch*hw : (ch+1)*hw]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := cols[((ch*k+ki)*k+kj)*hw:][:hw]
				for y := 0; y < h; y++ {
					iy := y + ki - pad
					for x := 0; x < w; x++ {
						ix := x + kj - pad
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[y*w+x] = 0
							continue
						}
						row[y*w+x] = plane[iy*w+ix]
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatter-adds columns back into img.
func col2im(cols []float32, in Shape, k int, img []float32) {
	c, h, w := in[0], in[1], in[2]
	pad := (k - 1) / 2
	hw := h * w
	for ch := 0; ch < c; ch++ {
		plane := img[ch*hw : (ch+1)*hw]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := cols[((ch*k+ki)*k+kj)*hw:][:hw]
				for y := 0; y < h; y++ {
					iy := y + ki - pad
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						ix := x + kj - pad
						if ix < 0 || ix >= w {
							continue
						}
						plane[iy*w+ix] += row[y*w+x]
					}
				}
			}
		}
	}
}
