package nn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
)

const (
	DefaultBatchNormMomentum = 0.99
	DefaultBatchNormEpsilon  = 1e-3
)

// BatchNorm normalizes each channel with batch statistics while training and
// with exponential moving averages at inference.
type BatchNorm struct {
	name     string
	momentum float32
	epsilon  float32

	in       Shape
	channels int
	spatial  int

	gamma, beta           *Param
	movingMean, movingVar *Param

	xhat   []float32
	invStd []float32
}

// NewBatchNorm returns an unbuilt layer. Zero momentum or epsilon select the
// defaults.
func NewBatchNorm(name string, momentum, epsilon float32) *BatchNorm {
	if momentum <= 0 {
		momentum = DefaultBatchNormMomentum
	}
	if epsilon <= 0 {
		epsilon = DefaultBatchNormEpsilon
	}
	return &BatchNorm{name: name, momentum: momentum, epsilon: epsilon}
}

func (l *BatchNorm) Spec() Spec {
	return Spec{Kind: KindBatchNorm, Name: l.name, Momentum: l.momentum, Epsilon: l.epsilon}
}

func (l *BatchNorm) Build(in Shape, _ *rand.Rand) (Shape, error) {
	switch len(in) {
	case 1:
		l.channels, l.spatial = in[0], 1
	case 3:
		l.channels, l.spatial = in[0], in[1]*in[2]
	default:
		return nil, fmt.Errorf("%s: unsupported input shape %v", l.name, in)
	}
	l.in = append(Shape(nil), in...)
	c := l.channels
	l.gamma = &Param{Name: l.name + ".gamma", Value: NewTensor(c), Grad: NewTensor(c)}
	l.beta = &Param{Name: l.name + ".beta", Value: NewTensor(c), Grad: NewTensor(c)}
	l.movingMean = &Param{Name: l.name + ".moving_mean", Value: NewTensor(c)}
	l.movingVar = &Param{Name: l.name + ".moving_variance", Value: NewTensor(c)}
	for i := 0; i < c; i++ {
		l.gamma.Value.Data[i] = 1
		l.movingVar.Value.Data[i] = 1
	}
	l.invStd = make([]float32, c)
	return l.in, nil
}

func (l *BatchNorm) Params() []*Param {
	return []*Param{l.gamma, l.beta, l.movingMean, l.movingVar}
}

func (l *BatchNorm) Forward(x *Tensor, training bool) *Tensor {
	n := x.Batch()
	c, s := l.channels, l.spatial
	y := NewTensor(x.Shape...)
	gamma, beta := l.gamma.Value.Data, l.beta.Value.Data

	if !training {
		for ch := 0; ch < c; ch++ {
			inv := 1 / math32.Sqrt(l.movingVar.Value.Data[ch]+l.epsilon)
			mean := l.movingMean.Value.Data[ch]
			for i := 0; i < n; i++ {
				off := (i*c + ch) * s
				for j := off; j < off+s; j++ {
					y.Data[j] = gamma[ch]*(x.Data[j]-mean)*inv + beta[ch]
				}
			}
		}
		return y
	}

	if cap(l.xhat) < len(x.Data) {
		l.xhat = make([]float32, len(x.Data))
	}
	l.xhat = l.xhat[:len(x.Data)]
	m := float32(n * s)
	for ch := 0; ch < c; ch++ {
		var sum float32
		for i := 0; i < n; i++ {
			off := (i*c + ch) * s
			for _, v := range x.Data[off : off+s] {
				sum += v
			}
		}
		mean := sum / m
		var sq float32
		for i := 0; i < n; i++ {
			off := (i*c + ch) * s
			for _, v := range x.Data[off : off+s] {
				d := v - mean
				sq += d * d
			}
		}
		variance := sq / m
		inv := 1 / math32.Sqrt(variance+l.epsilon)
		l.invStd[ch] = inv
		for i := 0; i < n; i++ {
			off := (i*c + ch) * s
			for j := off; j < off+s; j++ {
				xh := (x.Data[j] - mean) * inv
				l.xhat[j] = xh
				y.Data[j] = gamma[ch]*xh + beta[ch]
			}
		}
		mm := l.movingMean.Value.Data
		mv := l.movingVar.Value.Data
		mm[ch] = mm[ch]*l.momentum + mean*(1-l.momentum)
		mv[ch] = mv[ch]*l.momentum + variance*(1-l.momentum)
	}
	return y
}

func (l *BatchNorm) Backward(dy *Tensor) *Tensor {
	n := dy.Batch()
	c, s := l.channels, l.spatial
	m := float32(n * s)
	dx := NewTensor(dy.Shape...)
	gamma := l.gamma.Value.Data

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float32
		for i := 0; i < n; i++ {
			off := (i*c + ch) * s
			for j := off; j < off+s; j++ {
				sumDy += dy.Data[j]
				sumDyXhat += dy.Data[j] * l.xhat[j]
			}
		}
		l.beta.Grad.Data[ch] = sumDy
		l.gamma.Grad.Data[ch] = sumDyXhat

		k := gamma[ch] * l.invStd[ch] / m
		for i := 0; i < n; i++ {
			off := (i*c + ch) * s
			for j := off; j < off+s; j++ {
				dx.Data[j] = k * (m*dy.Data[j] - sumDy - l.xhat[j]*sumDyXhat)
			}
		}
	}
	return dx
}
