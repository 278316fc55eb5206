package nn

import "github.com/chewxy/math32"

// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

// DefaultAdamConfig returns lr 1e-3, betas 0.9 and 0.999, epsilon 1e-7.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Adam keeps first and second moment estimates per trainable parameter.
type Adam struct {
	cfg    AdamConfig
	params []*Param
	m, v   [][]float32
	step   int
}

// NewAdam tracks the trainable subset of params.
func NewAdam(cfg AdamConfig, params []*Param) *Adam {
	a := &Adam{cfg: cfg}
	for _, p := range params {
		if !p.Trainable() {
			continue
		}
		a.params = append(a.params, p)
		a.m = append(a.m, make([]float32, len(p.Value.Data)))
		a.v = append(a.v, make([]float32, len(p.Value.Data)))
	}
	return a
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }

// Step applies one update from the current gradients.
func (a *Adam) Step() {
	a.step++
	t := float32(a.step)
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	lr := a.cfg.LearningRate * math32.Sqrt(1-math32.Pow(b2, t)) / (1 - math32.Pow(b1, t))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		w, g := p.Value.Data, p.Grad.Data
		for j := range w {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			w[j] -= lr * m[j] / (math32.Sqrt(v[j]) + a.cfg.Epsilon)
		}
	}
}
