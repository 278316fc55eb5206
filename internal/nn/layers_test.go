package nn

import (
	"math"
	"math/rand"
	"testing"
)

// checkInputGradient compares Backward against central differences of
// L = sum(Forward(x) * r).
func checkInputGradient(t *testing.T, l Layer, in Shape, batch int, training bool) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	if _, err := l.Build(in, rng); err != nil {
		t.Fatalf("build: %v", err)
	}
	x := NewTensor(append([]int{batch}, in...)...)
	for i := range x.Data {
		x.Data[i] = rng.Float32()*2 - 1
	}
	y := l.Forward(x, training)
	r := NewTensor(y.Shape...)
	for i := range r.Data {
		r.Data[i] = rng.Float32()*2 - 1
	}
	dx := l.Backward(r)

	objective := func() float64 {
		out := l.Forward(x, training)
		var s float64
		for i, v := range out.Data {
			s += float64(v) * float64(r.Data[i])
		}
		return s
	}

	const eps = 1e-2
	for _, i := range sampleIndices(len(x.Data), 24) {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus := objective()
		x.Data[i] = orig - eps
		minus := objective()
		x.Data[i] = orig
		numeric := (plus - minus) / (2 * eps)
		analytic := float64(dx.Data[i])
		if math.Abs(numeric-analytic) > 2e-2+5e-2*math.Abs(numeric) {
			t.Fatalf("dx[%d]: analytic %.5f numeric %.5f", i, analytic, numeric)
		}
	}
}

func sampleIndices(n, count int) []int {
	if n <= count {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, count)
	for i := range out {
		out[i] = i * n / count
	}
	return out
}

func TestConv2DInputGradient(t *testing.T) {
	checkInputGradient(t, NewConv2D("conv", 4, 3, Linear), Shape{2, 5, 5}, 2, true)
}

func TestConv2DWeightGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	l := NewConv2D("conv", 3, 3, Linear)
	if _, err := l.Build(Shape{2, 4, 4}, rng); err != nil {
		t.Fatalf("build: %v", err)
	}
	x := NewTensor(2, 2, 4, 4)
	for i := range x.Data {
		x.Data[i] = rng.Float32()*2 - 1
	}
	y := l.Forward(x, true)
	r := NewTensor(y.Shape...)
	for i := range r.Data {
		r.Data[i] = rng.Float32()*2 - 1
	}
	l.Backward(r)

	w := l.weight.Value.Data
	for _, i := range sampleIndices(len(w), 12) {
		orig := w[i]
		w[i] = orig + 1e-2
		plus := dot(l.Forward(x, true).Data, r.Data)
		w[i] = orig - 1e-2
		minus := dot(l.Forward(x, true).Data, r.Data)
		w[i] = orig
		numeric := (plus - minus) / 2e-2
		analytic := float64(l.weight.Grad.Data[i])
		if math.Abs(numeric-analytic) > 2e-2+5e-2*math.Abs(numeric) {
			t.Fatalf("dW[%d]: analytic %.5f numeric %.5f", i, analytic, numeric)
		}
	}

	var wantBias float64
	for i := 0; i < 2; i++ {
		for _, v := range r.Sample(i)[:16] {
			wantBias += float64(v)
		}
	}
	if math.Abs(wantBias-float64(l.bias.Grad.Data[0])) > 1e-4 {
		t.Fatalf("db[0]=%f want %f", l.bias.Grad.Data[0], wantBias)
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestConv2DSamePaddingKeepsSize(t *testing.T) {
	l := NewConv2D("conv", 16, 3, ReLU)
	out, err := l.Build(Shape{3, 32, 32}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if out[0] != 16 || out[1] != 32 || out[2] != 32 {
		t.Fatalf("unexpected output shape %v", out)
	}
	if _, err := NewConv2D("even", 4, 2, Linear).Build(Shape{1, 4, 4}, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected error for even kernel")
	}
}

func TestDenseInputGradient(t *testing.T) {
	checkInputGradient(t, NewDense("dense", 5, Linear), Shape{7}, 3, true)
}

func TestBatchNormInputGradient(t *testing.T) {
	checkInputGradient(t, NewBatchNorm("bn", 0, 0), Shape{3, 3, 3}, 4, true)
}

func TestBatchNormInferenceUsesMovingStats(t *testing.T) {
	l := NewBatchNorm("bn", 0, 0)
	if _, err := l.Build(Shape{2}, rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("build: %v", err)
	}
	x := FromData([]float32{1, 2, 3, 4}, 2, 2)
	y := l.Forward(x, false)
	inv := 1 / math.Sqrt(1+DefaultBatchNormEpsilon)
	for i, v := range x.Data {
		if math.Abs(float64(y.Data[i])-float64(v)*inv) > 1e-5 {
			t.Fatalf("y[%d]=%f want %f", i, y.Data[i], float64(v)*inv)
		}
	}

	l.Forward(x, true)
	// channel 0 sees 1 and 3: mean 2, variance 1.
	if got := l.movingMean.Value.Data[0]; math.Abs(float64(got)-0.02) > 1e-6 {
		t.Fatalf("moving mean %f want 0.02", got)
	}
	if got := l.movingVar.Value.Data[0]; math.Abs(float64(got)-1) > 1e-6 {
		t.Fatalf("moving variance %f want 1", got)
	}
}

func TestMaxPoolForwardBackward(t *testing.T) {
	l := NewMaxPool2D("pool", 2)
	out, err := l.Build(Shape{1, 4, 4}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if out[1] != 2 || out[2] != 2 {
		t.Fatalf("unexpected output shape %v", out)
	}
	x := FromData([]float32{
		1, 2, 0, 0,
		3, 4, 0, 9,
		0, 0, 5, 0,
		8, 0, 0, 0,
	}, 1, 1, 4, 4)
	y := l.Forward(x, true)
	want := []float32{4, 9, 8, 5}
	for i, v := range want {
		if y.Data[i] != v {
			t.Fatalf("y=%v want %v", y.Data, want)
		}
	}
	dx := l.Backward(FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2))
	if dx.Data[5] != 1 || dx.Data[7] != 2 || dx.Data[12] != 3 || dx.Data[10] != 4 {
		t.Fatalf("unexpected gradient routing %v", dx.Data)
	}
}

func TestDropoutInferenceIsIdentity(t *testing.T) {
	l := NewDropout("drop", 0.5)
	if _, err := l.Build(Shape{4}, rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("build: %v", err)
	}
	x := FromData([]float32{1, 2, 3, 4}, 1, 4)
	if y := l.Forward(x, false); y != x {
		t.Fatal("inference dropout should return its input")
	}
	y := l.Forward(x, true)
	for i, v := range y.Data {
		if v != 0 && v != x.Data[i]*2 {
			t.Fatalf("y[%d]=%f is neither dropped nor rescaled", i, v)
		}
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	l := NewFlatten("flat")
	out, _ := l.Build(Shape{2, 3, 4}, nil)
	if out[0] != 24 {
		t.Fatalf("flatten size %v", out)
	}
	x := NewTensor(2, 2, 3, 4)
	y := l.Forward(x, true)
	if y.Shape[0] != 2 || y.Shape[1] != 24 {
		t.Fatalf("flatten shape %v", y.Shape)
	}
	dx := l.Backward(y)
	if len(dx.Shape) != 4 || dx.Shape[3] != 4 {
		t.Fatalf("unflatten shape %v", dx.Shape)
	}
}

func TestFromSpecRoundTrip(t *testing.T) {
	specs := []Spec{
		{Kind: KindRescaling, Name: "rescale", Scale: 1.0 / 255},
		{Kind: KindConv2D, Name: "conv", Filters: 8, KernelSize: 3, Activation: ReLU},
		{Kind: KindMaxPool2D, Name: "pool", PoolSize: 2},
		{Kind: KindBatchNorm, Name: "bn", Momentum: 0.99, Epsilon: 1e-3},
		{Kind: KindDropout, Name: "drop", Rate: 0.05},
		{Kind: KindFlatten, Name: "flat"},
		{Kind: KindDense, Name: "dense", Units: 10},
	}
	for _, s := range specs {
		l, err := FromSpec(s)
		if err != nil {
			t.Fatalf("FromSpec(%s): %v", s.Kind, err)
		}
		if l.Spec() != s {
			t.Fatalf("spec mismatch: got %+v want %+v", l.Spec(), s)
		}
	}
	if _, err := FromSpec(Spec{Kind: "LSTM"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
