package model

import (
	"errors"
	"fmt"
	"math/rand"

	"icon-trainer/internal/nn"
)

// Architecture holds the hyperparameters of the icon classifier network.
type Architecture struct {
	Channels    int
	ImageSize   int
	NumClasses  int
	ConvFilters []int
	KernelSize  int
	PoolSize    int
	DenseUnits  int
	Dropout     float32
}

// DefaultArchitecture returns three conv blocks of 16, 32 and 64 filters, a
// 128 unit hidden layer and one logit per class.
func DefaultArchitecture(channels, imageSize, numClasses int, dropout float32) Architecture {
	return Architecture{
		Channels:    channels,
		ImageSize:   imageSize,
		NumClasses:  numClasses,
		ConvFilters: []int{16, 32, 64},
		KernelSize:  3,
		PoolSize:    2,
		DenseUnits:  128,
		Dropout:     dropout,
	}
}

// InputShape is the per-sample CHW input shape.
func (a Architecture) InputShape() nn.Shape {
	return nn.Shape{a.Channels, a.ImageSize, a.ImageSize}
}

// Layers lays out the network: rescaling, one conv/pool/batchnorm block per
// filter width, dropout, flatten, a hidden ReLU layer and raw logits.
func (a Architecture) Layers() []nn.Layer {
	layers := []nn.Layer{nn.NewRescaling("rescaling", 1.0/255)}
	for i, filters := range a.ConvFilters {
		layers = append(layers,
			nn.NewConv2D(fmt.Sprintf("conv2d_%d", i), filters, a.KernelSize, nn.ReLU),
			nn.NewMaxPool2D(fmt.Sprintf("max_pooling2d_%d", i), a.PoolSize),
			nn.NewBatchNorm(fmt.Sprintf("batch_normalization_%d", i), nn.DefaultBatchNormMomentum, nn.DefaultBatchNormEpsilon),
		)
	}
	return append(layers,
		nn.NewDropout("dropout", a.Dropout),
		nn.NewFlatten("flatten"),
		nn.NewDense("dense", a.DenseUnits, nn.ReLU),
		nn.NewDense("outputs", a.NumClasses, nn.Linear),
	)
}

// Validate checks the architecture can be built.
func (a Architecture) Validate() error {
	if a.Channels <= 0 || a.ImageSize <= 0 {
		return fmt.Errorf("model: invalid input %dx%dx%d", a.Channels, a.ImageSize, a.ImageSize)
	}
	if a.NumClasses <= 0 {
		return errors.New("model: need at least one class")
	}
	if len(a.ConvFilters) == 0 {
		return errors.New("model: need at least one conv block")
	}
	return nil
}

// Classifier couples the network with its optimizer.
type Classifier struct {
	net *nn.Sequential
	opt *nn.Adam
}

var _ Model = (*Classifier)(nil)

// New builds and initializes the network. Weight initialization and dropout
// masks are derived from seed.
func New(arch Architecture, adam nn.AdamConfig, seed int64) (*Classifier, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	net := nn.NewSequential(arch.Layers()...)
	if err := net.Build(arch.InputShape(), rand.New(rand.NewSource(seed))); err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	return &Classifier{net: net, opt: nn.NewAdam(adam, net.Params())}, nil
}

// FromNetwork wraps an already built network, e.g. one restored from disk.
func FromNetwork(net *nn.Sequential, adam nn.AdamConfig) (*Classifier, error) {
	if !net.Built() {
		return nil, errors.New("model: network is not built")
	}
	return &Classifier{net: net, opt: nn.NewAdam(adam, net.Params())}, nil
}

// Network exposes the underlying layers for persistence.
func (c *Classifier) Network() *nn.Sequential {
	return c.net
}

// NumClasses returns the width of the logit layer.
func (c *Classifier) NumClasses() int {
	return c.net.OutputShape().Size()
}

// TrainStep runs forward, backward and one Adam update on batch.
func (c *Classifier) TrainStep(batch Batch) (StepResult, error) {
	if batch.Size() == 0 {
		return StepResult{}, nil
	}
	logits, err := c.net.Forward(batch.Inputs, true)
	if err != nil {
		return StepResult{}, err
	}
	loss, grad, err := nn.SparseCrossEntropy(logits, batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	c.net.Backward(grad)
	c.opt.Step()
	return StepResult{Loss: loss, Correct: nn.Accuracy(logits, batch.Labels), Count: batch.Size()}, nil
}

// Evaluate computes loss and accuracy in inference mode without updating
// any state.
func (c *Classifier) Evaluate(batch Batch) (StepResult, error) {
	if batch.Size() == 0 {
		return StepResult{}, nil
	}
	logits, err := c.net.Forward(batch.Inputs, false)
	if err != nil {
		return StepResult{}, err
	}
	loss, _, err := nn.SparseCrossEntropy(logits, batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Loss: loss, Correct: nn.Accuracy(logits, batch.Labels), Count: batch.Size()}, nil
}

// Prediction is the classification of one image.
type Prediction struct {
	Label      int
	Confidence float32
	Logits     []float32
}

// InputShape is the per-sample shape the network accepts.
func (c *Classifier) InputShape() nn.Shape {
	return c.net.InputShape()
}

// Predict classifies each sample of x in inference mode.
func (c *Classifier) Predict(x *nn.Tensor) ([]Prediction, error) {
	logits, err := c.net.Forward(x, false)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, logits.Batch())
	for i := range out {
		row := append([]float32(nil), logits.Sample(i)...)
		label := nn.Argmax(row)
		out[i] = Prediction{Label: label, Confidence: nn.Softmax(row)[label], Logits: row}
	}
	return out, nil
}
