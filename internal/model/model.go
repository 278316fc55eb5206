package model

import "icon-trainer/internal/nn"

// Batch represents a minibatch of images (N, C, H, W) and their labels.
type Batch struct {
	Inputs *nn.Tensor
	Labels []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// StepResult summarizes one batch.
type StepResult struct {
	Loss    float32
	Correct int
	Count   int
}

// Model defines the training functionality required by the trainer.
type Model interface {
	TrainStep(batch Batch) (StepResult, error)
	Evaluate(batch Batch) (StepResult, error)
}
