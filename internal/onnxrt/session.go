// Package onnxrt runs exported icon classifiers through ONNX Runtime.
package onnxrt

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"icon-trainer/internal/checkpoint"
	"icon-trainer/internal/nn"
)

// Options describes the model and the tensors bound to it.
type Options struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// binding's platform default.
	LibraryPath string
	ModelPath   string
	// InputShape is the per-sample (C, H, W) shape.
	InputShape []int
	NumClasses int
	// BatchSize is the fixed batch the session runs with. Zero means 1.
	BatchSize int
}

// Session owns an ONNX Runtime session and its input and output tensors.
type Session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	batch   int
	per     int
	classes int
}

// Open initializes the runtime environment and loads the model.
func Open(opts Options) (*Session, error) {
	if len(opts.InputShape) != 3 {
		return nil, fmt.Errorf("onnxrt: expected (C, H, W) input shape, got %v", opts.InputShape)
	}
	if opts.NumClasses <= 0 {
		return nil, errors.New("onnxrt: number of classes must be > 0")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	dims := []int64{int64(opts.BatchSize)}
	for _, d := range opts.InputShape {
		dims = append(dims, int64(d))
	}
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(opts.BatchSize), int64(opts.NumClasses)))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{checkpoint.InputName}, []string{checkpoint.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		batch:   opts.BatchSize,
		per:     nn.Shape(opts.InputShape).Size(),
		classes: opts.NumClasses,
	}, nil
}

// Logits runs x, of shape (N, C, H, W), through the model in chunks of the
// session batch size and returns one logit row per sample.
func (s *Session) Logits(x *nn.Tensor) ([][]float32, error) {
	if x.SampleSize() != s.per {
		return nil, fmt.Errorf("onnxrt: sample has %d values, model expects %d", x.SampleSize(), s.per)
	}
	n := x.Batch()
	out := make([][]float32, 0, n)
	in := s.input.GetData()
	for start := 0; start < n; start += s.batch {
		end := min(start+s.batch, n)
		clear(in)
		copy(in, x.Data[start*s.per:end*s.per])
		if err := s.session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}
		logits := s.output.GetData()
		for i := 0; i < end-start; i++ {
			out = append(out, append([]float32(nil), logits[i*s.classes:(i+1)*s.classes]...))
		}
	}
	return out, nil
}

// Close releases the tensors, the session and the runtime environment.
func (s *Session) Close() {
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}
