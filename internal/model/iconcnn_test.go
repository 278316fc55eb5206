package model

import (
	"testing"

	"icon-trainer/internal/nn"
)

func smallBatch(channels, size int) Batch {
	x := nn.NewTensor(4, channels, size, size)
	labels := []int{0, 1, 2, 1}
	for n, label := range labels {
		img := x.Sample(n)
		for i := range img {
			img[i] = float32((i*(label+1))%256) * 0.8
		}
	}
	return Batch{Inputs: x, Labels: labels}
}

func TestClassifierTrainStepReducesLoss(t *testing.T) {
	arch := DefaultArchitecture(3, 8, 3, 0)
	clf, err := New(arch, nn.DefaultAdamConfig(), 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batch := smallBatch(3, 8)
	first, err := clf.TrainStep(batch)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	var last StepResult
	for i := 0; i < 15; i++ {
		if last, err = clf.TrainStep(batch); err != nil {
			t.Fatalf("TrainStep: %v", err)
		}
	}
	if last.Loss >= first.Loss {
		t.Fatalf("expected loss to decrease; first=%f last=%f", first.Loss, last.Loss)
	}
	if last.Count != 4 {
		t.Fatalf("count=%d", last.Count)
	}
}

func TestDefaultArchitectureShapes(t *testing.T) {
	arch := DefaultArchitecture(1, 32, 5, 0.05)
	clf, err := New(arch, nn.DefaultAdamConfig(), 639936)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if clf.NumClasses() != 5 {
		t.Fatalf("NumClasses=%d", clf.NumClasses())
	}
	specs := clf.Network().Specs()
	if specs[0].Kind != nn.KindRescaling || specs[len(specs)-1].Kind != nn.KindDense {
		t.Fatalf("unexpected layer order %+v", specs)
	}
	if specs[len(specs)-1].Activation != nn.Linear {
		t.Fatal("output layer must produce raw logits")
	}
	trainable, fixed := clf.Network().CountParams()
	// conv: 16*9+16, 32*16*9+32, 64*32*9+64; bn gamma/beta: 2*(16+32+64);
	// dense: 1024*128+128, 128*5+5
	want := 160 + 4640 + 18496 + 224 + 131200 + 645
	if trainable != want {
		t.Fatalf("trainable params %d want %d", trainable, want)
	}
	if fixed != 224 {
		t.Fatalf("non-trainable params %d want 224", fixed)
	}
}

func TestNewIsDeterministic(t *testing.T) {
	arch := DefaultArchitecture(3, 8, 2, 0.05)
	a, err := New(arch, nn.DefaultAdamConfig(), 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(arch, nn.DefaultAdamConfig(), 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batch := smallBatch(3, 8)
	batch.Labels = []int{0, 1, 1, 0}
	ra, _ := a.TrainStep(batch)
	rb, _ := b.TrainStep(batch)
	if ra != rb {
		t.Fatalf("same seed gave different steps: %+v vs %+v", ra, rb)
	}
	pa := a.Network().Params()
	pb := b.Network().Params()
	for i := range pa {
		for j, v := range pa[i].Value.Data {
			if pb[i].Value.Data[j] != v {
				t.Fatalf("param %s differs at %d", pa[i].Name, j)
			}
		}
	}
}

func TestPredict(t *testing.T) {
	clf, err := New(DefaultArchitecture(3, 8, 3, 0), nn.DefaultAdamConfig(), 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	preds, err := clf.Predict(smallBatch(3, 8).Inputs)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 4 {
		t.Fatalf("predictions=%d", len(preds))
	}
	for _, p := range preds {
		if p.Label < 0 || p.Label >= 3 || len(p.Logits) != 3 {
			t.Fatalf("bad prediction %+v", p)
		}
		if p.Confidence <= 0 || p.Confidence > 1 {
			t.Fatalf("confidence out of range: %f", p.Confidence)
		}
	}
}

func TestPredictRejectsWrongInputShape(t *testing.T) {
	clf, err := New(DefaultArchitecture(3, 8, 3, 0), nn.DefaultAdamConfig(), 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := clf.Predict(smallBatch(1, 8).Inputs); err == nil {
		t.Fatal("expected error for grayscale input to an rgb model")
	}
	if _, err := clf.Predict(smallBatch(3, 16).Inputs); err == nil {
		t.Fatal("expected error for 16x16 input to an 8x8 model")
	}
	if _, err := clf.Evaluate(smallBatch(4, 8)); err == nil {
		t.Fatal("expected error evaluating rgba input")
	}
}

func TestArchitectureValidate(t *testing.T) {
	if _, err := New(DefaultArchitecture(3, 32, 0, 0), nn.DefaultAdamConfig(), 1); err == nil {
		t.Fatal("expected error for zero classes")
	}
}
