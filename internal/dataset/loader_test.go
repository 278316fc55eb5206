package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"icon-trainer/internal/config"
)

func fixtureSamples(t *testing.T, n int) []Sample {
	t.Helper()
	dir := t.TempDir()
	samples := make([]Sample, n)
	for i := range samples {
		path := filepath.Join(dir, fmt.Sprintf("img-%02d.png", i))
		mustImage(t, path, 6, 6, uint8(i*10))
		samples[i] = Sample{Path: path, Label: i % 3}
	}
	return samples
}

func TestDecodePreservesOrder(t *testing.T) {
	samples := fixtureSamples(t, 9)
	one, err := Decode(context.Background(), samples, DecodeOptions{Mode: config.RGB, Size: 6, NumWorkers: 1})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	many, err := Decode(context.Background(), samples, DecodeOptions{Mode: config.RGB, Size: 6, NumWorkers: 4})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(one, many) {
		t.Fatal("worker count changed the decoded cache")
	}
	if one.Len() != 9 || one.Shape.Size() != 3*6*6 {
		t.Fatalf("unexpected cache len=%d shape=%v", one.Len(), one.Shape)
	}
	for i, s := range samples {
		if one.Labels[i] != s.Label {
			t.Fatalf("label[%d]=%d want %d", i, one.Labels[i], s.Label)
		}
	}
	// red channel of each image encodes its index
	per := one.Shape.Size()
	for i := range samples {
		if got := one.Inputs[i*per]; got != float32(i*10) {
			t.Fatalf("image %d red=%f want %d", i, got, i*10)
		}
	}
}

func TestDecodeFailsOnBadFile(t *testing.T) {
	samples := fixtureSamples(t, 4)
	bad := filepath.Join(t.TempDir(), "bad.png")
	mustWrite(t, bad)
	samples = append(samples, Sample{Path: bad})
	if _, err := Decode(context.Background(), samples, DecodeOptions{Mode: config.RGB, Size: 4, NumWorkers: 2}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDecodeHonorsCancellation(t *testing.T) {
	samples := fixtureSamples(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Decode(ctx, samples, DecodeOptions{Mode: config.RGB, Size: 4, NumWorkers: 2}); err == nil {
		t.Fatal("expected error from cancelled decode")
	}
}

func collectEpoch(t *testing.T, b *Batcher) [][]int {
	t.Helper()
	batches, errCh := b.Epoch(context.Background())
	var out [][]int
	deadline := time.After(time.Second)
	for batches != nil {
		select {
		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			out = append(out, batch.Labels)
		case <-deadline:
			t.Fatal("timed out waiting for batches")
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("epoch error: %v", err)
	}
	return out
}

func labelCache(n int) *Cache {
	c := &Cache{Shape: []int{1, 1, 1}, Inputs: make([]float32, n), Labels: make([]int, n)}
	for i := range c.Labels {
		c.Labels[i] = i
		c.Inputs[i] = float32(i)
	}
	return c
}

func TestBatcherSequential(t *testing.T) {
	b, err := NewBatcher(labelCache(7), BatchOptions{BatchSize: 3})
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	if b.NumBatches() != 3 {
		t.Fatalf("NumBatches=%d", b.NumBatches())
	}
	got := collectEpoch(t, b)
	want := [][]int{{0, 1, 2}, {3, 4, 5}, {6}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("batches %v want %v", got, want)
	}
}

func TestBatcherShuffleDeterministic(t *testing.T) {
	opts := BatchOptions{BatchSize: 4, Shuffle: true, Seed: 11}
	b1, _ := NewBatcher(labelCache(10), opts)
	b2, _ := NewBatcher(labelCache(10), opts)

	e1a, e1b := collectEpoch(t, b1), collectEpoch(t, b1)
	e2a, e2b := collectEpoch(t, b2), collectEpoch(t, b2)
	if !reflect.DeepEqual(e1a, e2a) || !reflect.DeepEqual(e1b, e2b) {
		t.Fatal("shuffled epochs are not reproducible")
	}
	if reflect.DeepEqual(e1a, e1b) {
		t.Fatal("expected a different order on the second epoch")
	}
	seen := map[int]bool{}
	for _, batch := range e1a {
		for _, l := range batch {
			seen[l] = true
		}
	}
	if len(seen) != 10 {
		t.Fatalf("epoch covered %d samples", len(seen))
	}
}

func TestBatcherStopsOnCancel(t *testing.T) {
	b, _ := NewBatcher(labelCache(100), BatchOptions{BatchSize: 1, Prefetch: 1})
	ctx, cancel := context.WithCancel(context.Background())
	batches, errCh := b.Epoch(ctx)
	<-batches
	cancel()
	for range batches {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected context error")
	}
}
