package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"icon-trainer/internal/config"
	"icon-trainer/internal/nn"
)

// DecodeOptions configures the parallel decode of a sample list.
type DecodeOptions struct {
	Mode       config.ColorMode
	Size       int
	NumWorkers int
}

// Cache holds every decoded image of a subset in memory, in sample order.
type Cache struct {
	Shape  nn.Shape
	Inputs []float32
	Labels []int
}

// Len returns the number of cached samples.
func (c *Cache) Len() int {
	return len(c.Labels)
}

// Decode loads samples with a pool of workers. The result keeps the order of
// samples regardless of worker count; the first failure aborts the load.
func Decode(parent context.Context, samples []Sample, opts DecodeOptions) (*Cache, error) {
	channels := opts.Mode.Channels()
	if channels == 0 {
		return nil, errors.New("loader: unsupported color mode " + string(opts.Mode))
	}
	if opts.Size <= 0 {
		return nil, errors.New("loader: image size must be > 0")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	shape := nn.Shape{channels, opts.Size, opts.Size}
	per := shape.Size()
	cache := &Cache{
		Shape:  shape,
		Inputs: make([]float32, len(samples)*per),
		Labels: make([]int, len(samples)),
	}
	if len(samples) == 0 {
		return cache, nil
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	jobs := make(chan decodeJob, opts.NumWorkers)
	results := make(chan decodeResult, opts.NumWorkers)

	go produceDecodeJobs(ctx, jobs, samples)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decodeWorker(ctx, jobs, results, opts)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	done := 0
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		copy(cache.Inputs[res.id*per:(res.id+1)*per], res.data)
		cache.Labels[res.id] = samples[res.id].Label
		done++
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if done != len(samples) {
		if err := parent.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("loader: decode stopped early")
	}
	return cache, nil
}

type decodeJob struct {
	id   int
	path string
}

type decodeResult struct {
	id   int
	data []float32
	err  error
}

func produceDecodeJobs(ctx context.Context, jobs chan<- decodeJob, samples []Sample) {
	defer close(jobs)
	for id, s := range samples {
		select {
		case <-ctx.Done():
			return
		case jobs <- decodeJob{id: id, path: s.Path}:
		}
	}
}

func decodeWorker(ctx context.Context, jobs <-chan decodeJob, results chan<- decodeResult, opts DecodeOptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			data, err := LoadImage(job.path, opts.Mode, opts.Size)
			select {
			case <-ctx.Done():
				return
			case results <- decodeResult{id: job.id, data: data, err: err}:
			}
		}
	}
}

// Batch is a minibatch served from a Cache.
type Batch struct {
	Inputs *nn.Tensor
	Labels []int
}

// BatchOptions configures a Batcher.
type BatchOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// Prefetch is the number of batches assembled ahead of the consumer.
	Prefetch int
}

// Batcher serves a Cache as minibatches, one epoch at a time.
type Batcher struct {
	cache *Cache
	opts  BatchOptions
	rng   *rand.Rand
}

// NewBatcher validates opts and seeds the shuffling stream.
func NewBatcher(cache *Cache, opts BatchOptions) (*Batcher, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2
	}
	return &Batcher{cache: cache, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}, nil
}

// NumBatches returns the number of batches per epoch.
func (b *Batcher) NumBatches() int {
	return (b.cache.Len() + b.opts.BatchSize - 1) / b.opts.BatchSize
}

// Epoch starts a producer that assembles one pass over the cache. The order
// is fixed before the producer starts, so it only depends on the seed and the
// number of epochs already served. The batch channel is closed when the pass
// completes or ctx is done; the error channel then reports ctx.Err(), if any.
func (b *Batcher) Epoch(ctx context.Context) (<-chan Batch, <-chan error) {
	order := make([]int, b.cache.Len())
	for i := range order {
		order[i] = i
	}
	if b.opts.Shuffle {
		b.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	out := make(chan Batch, b.opts.Prefetch)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		per := b.cache.Shape.Size()
		for start := 0; start < len(order); start += b.opts.BatchSize {
			end := min(start+b.opts.BatchSize, len(order))
			n := end - start
			x := nn.NewTensor(append([]int{n}, b.cache.Shape...)...)
			labels := make([]int, n)
			for i, idx := range order[start:end] {
				copy(x.Data[i*per:(i+1)*per], b.cache.Inputs[idx*per:(idx+1)*per])
				labels[i] = b.cache.Labels[idx]
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- Batch{Inputs: x, Labels: labels}:
			}
		}
	}()
	return out, errCh
}
