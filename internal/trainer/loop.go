package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"icon-trainer/internal/checkpoint"
	"icon-trainer/internal/config"
	"icon-trainer/internal/dataset"
	"icon-trainer/internal/labels"
	"icon-trainer/internal/metrics"
	"icon-trainer/internal/model"
	"icon-trainer/internal/nn"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	RunID           string
	DataDir         string
	ColorMode       config.ColorMode
	Epochs          int
	ImageSize       int
	ValidationSplit float64
	Dropout         float64
	Seed            int64
	BatchSize       int
	LearningRate    float64
	NumWorkers      int
	LogEvery        int
	ModelPath       string
	LabelsPath      string
	ONNXPath        string
}

// FromConfig copies a validated Config into a RunConfig.
func FromConfig(cfg *config.Config, runID string) RunConfig {
	return RunConfig{
		RunID:           runID,
		DataDir:         cfg.DataDir,
		ColorMode:       cfg.ColorMode,
		Epochs:          cfg.Epochs,
		ImageSize:       cfg.ImageSize,
		ValidationSplit: cfg.ValidationSplit,
		Dropout:         cfg.Dropout,
		Seed:            cfg.Seed,
		BatchSize:       cfg.BatchSize,
		LearningRate:    cfg.LearningRate,
		NumWorkers:      cfg.NumWorkers,
		LogEvery:        cfg.LogEvery,
		ModelPath:       cfg.ModelPath,
		LabelsPath:      cfg.LabelsPath,
		ONNXPath:        cfg.ONNXPath,
	}
}

// EpochStats is the summary of one epoch. Validation fields are zero when the
// validation subset is empty.
type EpochStats struct {
	Epoch        int
	Loss         float64
	Accuracy     float64
	ValLoss      float64
	ValAccuracy  float64
	ValSamples   int
	TrainSamples int
	Duration     time.Duration
}

// Summary describes a completed run.
type Summary struct {
	ClassNames []string
	History    []EpochStats
}

// Run executes the training workload: discover the classes, export their
// names, train for the configured number of epochs and save the model.
func Run(ctx context.Context, cfg RunConfig) (*Summary, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	channels := cfg.ColorMode.Channels()
	if channels == 0 {
		return nil, fmt.Errorf("trainer: unsupported color mode %q", cfg.ColorMode)
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = config.DefaultLogEvery
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	folder, err := dataset.DiscoverClasses(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	trainSamples, valSamples, err := folder.Split(cfg.ValidationSplit, cfg.Seed)
	if err != nil {
		return nil, err
	}
	klog.InfoS("Discovered dataset",
		"root", cfg.DataDir,
		"classes", folder.NumClasses(),
		"images", len(folder.Samples),
		"train", len(trainSamples),
		"validation", len(valSamples),
	)
	if len(trainSamples) == 0 {
		return nil, errors.New("trainer: training subset is empty")
	}

	if err := labels.Write(cfg.LabelsPath, folder.ClassNames); err != nil {
		return nil, err
	}
	klog.InfoS("Wrote class names", "path", cfg.LabelsPath, "count", len(folder.ClassNames))

	decodeOpts := dataset.DecodeOptions{Mode: cfg.ColorMode, Size: cfg.ImageSize, NumWorkers: cfg.NumWorkers}
	start := time.Now()
	trainCache, err := dataset.Decode(ctx, trainSamples, decodeOpts)
	if err != nil {
		return nil, fmt.Errorf("decode training images: %w", err)
	}
	valCache, err := dataset.Decode(ctx, valSamples, decodeOpts)
	if err != nil {
		return nil, fmt.Errorf("decode validation images: %w", err)
	}
	klog.InfoS("Decoded images", "count", trainCache.Len()+valCache.Len(), "workers", cfg.NumWorkers, "elapsed", time.Since(start))

	trainBatches, err := dataset.NewBatcher(trainCache, dataset.BatchOptions{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed})
	if err != nil {
		return nil, err
	}
	valBatches, err := dataset.NewBatcher(valCache, dataset.BatchOptions{BatchSize: cfg.BatchSize})
	if err != nil {
		return nil, err
	}

	arch := model.DefaultArchitecture(channels, cfg.ImageSize, folder.NumClasses(), float32(cfg.Dropout))
	adam := nn.DefaultAdamConfig()
	adam.LearningRate = float32(cfg.LearningRate)
	clf, err := model.New(arch, adam, cfg.Seed)
	if err != nil {
		return nil, err
	}
	trainable, fixed := clf.Network().CountParams()
	klog.InfoS("Built model", "input", arch.InputShape(), "classes", arch.NumClasses, "trainable_params", trainable, "non_trainable_params", fixed)

	summary := &Summary{ClassNames: folder.ClassNames}
	var window metrics.Window
	step := 0
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		epochStart := time.Now()
		train, err := trainEpoch(ctx, clf, trainBatches, &window, &step, cfg.LogEvery)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		stats := EpochStats{
			Epoch:        epoch,
			Loss:         train.Loss(),
			Accuracy:     train.Accuracy(),
			TrainSamples: train.Samples(),
		}
		if valCache.Len() > 0 {
			val, err := evaluate(ctx, clf, valBatches)
			if err != nil {
				return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.ValLoss = val.Loss()
			stats.ValAccuracy = val.Accuracy()
			stats.ValSamples = val.Samples()
		}
		stats.Duration = time.Since(epochStart)
		summary.History = append(summary.History, stats)
		klog.InfoS("Epoch complete",
			"epoch", fmt.Sprintf("%d/%d", epoch, cfg.Epochs),
			"loss", fmt.Sprintf("%.4f", stats.Loss),
			"accuracy", fmt.Sprintf("%.4f", stats.Accuracy),
			"val_loss", fmt.Sprintf("%.4f", stats.ValLoss),
			"val_accuracy", fmt.Sprintf("%.4f", stats.ValAccuracy),
			"elapsed", stats.Duration,
		)
	}

	meta := checkpoint.Metadata{
		RunID:      cfg.RunID,
		ColorMode:  string(cfg.ColorMode),
		ImageSize:  cfg.ImageSize,
		ClassNames: folder.ClassNames,
		Epochs:     cfg.Epochs,
		CreatedAt:  time.Now().UTC(),
	}
	if err := checkpoint.Save(cfg.ModelPath, clf.Network(), meta); err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}
	klog.InfoS("Saved model", "path", cfg.ModelPath)
	if cfg.ONNXPath != "" {
		if err := checkpoint.WriteONNX(cfg.ONNXPath, clf.Network(), meta); err != nil {
			return nil, fmt.Errorf("export onnx: %w", err)
		}
		klog.InfoS("Exported ONNX model", "path", cfg.ONNXPath)
	}
	return summary, nil
}

func trainEpoch(parent context.Context, mdl model.Model, batcher *dataset.Batcher, window *metrics.Window, step *int, logEvery int) (*metrics.Mean, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	batches, batchErr := batcher.Epoch(ctx)
	mean := &metrics.Mean{}
	for {
		startData := time.Now()
		batch, ok := <-batches
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := mdl.TrainStep(model.Batch{Inputs: batch.Inputs, Labels: batch.Labels})
		if err != nil {
			return nil, err
		}
		computeTime := time.Since(startCompute)

		*step++
		window.Record(res.Count, res.Correct, dataTime, computeTime, float64(res.Loss))
		mean.Add(res.Count, res.Correct, float64(res.Loss))

		if *step%logEvery == 0 {
			snap := window.Snapshot()
			klog.InfoS("Training progress",
				"step", *step,
				"images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec),
				"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
				"loss", fmt.Sprintf("%.4f", snap.LastLoss),
				"accuracy", fmt.Sprintf("%.4f", snap.Accuracy),
			)
		}
	}
	if err := <-batchErr; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mean, nil
}

func evaluate(parent context.Context, mdl model.Model, batcher *dataset.Batcher) (*metrics.Mean, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	batches, batchErr := batcher.Epoch(ctx)
	mean := &metrics.Mean{}
	for batch := range batches {
		res, err := mdl.Evaluate(model.Batch{Inputs: batch.Inputs, Labels: batch.Labels})
		if err != nil {
			return nil, err
		}
		mean.Add(res.Count, res.Correct, float64(res.Loss))
	}
	if err := <-batchErr; err != nil {
		return nil, err
	}
	return mean, nil
}
