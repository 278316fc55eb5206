package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"

	"icon-trainer/internal/config"
	"icon-trainer/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional)")
	seed := flag.Int64("seed", 0, "PRNG seed for the split, shuffling, initialization and dropout (default: the config's seed)")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("workers", 0, "Number of image decode workers (default: physical cores)")
	logEvery := flag.Int("log-every", 0, "Log every N training steps")
	learningRate := flag.Float64("learning-rate", 0, "Adam learning rate")
	modelPath := flag.String("model", "", "Output model file")
	labelsPath := flag.String("labels", "", "Output class names file")
	onnxPath := flag.String("onnx", "", "Also export the model as ONNX to this path")

	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] epochs color_mode data_dir\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	args, err := config.ParseArgs(flag.Args())
	if err != nil {
		flag.Usage()
		klog.ErrorS(err, "Invalid arguments")
		klog.FlushAndExit(klog.ExitFlushTimeout, 2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		if cfg, err = config.Load(*cfgPath); err != nil {
			klog.ErrorS(err, "Failed to load config", "path", *cfgPath)
			klog.FlushAndExit(klog.ExitFlushTimeout, 1)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			args.Seed = seed
		}
	})
	args.BatchSize = *batchSize
	args.NumWorkers = *numWorkers
	args.LogEvery = *logEvery
	args.LearningRate = *learningRate
	args.ModelPath = *modelPath
	args.LabelsPath = *labelsPath
	args.ONNXPath = *onnxPath
	cfg.ApplyOverrides(args)
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = max(cpuid.CPU.PhysicalCores, 1)
	}

	if err := cfg.Validate(); err != nil {
		klog.ErrorS(err, "Invalid config")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}

	runID := uuid.NewString()
	klog.InfoS("Starting training",
		"run_id", runID,
		"epochs", cfg.Epochs,
		"color_mode", cfg.ColorMode,
		"data_dir", cfg.DataDir,
		"batch_size", cfg.BatchSize,
		"seed", cfg.Seed,
	)
	klog.InfoS("Host",
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"workers", cfg.NumWorkers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := trainer.Run(ctx, trainer.FromConfig(cfg, runID))
	if err != nil {
		klog.ErrorS(err, "Training failed", "run_id", runID)
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	last := summary.History[len(summary.History)-1]
	klog.InfoS("Training finished",
		"run_id", runID,
		"classes", len(summary.ClassNames),
		"accuracy", fmt.Sprintf("%.4f", last.Accuracy),
		"val_accuracy", fmt.Sprintf("%.4f", last.ValAccuracy),
		"model", cfg.ModelPath,
		"labels", cfg.LabelsPath,
	)
}
