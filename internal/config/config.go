package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ColorMode selects how decoded images are mapped onto input channels.
type ColorMode string

const (
	Grayscale ColorMode = "grayscale"
	RGB       ColorMode = "rgb"
	RGBA      ColorMode = "rgba"
)

// Channels returns the number of input channels for the mode, or 0 if unknown.
func (m ColorMode) Channels() int {
	switch m {
	case Grayscale:
		return 1
	case RGB:
		return 3
	case RGBA:
		return 4
	}
	return 0
}

// ParseColorMode validates s against the supported modes.
func ParseColorMode(s string) (ColorMode, error) {
	m := ColorMode(strings.ToLower(strings.TrimSpace(s)))
	if m.Channels() == 0 {
		return "", fmt.Errorf("color_mode must be one of grayscale, rgb, rgba (got %q)", s)
	}
	return m, nil
}

const (
	DefaultImageSize       = 32
	DefaultValidationSplit = 0.05
	DefaultDropout         = 0.05
	DefaultSeed            = 639936
	DefaultBatchSize       = 32
	DefaultLearningRate    = 0.001
	DefaultModelPath       = "model.h5"
	DefaultLabelsPath      = "class_names.json"
	DefaultLogEvery        = 10
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Epochs          int       `yaml:"epochs"`
	ColorMode       ColorMode `yaml:"color_mode"`
	DataDir         string    `yaml:"data_dir"`
	ImageSize       int       `yaml:"image_size"`
	ValidationSplit float64   `yaml:"validation_split"`
	Dropout         float64   `yaml:"dropout"`
	Seed            int64     `yaml:"seed"`
	BatchSize       int       `yaml:"batch_size"`
	LearningRate    float64   `yaml:"learning_rate"`
	NumWorkers      int       `yaml:"num_workers"`
	LogEvery        int       `yaml:"log_every"`
	ModelPath       string    `yaml:"model_path"`
	LabelsPath      string    `yaml:"labels_path"`
	ONNXPath        string    `yaml:"onnx_path"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Epochs       int
	ColorMode    string
	DataDir      string
	Seed         *int64 // nil keeps the configured seed
	BatchSize    int
	LearningRate float64
	NumWorkers   int
	LogEvery     int
	ModelPath    string
	LabelsPath   string
	ONNXPath     string
}

// Default returns the configuration of the reference training script.
func Default() *Config {
	return &Config{
		ColorMode:       RGB,
		ImageSize:       DefaultImageSize,
		ValidationSplit: DefaultValidationSplit,
		Dropout:         DefaultDropout,
		Seed:            DefaultSeed,
		BatchSize:       DefaultBatchSize,
		LearningRate:    DefaultLearningRate,
		LogEvery:        DefaultLogEvery,
		ModelPath:       DefaultModelPath,
		LabelsPath:      DefaultLabelsPath,
	}
}

// Load reads a Config from YAML on top of the defaults. Validation is left to
// the caller since positional arguments usually complete the config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ParseArgs converts the positional arguments epochs, color_mode and data_dir
// into overrides. Values are checked later by Validate.
func ParseArgs(args []string) (Overrides, error) {
	if len(args) != 3 {
		return Overrides{}, fmt.Errorf("expected 3 arguments (epochs color_mode data_dir), got %d", len(args))
	}
	epochs, err := strconv.Atoi(args[0])
	if err != nil {
		return Overrides{}, fmt.Errorf("epochs: %w", err)
	}
	if epochs < 1 {
		return Overrides{}, fmt.Errorf("epochs must be >= 1 (got %d)", epochs)
	}
	return Overrides{
		Epochs:    epochs,
		ColorMode: args[1],
		DataDir:   args[2],
	}, nil
}

// ApplyOverrides updates cfg using any non-zero override and a non-nil Seed.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.ColorMode != "" {
		c.ColorMode = ColorMode(strings.ToLower(o.ColorMode))
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.ModelPath != "" {
		c.ModelPath = o.ModelPath
	}
	if o.LabelsPath != "" {
		c.LabelsPath = o.LabelsPath
	}
	if o.ONNXPath != "" {
		c.ONNXPath = o.ONNXPath
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1 (got %d)", c.Epochs)
	}
	if _, err := ParseColorMode(string(c.ColorMode)); err != nil {
		return err
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be > 0 (got %d)", c.ImageSize)
	}
	if c.ImageSize%8 != 0 {
		return fmt.Errorf("image_size must be a multiple of 8 (got %d)", c.ImageSize)
	}
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("validation_split must be in [0, 1) (got %g)", c.ValidationSplit)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1) (got %g)", c.Dropout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.ModelPath == "" {
		return errors.New("model_path must be set")
	}
	if c.LabelsPath == "" {
		return errors.New("labels_path must be set")
	}
	if c.LogEvery <= 0 {
		c.LogEvery = DefaultLogEvery
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ColorMode = ColorMode(strings.ToLower(string(cfg.ColorMode)))
	return cfg, nil
}
