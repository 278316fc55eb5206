package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"

	"icon-trainer/internal/checkpoint"
	"icon-trainer/internal/config"
	"icon-trainer/internal/dataset"
	"icon-trainer/internal/labels"
	"icon-trainer/internal/model"
	"icon-trainer/internal/nn"
	"icon-trainer/internal/onnxrt"
)

type predictor interface {
	Logits(x *nn.Tensor) ([][]float32, error)
}

type nativePredictor struct {
	clf *model.Classifier
}

func (p nativePredictor) Logits(x *nn.Tensor) ([][]float32, error) {
	preds, err := p.clf.Predict(x)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(preds))
	for i, pr := range preds {
		out[i] = pr.Logits
	}
	return out, nil
}

type options struct {
	modelPath  string
	labelsPath string
	colorMode  string
	size       int
	onnxPath   string
	ortLib     string
}

func main() {
	var opts options
	flag.StringVar(&opts.modelPath, "model", config.DefaultModelPath, "Model file written by icon-trainer")
	flag.StringVar(&opts.labelsPath, "labels", "", "Class names file (default: names stored in the model)")
	flag.StringVar(&opts.colorMode, "color-mode", "", "Color mode the model was trained with (default: stored in the model, rgb for ONNX)")
	flag.IntVar(&opts.size, "size", 0, "Input image size (default: the model's input size, 32 for ONNX)")
	flag.StringVar(&opts.onnxPath, "onnx", "", "Run this ONNX model through ONNX Runtime instead of the native model")
	flag.StringVar(&opts.ortLib, "ort-lib", "", "Path to the onnxruntime shared library")

	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	paths := flag.Args()
	if len(paths) == 0 {
		flag.Usage()
		klog.FlushAndExit(klog.ExitFlushTimeout, 2)
	}

	if err := run(os.Stdout, paths, opts); err != nil {
		klog.ErrorS(err, "Classification failed")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
}

// channelModes maps a network's input channel count to the color mode that
// produces it.
var channelModes = map[int]config.ColorMode{
	1: config.Grayscale,
	3: config.RGB,
	4: config.RGBA,
}

func run(w io.Writer, paths []string, opts options) error {
	var names []string
	if opts.labelsPath != "" {
		var err error
		if names, err = labels.Read(opts.labelsPath); err != nil {
			return err
		}
	}

	colorMode, size := opts.colorMode, opts.size
	var pred predictor
	if opts.onnxPath == "" {
		ckpt, err := checkpoint.Load(opts.modelPath)
		if err != nil {
			return err
		}
		clf, err := model.FromNetwork(ckpt.Network, nn.DefaultAdamConfig())
		if err != nil {
			return err
		}
		if names == nil {
			names = ckpt.Metadata.ClassNames
		}
		if len(names) != clf.NumClasses() {
			return fmt.Errorf("model has %d classes but %d names were given", clf.NumClasses(), len(names))
		}

		in := clf.InputShape()
		if len(in) != 3 || in[1] != in[2] {
			return fmt.Errorf("model input shape %v is not a square image", []int(in))
		}
		if colorMode == "" {
			colorMode = ckpt.Metadata.ColorMode
		}
		if colorMode == "" {
			colorMode = string(channelModes[in[0]])
		}
		mode, err := config.ParseColorMode(colorMode)
		if err != nil {
			return err
		}
		if mode.Channels() != in[0] {
			return fmt.Errorf("color mode %s gives %d channels but the model expects %d", mode, mode.Channels(), in[0])
		}
		if size == 0 {
			size = in[1]
		}
		if size != in[1] {
			return fmt.Errorf("image size %d does not match the model input size %d", size, in[1])
		}
		pred = nativePredictor{clf: clf}
	}

	if colorMode == "" {
		colorMode = string(config.RGB)
	}
	if size == 0 {
		size = config.DefaultImageSize
	}
	mode, err := config.ParseColorMode(colorMode)
	if err != nil {
		return err
	}

	if opts.onnxPath != "" {
		if len(names) == 0 {
			return errors.New("-labels is required with -onnx")
		}
		sess, err := onnxrt.Open(onnxrt.Options{
			LibraryPath: opts.ortLib,
			ModelPath:   opts.onnxPath,
			InputShape:  []int{mode.Channels(), size, size},
			NumClasses:  len(names),
			BatchSize:   1,
		})
		if err != nil {
			return err
		}
		defer sess.Close()
		pred = sess
	}

	x := nn.NewTensor(len(paths), mode.Channels(), size, size)
	for i, path := range paths {
		data, err := dataset.LoadImage(path, mode, size)
		if err != nil {
			return err
		}
		copy(x.Sample(i), data)
	}
	rows, err := pred.Logits(x)
	if err != nil {
		return err
	}
	for i, row := range rows {
		label := nn.Argmax(row)
		item := labels.Decode(names[label])
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%.4f\n", paths[i], names[label], item.CodeName, item.Crated, nn.Softmax(row)[label]); err != nil {
			return err
		}
	}
	return nil
}
