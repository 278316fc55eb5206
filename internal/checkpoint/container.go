// Package checkpoint persists trained networks. Save and Load handle the
// native single-file container; ExportONNX writes an inference graph for
// ONNX runtimes.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"icon-trainer/internal/nn"
)

// Magic prefixes every container file.
const Magic = "ICNMODEL"

// FormatVersion is bumped whenever the encoded layout changes.
const FormatVersion = 1

// ErrBadMagic is returned when a file is not a model container.
var ErrBadMagic = errors.New("checkpoint: not a model file")

// Metadata describes how a network was trained and how to feed it.
type Metadata struct {
	RunID      string
	ColorMode  string
	ImageSize  int
	ClassNames []string
	Epochs     int
	CreatedAt  time.Time
}

// Weights is one named parameter tensor.
type Weights struct {
	Name  string
	Shape []int
	Data  []float32
}

type file struct {
	Version  int
	Input    []int
	Layers   []nn.Spec
	Weights  []Weights
	Metadata Metadata
}

// Checkpoint is a restored network with its metadata.
type Checkpoint struct {
	Network  *nn.Sequential
	Metadata Metadata
}

// Encode writes net and meta to w.
func Encode(w io.Writer, net *nn.Sequential, meta Metadata) error {
	if !net.Built() {
		return errors.New("checkpoint: network is not built")
	}
	f := file{
		Version:  FormatVersion,
		Input:    append([]int(nil), net.InputShape()...),
		Layers:   net.Specs(),
		Metadata: meta,
	}
	for _, p := range net.Params() {
		f.Weights = append(f.Weights, Weights{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
		})
	}
	if _, err := io.WriteString(w, Magic); err != nil {
		return err
	}
	return gob.NewEncoder(w).Encode(&f)
}

// Decode reads a container written by Encode and rebuilds the network.
func Decode(r io.Reader) (*Checkpoint, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	if string(magic) != Magic {
		return nil, ErrBadMagic
	}
	var f file
	if err := gob.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("checkpoint: unsupported format version %d", f.Version)
	}

	layers := make([]nn.Layer, len(f.Layers))
	for i, spec := range f.Layers {
		l, err := nn.FromSpec(spec)
		if err != nil {
			return nil, err
		}
		layers[i] = l
	}
	net := nn.NewSequential(layers...)
	// Initial values are replaced below.
	if err := net.Build(nn.Shape(f.Input), rand.New(rand.NewSource(0))); err != nil {
		return nil, fmt.Errorf("rebuild model: %w", err)
	}

	stored := make(map[string]Weights, len(f.Weights))
	for _, w := range f.Weights {
		stored[w.Name] = w
	}
	params := net.Params()
	if len(params) != len(f.Weights) {
		return nil, fmt.Errorf("checkpoint: %d stored tensors for %d parameters", len(f.Weights), len(params))
	}
	for _, p := range params {
		w, ok := stored[p.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: missing tensor %q", p.Name)
		}
		if len(w.Data) != len(p.Value.Data) {
			return nil, fmt.Errorf("checkpoint: tensor %q has %d values, want %d", p.Name, len(w.Data), len(p.Value.Data))
		}
		copy(p.Value.Data, w.Data)
	}
	return &Checkpoint{Network: net, Metadata: f.Metadata}, nil
}

// Save writes the container to path. The file is replaced atomically.
func Save(path string, net *nn.Sequential, meta Metadata) error {
	return writeAtomic(path, func(w io.Writer) error {
		return Encode(w, net, meta)
	})
}

// Load reads a container from path.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	defer f.Close()
	ckpt, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return ckpt, nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	buf := bufio.NewWriter(tmp)
	if err := write(buf); err != nil {
		tmp.Close()
		return err
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
