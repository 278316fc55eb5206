package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"icon-trainer/internal/checkpoint"
	"icon-trainer/internal/labels"
	"icon-trainer/internal/model"
	"icon-trainer/internal/nn"
)

func writeIcon(t *testing.T, path string, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// savedModel writes an untrained 8x8 rgb model with the given class names.
func savedModel(t *testing.T, names []string) string {
	t.Helper()
	clf, err := model.New(model.DefaultArchitecture(3, 8, len(names), 0), nn.DefaultAdamConfig(), 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.h5")
	meta := checkpoint.Metadata{RunID: "test", ColorMode: "rgb", ImageSize: 8, ClassNames: names, Epochs: 1}
	if err := checkpoint.Save(path, clf.Network(), meta); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return path
}

func classify(t *testing.T, paths []string, opts options) []string {
	t.Helper()
	out := &bytes.Buffer{}
	if err := run(out, paths, opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	return strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
}

func TestRunPrintsOneLinePerImage(t *testing.T) {
	names := []string{"Bmat", "Soldier_Supplies"}
	modelPath := savedModel(t, names)
	dir := t.TempDir()
	red := filepath.Join(dir, "red.png")
	blue := filepath.Join(dir, "blue.png")
	writeIcon(t, red, color.NRGBA{R: 220, A: 255})
	writeIcon(t, blue, color.NRGBA{B: 220, A: 255})

	lines := classify(t, []string{red, blue}, options{modelPath: modelPath})
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	for i, want := range []string{red, blue} {
		fields := strings.Split(lines[i], "\t")
		if len(fields) != 5 {
			t.Fatalf("line %d has %d fields: %q", i, len(fields), lines[i])
		}
		if fields[0] != want {
			t.Fatalf("line %d path %q want %q", i, fields[0], want)
		}
		if fields[1] != names[0] && fields[1] != names[1] {
			t.Fatalf("line %d unknown class %q", i, fields[1])
		}
		if fields[2] != fields[1] || fields[3] != "false" {
			t.Fatalf("line %d decoded %q crated=%s for %q", i, fields[2], fields[3], fields[1])
		}
		conf, err := strconv.ParseFloat(fields[4], 32)
		if err != nil {
			t.Fatalf("line %d confidence: %v", i, err)
		}
		if conf < 0.5 || conf > 1 {
			t.Fatalf("line %d confidence %f out of range for two classes", i, conf)
		}
	}
}

func TestRunDecodesCratedNames(t *testing.T) {
	modelPath := savedModel(t, []string{"Bmat", "Soldier_Supplies"})
	labelsPath := filepath.Join(t.TempDir(), "class_names.json")
	if err := labels.Write(labelsPath, []string{"Bmat-crated", "RifleAmmo-crated"}); err != nil {
		t.Fatalf("labels.Write: %v", err)
	}
	icon := filepath.Join(t.TempDir(), "icon.png")
	writeIcon(t, icon, color.NRGBA{G: 200, A: 255})

	lines := classify(t, []string{icon}, options{modelPath: modelPath, labelsPath: labelsPath})
	fields := strings.Split(lines[0], "\t")
	if len(fields) != 5 {
		t.Fatalf("unexpected line %q", lines[0])
	}
	code, ok := strings.CutSuffix(fields[1], labels.CratedSuffix)
	if !ok {
		t.Fatalf("class %q is not a labels-file name", fields[1])
	}
	if fields[2] != code || fields[3] != "true" {
		t.Fatalf("crated class %q decoded as %q crated=%s", fields[1], fields[2], fields[3])
	}
}

func TestRunRejectsLabelCountMismatch(t *testing.T) {
	modelPath := savedModel(t, []string{"Bmat", "Soldier_Supplies"})
	labelsPath := filepath.Join(t.TempDir(), "class_names.json")
	if err := labels.Write(labelsPath, []string{"Bmat", "Soldier_Supplies", "RifleAmmo"}); err != nil {
		t.Fatalf("labels.Write: %v", err)
	}
	icon := filepath.Join(t.TempDir(), "icon.png")
	writeIcon(t, icon, color.NRGBA{R: 10, A: 255})

	out := &bytes.Buffer{}
	if err := run(out, []string{icon}, options{modelPath: modelPath, labelsPath: labelsPath}); err == nil {
		t.Fatal("expected error for three names on a two-class model")
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunRejectsInputOverridesThatDisagreeWithModel(t *testing.T) {
	modelPath := savedModel(t, []string{"Bmat", "Soldier_Supplies"})
	icon := filepath.Join(t.TempDir(), "icon.png")
	writeIcon(t, icon, color.NRGBA{R: 90, G: 90, A: 255})

	cases := map[string]options{
		"grayscale": {modelPath: modelPath, colorMode: "grayscale"},
		"rgba":      {modelPath: modelPath, colorMode: "rgba"},
		"size":      {modelPath: modelPath, size: 64},
	}
	for name, opts := range cases {
		if err := run(&bytes.Buffer{}, []string{icon}, opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	lines := classify(t, []string{icon}, options{modelPath: modelPath, colorMode: "RGB", size: 8})
	if len(lines) != 1 {
		t.Fatalf("matching overrides: got %q", lines)
	}
}

func TestRunFallsBackToNetworkShape(t *testing.T) {
	clf, err := model.New(model.DefaultArchitecture(1, 8, 2, 0), nn.DefaultAdamConfig(), 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	modelPath := filepath.Join(t.TempDir(), "model.h5")
	if err := checkpoint.Save(modelPath, clf.Network(), checkpoint.Metadata{ClassNames: []string{"a", "b"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	icon := filepath.Join(t.TempDir(), "icon.png")
	writeIcon(t, icon, color.NRGBA{R: 40, G: 40, B: 40, A: 255})

	lines := classify(t, []string{icon}, options{modelPath: modelPath})
	if len(lines) != 1 || !strings.HasPrefix(lines[0], icon+"\t") {
		t.Fatalf("unexpected output %q", lines)
	}
}
