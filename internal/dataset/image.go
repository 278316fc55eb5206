package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"

	"icon-trainer/internal/config"
)

// LoadImage reads the file at path and converts it with DecodeImage.
func LoadImage(path string, mode config.ColorMode, size int) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	data, err := DecodeImage(bytes.NewReader(raw), mode, size)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return data, nil
}

// DecodeImage decodes r, resizes it to size x size with bilinear
// interpolation and returns CHW float32 values in [0, 255].
func DecodeImage(r io.Reader, mode config.ColorMode, size int) ([]float32, error) {
	channels := mode.Channels()
	if channels == 0 {
		return nil, fmt.Errorf("unsupported color mode %q", mode)
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.New("empty image")
	}
	if bounds.Dx() != size || bounds.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
		bounds = img.Bounds()
	}
	return toCHW(img, bounds, mode, size), nil
}

func toCHW(img image.Image, bounds image.Rectangle, mode config.ColorMode, size int) []float32 {
	plane := size * size
	out := make([]float32, mode.Channels()*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			idx := y*size + x
			if mode == config.Grayscale {
				g := color.Gray16Model.Convert(c).(color.Gray16)
				out[idx] = float32(g.Y) / 257
				continue
			}
			n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
			out[idx] = float32(n.R) / 257
			out[plane+idx] = float32(n.G) / 257
			out[2*plane+idx] = float32(n.B) / 257
			if mode == config.RGBA {
				out[3*plane+idx] = float32(n.A) / 257
			}
		}
	}
	return out
}
