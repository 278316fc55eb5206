package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extensions lists the image file extensions picked up during discovery.
var Extensions = []string{".bmp", ".gif", ".jpeg", ".jpg", ".png"}

// ErrNoImages is returned when a data directory holds no usable images.
var ErrNoImages = errors.New("dataset: no images found")

// Sample is one labeled image file.
type Sample struct {
	Path  string
	Label int
}

// Folder is a labeled image directory: one class per immediate
// subdirectory, labels assigned in sorted class-name order.
type Folder struct {
	Root       string
	ClassNames []string
	Samples    []Sample
}

// NumClasses returns the number of discovered classes.
func (f *Folder) NumClasses() int {
	return len(f.ClassNames)
}

// ClassCounts returns the number of samples per label.
func (f *Folder) ClassCounts() []int {
	counts := make([]int, len(f.ClassNames))
	for _, s := range f.Samples {
		counts[s.Label]++
	}
	return counts
}

// DiscoverClasses indexes root. Files are collected recursively below each
// class directory and sorted, so the result depends only on the tree.
func DiscoverClasses(root string) (*Folder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("discover classes: %w", err)
	}

	folder := &Folder{Root: root}
	for _, e := range entries {
		if e.IsDir() {
			folder.ClassNames = append(folder.ClassNames, e.Name())
		}
	}
	sort.Strings(folder.ClassNames)
	if len(folder.ClassNames) == 0 {
		return nil, fmt.Errorf("discover classes: no class directories under %s", root)
	}

	for label, name := range folder.ClassNames {
		files, err := discoverImages(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			folder.Samples = append(folder.Samples, Sample{Path: path, Label: label})
		}
	}
	if len(folder.Samples) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoImages, root)
	}
	return folder, nil
}

func discoverImages(dir string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isImage(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover images: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
