// Package labels reads and writes the class-name list that maps logit
// indices back to class directory names.
package labels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf16"
)

// CratedSuffix marks a class name as the crated variant of an item.
const CratedSuffix = "-crated"

// Encode renders names as a JSON array indented by two spaces, followed by
// a newline. Output is pure ASCII: characters from DEL upwards are written as
// lowercase \uXXXX escapes, using surrogate pairs above U+FFFF, and HTML
// characters are left as is.
func Encode(names []string) ([]byte, error) {
	if names == nil {
		names = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(names); err != nil {
		return nil, err
	}
	return asciiEscape(buf.Bytes()), nil
}

// asciiEscape rewrites every rune >= 0x7f in encoded JSON as an escape.
// Such runes can only occur inside string literals.
func asciiEscape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, r := range string(data) {
		switch {
		case r < 0x7f:
			out = append(out, byte(r))
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			out = fmt.Appendf(out, `\u%04x\u%04x`, hi, lo)
		default:
			out = fmt.Appendf(out, `\u%04x`, r)
		}
	}
	return out
}

// Write stores names at path, replacing any existing file.
func Write(path string, names []string) error {
	data, err := Encode(names)
	if err != nil {
		return fmt.Errorf("encode class names: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write class names: %w", err)
	}
	return nil
}

// Read loads a class-name list written by Write.
func Read(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class names: %w", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("parse class names: %w", err)
	}
	if len(names) == 0 {
		return nil, errors.New("labels: class name list is empty")
	}
	return names, nil
}

// Item is a class name split into its code name and crated flag.
type Item struct {
	CodeName string
	Crated   bool
}

// Decode splits the crated suffix off a class name.
func Decode(name string) Item {
	if code, ok := strings.CutSuffix(name, CratedSuffix); ok {
		return Item{CodeName: code, Crated: true}
	}
	return Item{CodeName: name}
}
