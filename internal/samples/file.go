package samples

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Vector3 is a three-axis sample in the sensor's physical unit.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ParseFunc turns the whitespace-separated columns of one line into a sample.
type ParseFunc[T any] func(cols []string) (T, error)

var (
	errColumns   = errors.New("wrong number of columns")
	errNotFinite = errors.New("value is not finite")
)

// FormatError reports a malformed line in a sample file.
type FormatError struct {
	Path string
	Line int // 1-based
	Text string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("samples: wrong data format in %s at line %d: %s (%v)", e.Path, e.Line, e.Text, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func parseFloats(cols []string, n int) ([]float64, error) {
	if len(cols) != n {
		return nil, fmt.Errorf("%w: got %d, want %d", errColumns, len(cols), n)
	}
	out := make([]float64, n)
	for i, c := range cols {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("column %d: %w", i+1, errNotFinite)
		}
		out[i] = v
	}
	return out, nil
}

// ParseVector reads "x y z".
func ParseVector(cols []string) (Vector3, error) {
	v, err := parseFloats(cols, 3)
	if err != nil {
		return Vector3{}, err
	}
	return Vector3{X: v[0], Y: v[1], Z: v[2]}, nil
}

// ParseInt16Vector reads "x y z" where every column is a decimal int16.
// Fractions, exponents and out-of-range counts are rejected.
func ParseInt16Vector(cols []string) (Vector3, error) {
	if len(cols) != 3 {
		return Vector3{}, fmt.Errorf("%w: got %d, want 3", errColumns, len(cols))
	}
	var v [3]float64
	for i, c := range cols {
		n, err := strconv.ParseInt(c, 10, 16)
		if err != nil {
			return Vector3{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		v[i] = float64(n)
	}
	return Vector3{X: v[0], Y: v[1], Z: v[2]}, nil
}

// ParseScalar reads a single value.
func ParseScalar(cols []string) (float64, error) {
	v, err := parseFloats(cols, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Read parses every non-blank line of r. Lines starting with '#' are
// comments. name is used in errors.
func Read[T any](r io.Reader, name string, parse ParseFunc[T]) ([]T, error) {
	var out []T
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		s, err := parse(strings.Fields(trimmed))
		if err != nil {
			return nil, &FormatError{Path: name, Line: line, Text: text, Err: err}
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("samples: read %s: %w", name, err)
	}
	return out, nil
}

// ReadFile is Read on the named file.
func ReadFile[T any](path string, parse ParseFunc[T]) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("samples: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f, path, parse)
}
