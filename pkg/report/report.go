// Package report writes labelled area values as plain text lines.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Value is one labelled result line.
type Value struct {
	Label string
	Area  float64
}

// Write prints each value as "<label> = <float>", one per line, in order.
func Write(w io.Writer, values []Value) error {
	for _, v := range values {
		if _, err := fmt.Fprintf(w, "%s = %s\n", v.Label, FormatFloat(v.Area)); err != nil {
			return fmt.Errorf("write %s: %w", v.Label, err)
		}
	}
	return nil
}

// FormatFloat renders f with the fewest digits that round-trip. Integral
// values keep a trailing ".0", magnitudes outside [1e-4, 1e16) use exponent
// notation, and non-finite values print as nan, inf or -inf.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}

	if abs := math.Abs(f); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
