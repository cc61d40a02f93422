package integrate

import "math"

// grid describes where the samples sit on the x axis: either a uniform step
// dx or explicit abscissae x.
type grid struct {
	dx float64
	x  []float64
}

func uniform(n int, dx float64) (grid, error) {
	if n == 0 {
		return grid{}, invalidInput("no samples")
	}
	if !(dx > 0) || math.IsInf(dx, 1) {
		return grid{}, invalidInput("dx must be positive and finite, got %v", dx)
	}
	return grid{dx: dx}, nil
}

func explicit(n int, x []float64) (grid, error) {
	if n == 0 {
		return grid{}, invalidInput("no samples")
	}
	if len(x) != n {
		return grid{}, invalidInput("got %d abscissae for %d samples", len(x), n)
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return grid{}, invalidInput("x[%d] is not finite", i)
		}
	}
	return grid{x: x}, nil
}

func (g grid) isUniform() bool { return g.x == nil }

// width returns the signed width of interval i, between samples i and i+1.
func (g grid) width(i int) float64 {
	if g.isUniform() {
		return g.dx
	}
	return g.x[i+1] - g.x[i]
}

// distinct reports an error if any interval has zero width.
func (g grid) distinct(n int) error {
	if g.isUniform() {
		return nil
	}
	for i := 0; i < n-1; i++ {
		if g.width(i) == 0 {
			return invalidInput("repeated abscissa at x[%d] = %v", i, g.x[i])
		}
	}
	return nil
}
