package integrate

import (
	"fmt"
	"strings"
)

// Policy selects how Simpson's rule treats the odd interval left over when
// the number of samples is even.
type Policy int

const (
	// Cartwright applies Simpson's rule to the first n-1 samples and adds the
	// area of the last interval under the parabola through the final three.
	Cartwright Policy = iota
	// First applies Simpson's rule to the first n-1 samples and the
	// trapezoidal rule to the last interval.
	First
	// Last applies the trapezoidal rule to the first interval and Simpson's
	// rule to the last n-1 samples.
	Last
	// Average is the mean of First and Last.
	Average
)

var policyNames = map[Policy]string{
	Cartwright: "cartwright",
	First:      "first",
	Last:       "last",
	Average:    "avg",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps a policy name to a Policy. "simpson" is accepted as an
// alias for Cartwright and "average" for Average.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cartwright", "simpson":
		return Cartwright, nil
	case "first":
		return First, nil
	case "last":
		return Last, nil
	case "avg", "average":
		return Average, nil
	}
	return 0, invalidInput("unknown simpson policy %q", s)
}

// Option configures Simpson and SimpsonX.
type Option func(*options)

type options struct {
	policy Policy
}

// WithPolicy sets the even-sample policy. The default is Cartwright.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// Simpson integrates y sampled every dx with the composite Simpson's rule.
// One sample gives 0; two samples fall back to a single trapezoid.
func Simpson(y []float64, dx float64, opts ...Option) (float64, error) {
	g, err := uniform(len(y), dx)
	if err != nil {
		return 0, err
	}
	return simpson(y, g, opts)
}

// SimpsonX integrates y sampled at x with the composite Simpson's rule for
// irregular spacing. Adjacent abscissae must differ.
func SimpsonX(y, x []float64, opts ...Option) (float64, error) {
	g, err := explicit(len(y), x)
	if err != nil {
		return 0, err
	}
	if err := g.distinct(len(y)); err != nil {
		return 0, err
	}
	return simpson(y, g, opts)
}

func simpson(y []float64, g grid, opts []Option) (float64, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if _, ok := policyNames[o.policy]; !ok {
		return 0, invalidInput("unknown simpson policy %v", o.policy)
	}

	n := len(y)
	switch {
	case n == 1:
		return 0, nil
	case n == 2:
		return trapezoid(y, g), nil
	case n%2 == 1:
		return basicSimpson(y, g, 0, n-2), nil
	}

	switch o.policy {
	case First:
		return basicSimpson(y, g, 0, n-3) + lastInterval(y, g), nil
	case Last:
		return basicSimpson(y, g, 1, n-2) + firstInterval(y, g), nil
	case Average:
		result := (basicSimpson(y, g, 0, n-3) + basicSimpson(y, g, 1, n-2)) / 2
		val := (lastInterval(y, g) + firstInterval(y, g)) / 2
		return result + val, nil
	}
	return basicSimpson(y, g, 0, n-3) + cartwright(y, g), nil
}

// basicSimpson sums Simpson panels whose left sample index runs from start
// up to (excluding) stop in steps of two.
func basicSimpson(y []float64, g grid, start, stop int) float64 {
	var sum float64
	if g.isUniform() {
		for i := start; i < stop; i += 2 {
			sum += y[i] + 4*y[i+1] + y[i+2]
		}
		return sum * g.dx / 3
	}
	for i := start; i < stop; i += 2 {
		h0, h1 := g.width(i), g.width(i+1)
		hsum, hprod, ratio := h0+h1, h0*h1, h0/h1
		sum += hsum / 6 * (y[i]*(2-1/ratio) + y[i+1]*(hsum*hsum/hprod) + y[i+2]*(2-ratio))
	}
	return sum
}

// cartwright is the area of the last interval under the parabola through the
// final three samples.
func cartwright(y []float64, g grid) float64 {
	n := len(y)
	h0, h1 := g.width(n-3), g.width(n-2)
	alpha := (2*h1*h1 + 3*h0*h1) / (6 * (h0 + h1))
	beta := (h1*h1 + 3*h0*h1) / (6 * h0)
	eta := h1 * h1 * h1 / (6 * h0 * (h0 + h1))
	// Explicit conversions keep each product rounded, so the result does not
	// depend on whether the platform fuses multiply-adds.
	return float64(alpha*y[n-1]) + float64(beta*y[n-2]) - float64(eta*y[n-3])
}

func firstInterval(y []float64, g grid) float64 {
	return 0.5 * g.width(0) * (y[1] + y[0])
}

func lastInterval(y []float64, g grid) float64 {
	n := len(y)
	return 0.5 * g.width(n-2) * (y[n-1] + y[n-2])
}
