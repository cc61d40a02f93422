// Package integrate approximates definite integrals over discrete samples.
//
// Two composite rules are provided, each in a uniform-spacing form taking dx
// and an explicit-abscissae form taking x:
//
//   - Trapezoid, TrapezoidX: the composite trapezoidal rule.
//   - Simpson, SimpsonX: the composite Simpson's rule. An even number of
//     samples leaves one interval that a parabola cannot cover on its own;
//     Policy selects how that interval is handled. The default, Cartwright,
//     fits the last interval to the parabola through the final three samples.
//
// All functions are pure. Invalid input is reported with an error wrapping
// ErrInvalidInput; a single sample integrates to zero.
package integrate
