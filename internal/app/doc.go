// Package app runs the auc computation: the trapezoidal and Simpson areas of a
// fixed set of ten unit-spaced samples, reported as two "area = <float>" lines.
package app
