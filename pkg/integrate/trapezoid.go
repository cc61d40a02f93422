package integrate

// Trapezoid integrates y sampled every dx with the composite trapezoidal rule:
//
//	dx * ((y[0]+y[n-1])/2 + y[1] + ... + y[n-2])
//
// A single sample gives 0.
func Trapezoid(y []float64, dx float64) (float64, error) {
	g, err := uniform(len(y), dx)
	if err != nil {
		return 0, err
	}
	return trapezoid(y, g), nil
}

// TrapezoidX integrates y sampled at x with the composite trapezoidal rule.
// x need not be sorted; intervals where x decreases contribute negative area.
func TrapezoidX(y, x []float64) (float64, error) {
	g, err := explicit(len(y), x)
	if err != nil {
		return 0, err
	}
	return trapezoid(y, g), nil
}

func trapezoid(y []float64, g grid) float64 {
	var area float64
	for i := 0; i < len(y)-1; i++ {
		area += g.width(i) * (y[i] + y[i+1]) / 2
	}
	return area
}
