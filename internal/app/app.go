package app

import (
	"fmt"
	"io"

	"github.com/vjranagit/auc/pkg/integrate"
	"github.com/vjranagit/auc/pkg/report"
)

// spacing is the distance between consecutive samples on the x axis.
const spacing = 1.0

// Samples returns the y-values at x = 0..9.
func Samples() []float64 {
	return []float64{771900, 771500, 770500, 770400, 771000, 772400, 774100, 776700, 777100, 779200}
}

// Run computes both areas and writes them to w, trapezoidal first. Nothing is
// written unless both computations succeed.
func Run(w io.Writer) error {
	y := Samples()

	trapezoid, err := integrate.Trapezoid(y, spacing)
	if err != nil {
		return fmt.Errorf("trapezoidal area: %w", err)
	}

	simpson, err := integrate.Simpson(y, spacing)
	if err != nil {
		return fmt.Errorf("simpson area: %w", err)
	}

	return report.Write(w, []report.Value{
		{Label: "area", Area: trapezoid},
		{Label: "area", Area: simpson},
	})
}
