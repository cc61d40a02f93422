package integrate

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when the samples or their spacing cannot be
// integrated: no samples, a non-positive or non-finite dx, mismatched x and y
// lengths, or repeated abscissae where a rule needs distinct ones.
var ErrInvalidInput = errors.New("integrate: invalid input")

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
