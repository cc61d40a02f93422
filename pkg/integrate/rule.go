package integrate

import "strings"

// Rule names an integration rule.
type Rule string

const (
	RuleTrapezoid Rule = "trapezoid"
	RuleSimpson   Rule = "simpson"
)

// Rules returns every rule in reporting order.
func Rules() []Rule {
	return []Rule{RuleTrapezoid, RuleSimpson}
}

// ParseRule maps a rule name, or the short forms "trapz" and "simps", to a Rule.
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trapezoid", "trapz":
		return RuleTrapezoid, nil
	case "simpson", "simps":
		return RuleSimpson, nil
	}
	return "", invalidInput("unknown rule %q", s)
}

// Integrate applies rule to y sampled every dx. Options only affect
// RuleSimpson.
func Integrate(rule Rule, y []float64, dx float64, opts ...Option) (float64, error) {
	switch rule {
	case RuleTrapezoid:
		return Trapezoid(y, dx)
	case RuleSimpson:
		return Simpson(y, dx, opts...)
	}
	return 0, invalidInput("unknown rule %q", rule)
}

// IntegrateX applies rule to y sampled at x.
func IntegrateX(rule Rule, y, x []float64, opts ...Option) (float64, error) {
	switch rule {
	case RuleTrapezoid:
		return TrapezoidX(y, x)
	case RuleSimpson:
		return SimpsonX(y, x, opts...)
	}
	return 0, invalidInput("unknown rule %q", rule)
}
