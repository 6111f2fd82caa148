package throttle

import (
	"fmt"
	"math"
)

// Directive is the outcome of one classification policy.
type Directive int

const (
	Keep Directive = iota
	Decrease
	Increase
)

func (d Directive) String() string {
	switch d {
	case Keep:
		return "keep"
	case Decrease:
		return "decrease"
	case Increase:
		return "increase"
	default:
		return fmt.Sprintf("directive(%d)", int(d))
	}
}

// MarshalText renders the directive by name in JSON payloads.
func (d Directive) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a directive name.
func (d *Directive) UnmarshalText(text []byte) error {
	switch string(text) {
	case "keep":
		*d = Keep
	case "decrease":
		*d = Decrease
	case "increase":
		*d = Increase
	default:
		return fmt.Errorf("unknown directive %q", text)
	}
	return nil
}

// ReduceRadius returns max(minimum, floor(factor*current)). Callers compare the
// result with current to detect a no-op.
func ReduceRadius(current, minimum int, factor float64) int {
	next := int(math.Floor(factor * float64(current)))
	return max(minimum, next)
}

// GrowRadius returns min(current+1, ceiling).
func GrowRadius(current, ceiling int) int {
	return min(current+1, ceiling)
}
