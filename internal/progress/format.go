package progress

import (
	"fmt"
	"math"
)

// FormatETA renders seconds as "42s" or "3m 5s", rounding up.
func FormatETA(seconds float64) string {
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	s := int(math.Ceil(seconds))
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	return fmt.Sprintf("%dm %ds", s/60, s%60)
}
