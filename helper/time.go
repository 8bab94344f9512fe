package helper

import (
	"fmt"
	"time"
)

// FormatRemaining renders the time left until deadline in a compact form.
// A zero deadline is "never"; a passed one is "expired".
func FormatRemaining(deadline, now time.Time) string {
	if deadline.IsZero() {
		return "never"
	}
	d := deadline.Sub(now)
	switch {
	case d <= 0:
		return "expired"
	case d >= time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.1fm", d.Minutes())
	default:
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
}
