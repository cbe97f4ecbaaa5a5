// Package query computes trend series, latest values, and the
// dashboard overview. Every function takes the reference instant as a
// parameter, so results are a pure function of store state and now.
package query

import (
	"time"

	mederrors "medidash/internal/errors"
)

// Window selects how far back a trend reaches from the reference
// instant.
type Window string

const (
	Window30d Window = "30d"
	Window90d Window = "90d"
	Window6m  Window = "6m"
	Window1y  Window = "1y"
	WindowAll Window = "all"
)

// Windows lists every valid window in display order.
func Windows() []Window {
	return []Window{Window30d, Window90d, Window6m, Window1y, WindowAll}
}

// ParseWindow validates a window name.
func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case Window30d, Window90d, Window6m, Window1y, WindowAll:
		return Window(s), nil
	}
	return "", mederrors.Validationf("unknown window %q (valid: 30d, 90d, 6m, 1y, all)", s)
}

// Bounds returns the inclusive [from, now] interval for the window.
// A nil from means unbounded history. Day windows subtract whole days;
// month and year windows use calendar arithmetic, so month-end starts
// normalize forward (Mar 31 minus 6 months is Oct 1).
func (w Window) Bounds(now time.Time) (*time.Time, *time.Time, error) {
	to := now
	var from time.Time

	switch w {
	case Window30d:
		from = now.AddDate(0, 0, -30)
	case Window90d:
		from = now.AddDate(0, 0, -90)
	case Window6m:
		from = now.AddDate(0, -6, 0)
	case Window1y:
		from = now.AddDate(-1, 0, 0)
	case WindowAll:
		return nil, &to, nil
	default:
		return nil, nil, mederrors.Validationf("unknown window %q", string(w))
	}

	return &from, &to, nil
}
