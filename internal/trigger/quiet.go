package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QuietWindow is a daily [Start, End) clock window, which may wrap past
// midnight ("22:00-08:00"). The zero value is never quiet.
type QuietWindow struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

// ParseQuietWindow parses "HH:MM-HH:MM". An empty string yields a window
// that is never quiet.
func ParseQuietWindow(s string, loc *time.Location) (QuietWindow, error) {
	s = strings.TrimSpace(s)
	w := QuietWindow{Location: loc}
	if s == "" {
		return w, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return w, fmt.Errorf("quiet hours %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return w, fmt.Errorf("quiet hours %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return w, fmt.Errorf("quiet hours %q: %w", s, err)
	}
	w.Start, w.End = start, end
	return w, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w QuietWindow) Contains(t time.Time) bool {
	if w.Start == w.End {
		return false
	}
	if w.Location != nil {
		t = t.In(w.Location)
	}
	clock := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if w.Start < w.End {
		return clock >= w.Start && clock < w.End
	}
	return clock >= w.Start || clock < w.End
}

// IsQuietHours applies the same window to every user.
func (w QuietWindow) IsQuietHours(_ context.Context, _ string, now time.Time) (bool, error) {
	return w.Contains(now), nil
}
