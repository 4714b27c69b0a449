package logsink

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the time boundary at which the active log file is rotated.
type Frequency string

const (
	Hourly  Frequency = "hourly"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// Frequencies lists every supported rotation frequency.
var Frequencies = []Frequency{Hourly, Daily, Weekly, Monthly, Yearly}

// ParseFrequency converts a config value into a Frequency.
// An empty string selects Daily.
func ParseFrequency(s string) (Frequency, error) {
	if s == "" {
		return Daily, nil
	}
	for _, f := range Frequencies {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown rotation frequency %q", s)
}

// PeriodStart returns the beginning of the rotation period containing t,
// in t's location. Weeks start on Monday.
func (f Frequency) PeriodStart(t time.Time) time.Time {
	y, m, d := t.Date()
	loc := t.Location()

	switch f {
	case Hourly:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case Weekly:
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case Yearly:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
}
