package risk

import (
	"fmt"
	"time"

	"github.com/ksred/klear-autopilot/internal/types"
)

// parseClock turns "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InSession reports whether now falls inside the budget's trading window.
// Windows may wrap midnight; identical start and end mean the window never
// closes.
func InSession(b types.RiskBudget, now time.Time) bool {
	start, err := parseClock(b.SessionStart)
	if err != nil {
		return false
	}
	end, err := parseClock(b.SessionEnd)
	if err != nil {
		return false
	}
	if start == end {
		return true
	}

	local := now.In(location(b.Timezone))
	m := local.Hour()*60 + local.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// LastSessionStart returns the latest session-start instant at or before now.
func LastSessionStart(b types.RiskBudget, now time.Time) time.Time {
	loc := location(b.Timezone)
	start, err := parseClock(b.SessionStart)
	if err != nil {
		start = 0
	}

	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), start/60, start%60, 0, 0, loc)
	if candidate.After(local) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// needsRollover reports whether a session boundary has passed since the last
// reset of the realized loss.
func needsRollover(b types.RiskBudget, now time.Time) bool {
	if b.LastRolloverAt == nil {
		return true
	}
	return b.LastRolloverAt.Before(LastSessionStart(b, now))
}
