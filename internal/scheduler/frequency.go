package scheduler

import (
	"time"

	"curator/internal/config"
)

// Rand is the randomness the frequency computation consumes. Injecting it
// keeps NextRun deterministic under test.
type Rand interface {
	Float64() float64
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NextRun computes the next auto-apply wake-up strictly after now. The
// configuration is assumed valid (static validation runs at startup).
func NextRun(cfg config.FrequencyConfig, now time.Time, rng Rand) time.Time {
	switch cfg.Mode {
	case "daily":
		return nextWindowed(cfg.Daily, now, rng, nil)
	case "weekly":
		allowed := make(map[time.Weekday]bool, len(cfg.Weekly.Weekdays))
		for _, name := range cfg.Weekly.Weekdays {
			if wd, ok := weekdayNames[name]; ok {
				allowed[wd] = true
			}
		}
		return nextWindowed(cfg.Weekly.Window, now, rng, allowed)
	default:
		return nextInterval(cfg.Interval, now, rng)
	}
}

// nextInterval schedules now + base with a symmetric jitter. The jitter is
// capped at half the base interval by static validation, so the result is
// always strictly in the future.
func nextInterval(cfg config.IntervalConfig, now time.Time, rng Rand) time.Time {
	base := time.Duration(cfg.BaseMinutes) * time.Minute
	next := now.Add(base)

	if cfg.JitterMinutes > 0 {
		jitter := time.Duration(cfg.JitterMinutes) * time.Minute
		offset := time.Duration((rng.Float64()*2 - 1) * float64(jitter))
		next = next.Add(offset)
	}

	if cfg.Window != nil && !inWindow(next, *cfg.Window) {
		next = nextWindowStart(next, *cfg.Window)
	}

	return next
}

// nextWindowed picks a uniformly random instant inside the window on the
// earliest allowed day whose slot is still in the future. A nil allowed
// set permits every weekday.
func nextWindowed(window config.WindowConfig, now time.Time, rng Rand, allowed map[time.Weekday]bool) time.Time {
	startMin := clockMinutes(window.Start)
	length := windowLength(window)
	offset := time.Duration(rng.Float64() * float64(length))

	for day := 0; day <= 7; day++ {
		date := now.AddDate(0, 0, day)
		if allowed != nil && !allowed[date.Weekday()] {
			continue
		}
		slot := midnight(date).Add(time.Duration(startMin) * time.Minute).Add(offset)
		if slot.After(now) {
			return slot
		}
	}

	// Unreachable with at least one allowed weekday; fall back a week out.
	return midnight(now.AddDate(0, 0, 7)).Add(time.Duration(startMin) * time.Minute).Add(offset)
}

// clockMinutes parses a "15:04" bound into minutes since midnight.
func clockMinutes(clock string) int {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}

// windowLength handles windows wrapping past midnight: [22:00, 02:00] is
// four hours long.
func windowLength(window config.WindowConfig) time.Duration {
	start := clockMinutes(window.Start)
	end := clockMinutes(window.End)

	minutes := end - start
	if minutes <= 0 {
		minutes += 24 * 60
	}
	return time.Duration(minutes) * time.Minute
}

func inWindow(t time.Time, window config.WindowConfig) bool {
	start := clockMinutes(window.Start)
	end := clockMinutes(window.End)
	cur := t.Hour()*60 + t.Minute()

	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// nextWindowStart pushes t forward to the next opening of the window.
func nextWindowStart(t time.Time, window config.WindowConfig) time.Time {
	start := clockMinutes(window.Start)
	opening := midnight(t).Add(time.Duration(start) * time.Minute)
	if !opening.After(t) {
		opening = opening.AddDate(0, 0, 1)
	}
	return opening
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
