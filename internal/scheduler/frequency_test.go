package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"curator/internal/config"
)

// fixedRand always returns the same fraction.
type fixedRand struct {
	v float64
}

func (r fixedRand) Float64() float64 { return r.v }

func intervalCfg(base, jitter int) config.FrequencyConfig {
	return config.FrequencyConfig{
		Mode: "interval",
		Interval: config.IntervalConfig{
			BaseMinutes:   base,
			JitterMinutes: jitter,
		},
	}
}

func TestNextRun_IntervalWithoutJitter(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	next := NextRun(intervalCfg(30, 0), now, fixedRand{v: 0.99})

	assert.Equal(t, now.Add(30*time.Minute), next)
}

func TestNextRun_IntervalJitterBounds(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cfg := intervalCfg(60, 10)

	tests := []struct {
		name string
		rng  float64
		want time.Time
	}{
		{"midpoint cancels jitter", 0.5, now.Add(60 * time.Minute)},
		{"low end subtracts full jitter", 0.0, now.Add(50 * time.Minute)},
		{"high end approaches plus jitter", 1.0, now.Add(70 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRun(cfg, now, fixedRand{v: tt.rng}))
		})
	}
}

func TestNextRun_IntervalAlwaysInFuture(t *testing.T) {
	// Static validation caps jitter at half the base, so even the lowest
	// draw keeps the next run ahead of now.
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	next := NextRun(intervalCfg(20, 10), now, fixedRand{v: 0.0})

	assert.True(t, next.After(now))
	assert.Equal(t, now.Add(10*time.Minute), next)
}

func TestNextRun_IntervalWindowPushesForward(t *testing.T) {
	cfg := intervalCfg(30, 0)
	cfg.Interval.Window = &config.WindowConfig{Start: "22:00", End: "04:00"}

	// 10:30 is outside the window, so the run is pushed to tonight's opening.
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	next := NextRun(cfg, now, fixedRand{v: 0.5})
	assert.Equal(t, time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), next)

	// 23:00 + 30m stays inside the wrapped window.
	now = time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	next = NextRun(cfg, now, fixedRand{v: 0.5})
	assert.Equal(t, now.Add(30*time.Minute), next)
}

func TestNextRun_Daily(t *testing.T) {
	cfg := config.FrequencyConfig{
		Mode:  "daily",
		Daily: config.WindowConfig{Start: "02:00", End: "04:00"},
	}

	// Before today's window: scheduled within it today.
	now := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	next := NextRun(cfg, now, fixedRand{v: 0.5})
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)

	// After today's slot: pushed to tomorrow.
	now = time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	next = NextRun(cfg, now, fixedRand{v: 0.0})
	assert.Equal(t, time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRun_WeeklyHonorsWeekdays(t *testing.T) {
	cfg := config.FrequencyConfig{
		Mode: "weekly",
		Weekly: config.WeeklyConfig{
			Weekdays: []string{"monday", "thursday"},
			Window:   config.WindowConfig{Start: "06:00", End: "07:00"},
		},
	}

	// Monday 2026-03-02, already past the window: next slot is Thursday.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next := NextRun(cfg, now, fixedRand{v: 0.0})

	assert.Equal(t, time.Thursday, next.Weekday())
	assert.Equal(t, time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC), next)
}
