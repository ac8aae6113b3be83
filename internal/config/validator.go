package config

import (
	"fmt"
	"strings"
	"time"
)

const windowLayout = "15:04"

var validWeekdays = map[string]bool{
	"monday":    true,
	"tuesday":   true,
	"wednesday": true,
	"thursday":  true,
	"friday":    true,
	"saturday":  true,
	"sunday":    true,
}

// ValidateStatic rejects configurations that must prevent startup. An
// invalid auto-apply frequency is fatal here rather than at the first
// scheduler cycle.
func ValidateStatic(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Logging.Level != "" {
		switch cfg.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
		}
	}

	if cfg.AutoApply.MinConfidence < 0 || cfg.AutoApply.MinConfidence > 1 {
		return fmt.Errorf("auto_apply.min_confidence must be in [0,1], got %f", cfg.AutoApply.MinConfidence)
	}

	if cfg.AutoApply.MaxProposalsPerRun < 0 {
		return fmt.Errorf("auto_apply.max_proposals_per_run must not be negative")
	}

	for _, rule := range cfg.AutoApply.ExclusionRules {
		if rule.Name == "" {
			return fmt.Errorf("auto_apply.exclusion_rules entries require a name")
		}
		if rule.Expression == "" {
			return fmt.Errorf("auto_apply.exclusion_rules[%s] requires an expression", rule.Name)
		}
	}

	if cfg.AutoApply.Enabled {
		if err := validateFrequency(cfg.AutoApply.Frequency); err != nil {
			return fmt.Errorf("auto_apply.frequency: %w", err)
		}
	}

	return nil
}

func validateFrequency(freq FrequencyConfig) error {
	switch freq.Mode {
	case "interval":
		if freq.Interval.BaseMinutes <= 0 {
			return fmt.Errorf("interval.base_minutes must be positive, got %d", freq.Interval.BaseMinutes)
		}
		if freq.Interval.JitterMinutes < 0 {
			return fmt.Errorf("interval.jitter_minutes must not be negative")
		}
		if freq.Interval.JitterMinutes*2 > freq.Interval.BaseMinutes {
			return fmt.Errorf("interval.jitter_minutes (%d) must not exceed half of base_minutes (%d)",
				freq.Interval.JitterMinutes, freq.Interval.BaseMinutes)
		}
		if freq.Interval.Window != nil {
			if err := validateWindow(*freq.Interval.Window); err != nil {
				return fmt.Errorf("interval.window: %w", err)
			}
		}
	case "daily":
		if err := validateWindow(freq.Daily); err != nil {
			return fmt.Errorf("daily: %w", err)
		}
	case "weekly":
		if len(freq.Weekly.Weekdays) == 0 {
			return fmt.Errorf("weekly.weekdays must not be empty")
		}
		for _, day := range freq.Weekly.Weekdays {
			if !validWeekdays[strings.ToLower(day)] {
				return fmt.Errorf("weekly.weekdays contains unknown weekday %q", day)
			}
		}
		if err := validateWindow(freq.Weekly.Window); err != nil {
			return fmt.Errorf("weekly.window: %w", err)
		}
	default:
		return fmt.Errorf("mode must be one of interval, daily, weekly; got %q", freq.Mode)
	}

	return nil
}

func validateWindow(w WindowConfig) error {
	if w.Start == "" || w.End == "" {
		return fmt.Errorf("window requires both start and end in %q format", windowLayout)
	}
	if _, err := time.Parse(windowLayout, w.Start); err != nil {
		return fmt.Errorf("invalid window start %q: %w", w.Start, err)
	}
	if _, err := time.Parse(windowLayout, w.End); err != nil {
		return fmt.Errorf("invalid window end %q: %w", w.End, err)
	}
	return nil
}
