package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/aigos/aigos/internal/config"
)

// dayAbbrev maps the short day names accepted in configuration to weekdays.
var dayAbbrev = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Schedule is a compiled allowed-hours window. All checks are in UTC.
// StartHour is inclusive, EndHour exclusive; equal hours mean no hour
// restriction, and a start after the end wraps past midnight.
type Schedule struct {
	enabled bool
	days    map[time.Weekday]bool // empty = every day
	start   int
	end     int
}

// NewSchedule compiles a schedule config. Unknown day names and out-of-range
// hours fail here, at load time, never during a check.
func NewSchedule(cfg config.ScheduleConfig) (*Schedule, error) {
	s := &Schedule{
		enabled: cfg.Enabled,
		days:    make(map[time.Weekday]bool, len(cfg.AllowedDays)),
		start:   cfg.StartHour,
		end:     cfg.EndHour,
	}
	if !cfg.Enabled {
		return s, nil
	}

	if cfg.StartHour < 0 || cfg.StartHour > 23 || cfg.EndHour < 0 || cfg.EndHour > 24 {
		return nil, fmt.Errorf("schedule hours out of range: start %d, end %d", cfg.StartHour, cfg.EndHour)
	}
	for _, d := range cfg.AllowedDays {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := dayAbbrev[key]
		if !ok {
			return nil, fmt.Errorf("unknown schedule day %q", d)
		}
		s.days[wd] = true
	}
	return s, nil
}

// Allows reports whether t falls inside the allowed window. A disabled
// schedule allows everything.
func (s *Schedule) Allows(t time.Time) bool {
	if s == nil || !s.enabled {
		return true
	}
	t = t.UTC()
	if len(s.days) > 0 && !s.days[t.Weekday()] {
		return false
	}
	h := t.Hour()
	switch {
	case s.start == s.end:
		return true
	case s.start < s.end:
		return h >= s.start && h < s.end
	default:
		return h >= s.start || h < s.end
	}
}

// Describe renders the window for deny reasons, e.g. "mon,tue 09:00-17:00 UTC".
func (s *Schedule) Describe() string {
	hours := "all day"
	if s.start != s.end {
		hours = fmt.Sprintf("%02d:00-%02d:00 UTC", s.start, s.end)
	}
	if len(s.days) == 0 {
		return "every day " + hours
	}
	names := make([]string, 0, len(s.days))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if s.days[wd] {
			names = append(names, strings.ToLower(wd.String()[:3]))
		}
	}
	return strings.Join(names, ",") + " " + hours
}
