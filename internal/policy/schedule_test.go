package policy

import (
	"testing"
	"time"

	"github.com/aigos/aigos/internal/config"
)

func TestSchedule_DisabledAllowsEverything(t *testing.T) {
	s, err := NewSchedule(config.ScheduleConfig{Enabled: false, StartHour: 9, EndHour: 17})
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	// 3 AM Sunday, well outside any business window.
	at := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	if !s.Allows(at) {
		t.Error("disabled schedule should allow everything")
	}
}

func TestSchedule_Allows(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ScheduleConfig
		at   time.Time
		want bool
	}{
		{
			name: "inside window",
			cfg:  config.ScheduleConfig{Enabled: true, StartHour: 9, EndHour: 17},
			at:   time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC), // Monday noon
			want: true,
		},
		{
			name: "start hour is inclusive",
			cfg:  config.ScheduleConfig{Enabled: true, StartHour: 9, EndHour: 17},
			at:   time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "end hour is exclusive",
			cfg:  config.ScheduleConfig{Enabled: true, StartHour: 9, EndHour: 17},
			at:   time.Date(2025, 6, 16, 17, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "zero hours mean all day",
			cfg:  config.ScheduleConfig{Enabled: true},
			at:   time.Date(2025, 6, 16, 3, 30, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "day not in allowed list",
			cfg:  config.ScheduleConfig{Enabled: true, AllowedDays: []string{"mon", "tue", "wed", "thu", "fri"}},
			at:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC), // Sunday
			want: false,
		},
		{
			name: "day in allowed list",
			cfg:  config.ScheduleConfig{Enabled: true, AllowedDays: []string{"mon"}, StartHour: 9, EndHour: 17},
			at:   time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "overnight window before midnight",
			cfg:  config.ScheduleConfig{Enabled: true, StartHour: 22, EndHour: 6},
			at:   time.Date(2025, 6, 16, 23, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "overnight window after midnight",
			cfg:  config.ScheduleConfig{Enabled: true, StartHour: 22, EndHour: 6},
			at:   time.Date(2025, 6, 16, 5, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "overnight window gap",
			cfg:  config.ScheduleConfig{Enabled: true, StartHour: 22, EndHour: 6},
			at:   time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "full day names accepted",
			cfg:  config.ScheduleConfig{Enabled: true, AllowedDays: []string{"Monday"}},
			at:   time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC),
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewSchedule(tc.cfg)
			if err != nil {
				t.Fatalf("NewSchedule: %v", err)
			}
			if got := s.Allows(tc.at); got != tc.want {
				t.Errorf("Allows(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestSchedule_ChecksInUTC(t *testing.T) {
	s, err := NewSchedule(config.ScheduleConfig{Enabled: true, StartHour: 9, EndHour: 17})
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	// 20:00 in UTC+8 is 12:00 UTC, inside the window.
	at := time.Date(2025, 6, 16, 20, 0, 0, 0, time.FixedZone("UTC+8", 8*3600))
	if !s.Allows(at) {
		t.Error("local wall time should be converted to UTC before the check")
	}
}

func TestSchedule_RejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ScheduleConfig
	}{
		{"unknown day", config.ScheduleConfig{Enabled: true, AllowedDays: []string{"funday"}}},
		{"negative hour", config.ScheduleConfig{Enabled: true, StartHour: -1}},
		{"start past 23", config.ScheduleConfig{Enabled: true, StartHour: 24}},
		{"end past 24", config.ScheduleConfig{Enabled: true, EndHour: 25}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSchedule(tc.cfg); err == nil {
				t.Error("NewSchedule should reject the config")
			}
		})
	}
}

func TestSchedule_Describe(t *testing.T) {
	s, err := NewSchedule(config.ScheduleConfig{
		Enabled:     true,
		AllowedDays: []string{"mon", "fri"},
		StartHour:   9,
		EndHour:     17,
	})
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	if got, want := s.Describe(), "mon,fri 09:00-17:00 UTC"; got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}
