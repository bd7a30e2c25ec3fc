package reminder

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/healthtech/reminder/internal/domain/appointment"
	"github.com/healthtech/reminder/internal/platform/notification"
)

func testSettings() *PolicySettings {
	return &PolicySettings{
		Version:         1,
		LeadTimes:       []time.Duration{24 * time.Hour, time.Hour},
		Channels:        []notification.Channel{notification.ChannelSMS, notification.ChannelEmail},
		RetryLimit:      3,
		BackoffBase:     30 * time.Second,
		DispatchTimeout: 10 * time.Second,
	}
}

func TestComputeEvents_OnePerLeadTime(t *testing.T) {
	now := time.Date(2024, 6, 9, 9, 0, 0, 0, time.UTC)
	start := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	appt := &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		StartTime: start,
		Status:    appointment.StatusScheduled,
	}
	settings := testSettings()

	events := ComputeEvents(appt, settings, now)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if !events[0].FireTime.Equal(start.Add(-24 * time.Hour)) {
		t.Errorf("first fire time = %v, want %v", events[0].FireTime, start.Add(-24*time.Hour))
	}
	if !events[1].FireTime.Equal(start.Add(-time.Hour)) {
		t.Errorf("second fire time = %v, want %v", events[1].FireTime, start.Add(-time.Hour))
	}

	for _, e := range events {
		if e.State != StatePending {
			t.Errorf("state = %q, want %q", e.State, StatePending)
		}
		if e.PolicyVersion != 1 {
			t.Errorf("policy version = %d, want 1", e.PolicyVersion)
		}
		if !e.AppointmentTime.Equal(start) {
			t.Errorf("appointment time = %v, want %v", e.AppointmentTime, start)
		}
		if len(e.Channels) != 2 {
			t.Fatalf("expected 2 channel statuses, got %d", len(e.Channels))
		}
		for _, cs := range e.Channels {
			if cs.Attempts != 0 || cs.Delivered || cs.PermanentlyFailed {
				t.Errorf("channel %s should start zeroed", cs.Channel)
			}
		}
	}
}

func TestComputeEvents_Deterministic(t *testing.T) {
	now := time.Date(2024, 6, 9, 9, 0, 0, 0, time.UTC)
	appt := &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		StartTime: now.Add(48 * time.Hour),
		Status:    appointment.StatusScheduled,
	}
	settings := testSettings()

	a := ComputeEvents(appt, settings, now)
	b := ComputeEvents(appt, settings, now)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].LeadTime != b[i].LeadTime || !a[i].FireTime.Equal(b[i].FireTime) {
			t.Errorf("event %d differs between runs", i)
		}
	}
}

func TestComputeEvents_PastDueStillCreated(t *testing.T) {
	now := time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)
	appt := &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		// 30 minutes out: the 24h and 1h fire times are both in the past.
		StartTime: now.Add(30 * time.Minute),
		Status:    appointment.StatusScheduled,
	}

	events := ComputeEvents(appt, testSettings(), now)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.FireTime.After(now) {
			t.Errorf("expected past-due fire time, got %v", e.FireTime)
		}
		if e.State != StatePending {
			t.Errorf("past-due event state = %q, want %q", e.State, StatePending)
		}
	}
}

func TestValidatePolicySettings(t *testing.T) {
	if err := ValidatePolicySettings(testSettings()); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*PolicySettings)
	}{
		{"no lead times", func(s *PolicySettings) { s.LeadTimes = nil }},
		{"negative lead time", func(s *PolicySettings) { s.LeadTimes = []time.Duration{-time.Hour} }},
		{"no channels", func(s *PolicySettings) { s.Channels = nil }},
		{"unknown channel", func(s *PolicySettings) { s.Channels = []notification.Channel{"fax"} }},
		{"duplicate channel", func(s *PolicySettings) {
			s.Channels = []notification.Channel{notification.ChannelSMS, notification.ChannelSMS}
		}},
		{"zero retry limit", func(s *PolicySettings) { s.RetryLimit = 0 }},
		{"zero backoff", func(s *PolicySettings) { s.BackoffBase = 0 }},
		{"zero dispatch timeout", func(s *PolicySettings) { s.DispatchTimeout = 0 }},
	}
	for _, tc := range cases {
		s := testSettings()
		tc.mutate(s)
		if err := ValidatePolicySettings(s); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
