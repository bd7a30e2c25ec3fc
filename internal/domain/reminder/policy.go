package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthtech/reminder/internal/domain/appointment"
	"github.com/healthtech/reminder/internal/platform/notification"
)

// ComputeEvents maps an appointment and a policy snapshot into the reminder
// events that should exist for it: one per lead time, firing at the
// appointment start minus the lead. Pure, no I/O.
//
// Events whose fire time is already in the past are still created; the
// scheduler picks them up on its next tick instead of silently dropping an
// appointment created inside its own reminder window.
func ComputeEvents(a *appointment.Appointment, settings *PolicySettings, now time.Time) []*Event {
	events := make([]*Event, 0, len(settings.LeadTimes))
	for _, lead := range settings.LeadTimes {
		channels := make([]*ChannelStatus, len(settings.Channels))
		for i, ch := range settings.Channels {
			channels[i] = &ChannelStatus{Channel: ch}
		}
		events = append(events, &Event{
			ID:              uuid.New(),
			AppointmentID:   a.ID,
			PatientID:       a.PatientID,
			LeadTime:        lead,
			PolicyVersion:   settings.Version,
			AppointmentTime: a.StartTime,
			FireTime:        a.StartTime.Add(-lead),
			State:           StatePending,
			Channels:        channels,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return events
}

// ValidatePolicySettings rejects snapshots that could never deliver a
// reminder. Called on every settings reload; invalid settings are refused,
// never silently defaulted.
func ValidatePolicySettings(s *PolicySettings) error {
	if len(s.LeadTimes) == 0 {
		return fmt.Errorf("policy settings: at least one lead time is required")
	}
	for _, lead := range s.LeadTimes {
		if lead <= 0 {
			return fmt.Errorf("policy settings: lead time must be positive, got %s", lead)
		}
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("policy settings: at least one channel is required")
	}
	seen := make(map[notification.Channel]bool)
	for _, ch := range s.Channels {
		if _, err := notification.ParseChannel(string(ch)); err != nil {
			return fmt.Errorf("policy settings: %w", err)
		}
		if seen[ch] {
			return fmt.Errorf("policy settings: duplicate channel %q", ch)
		}
		seen[ch] = true
	}
	if s.RetryLimit < 1 {
		return fmt.Errorf("policy settings: retry limit must be at least 1, got %d", s.RetryLimit)
	}
	if s.BackoffBase <= 0 {
		return fmt.Errorf("policy settings: backoff base must be positive, got %s", s.BackoffBase)
	}
	if s.DispatchTimeout <= 0 {
		return fmt.Errorf("policy settings: dispatch timeout must be positive, got %s", s.DispatchTimeout)
	}
	return nil
}
