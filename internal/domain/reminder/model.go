// Package reminder implements the reminder scheduling and delivery engine:
// the policy that maps appointments to reminder events, the durable event and
// attempt stores, the scheduler loop that fires events at their due time, and
// the dispatcher that delivers them across channels with retry and backoff.
package reminder

import (
	"time"

	"github.com/google/uuid"

	"github.com/healthtech/reminder/internal/platform/notification"
)

// ---------------------------------------------------------------------------
// Event model
// ---------------------------------------------------------------------------

// EventState is the lifecycle state of a reminder event.
type EventState string

const (
	// StatePending — waiting for its fire time (or a retry time).
	StatePending EventState = "pending"
	// StateInFlight — a dispatch is in progress. Written to the store before
	// the first sender call so a crash mid-send is recoverable.
	StateInFlight EventState = "in_flight"
	// StateDelivered — every channel delivered. Terminal.
	StateDelivered EventState = "delivered"
	// StateFailed — every channel permanently failed or exhausted its retry
	// budget; some channels may still have delivered (partial failure is
	// recorded per channel, not collapsed). Terminal.
	StateFailed EventState = "failed"
	// StateSkipped — the appointment was cancelled, completed, or rescheduled
	// before delivery finished. Terminal.
	StateSkipped EventState = "skipped"
)

// Terminal reports whether the state admits no further transitions.
func (s EventState) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateSkipped
}

// ChannelStatus tracks per-channel delivery progress for one event.
type ChannelStatus struct {
	Channel           notification.Channel `json:"channel"`
	Attempts          int                  `json:"attempts"`
	Delivered         bool                 `json:"delivered"`
	PermanentlyFailed bool                 `json:"permanently_failed"`
	LastError         *string              `json:"last_error,omitempty"`
}

// Event is one scheduled reminder. Events are keyed by (appointment id, lead
// time, policy version); at most one non-terminal event exists per key.
// Superseded events are transitioned to Skipped, never deleted, so the audit
// trail stays intact.
type Event struct {
	ID            uuid.UUID     `json:"id"`
	AppointmentID uuid.UUID     `json:"appointment_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	LeadTime      time.Duration `json:"lead_time"`
	PolicyVersion int           `json:"policy_version"`
	// AppointmentTime is the appointment start the event was computed for.
	// FireTime moves when retries are scheduled; this does not, so a
	// reschedule is detected by comparing it to the appointment's current
	// start time.
	AppointmentTime time.Time        `json:"appointment_time"`
	FireTime        time.Time        `json:"fire_time"`
	State           EventState       `json:"state"`
	Channels        []*ChannelStatus `json:"channels"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ChannelStatusFor returns the status entry for ch, or nil.
func (e *Event) ChannelStatusFor(ch notification.Channel) *ChannelStatus {
	for _, cs := range e.Channels {
		if cs.Channel == ch {
			return cs
		}
	}
	return nil
}

// AllDelivered reports whether every channel has delivered.
func (e *Event) AllDelivered() bool {
	for _, cs := range e.Channels {
		if !cs.Delivered {
			return false
		}
	}
	return len(e.Channels) > 0
}

// Settled reports whether no channel has work left under the given retry
// limit: each is delivered, permanently failed, or out of attempts.
func (e *Event) Settled(retryLimit int) bool {
	for _, cs := range e.Channels {
		if cs.Delivered || cs.PermanentlyFailed {
			continue
		}
		if cs.Attempts < retryLimit {
			return false
		}
	}
	return true
}

// CloneChannels returns a deep copy of the channel statuses.
func (e *Event) CloneChannels() []*ChannelStatus {
	out := make([]*ChannelStatus, len(e.Channels))
	for i, cs := range e.Channels {
		cp := *cs
		out[i] = &cp
	}
	return out
}

// ---------------------------------------------------------------------------
// Delivery attempts
// ---------------------------------------------------------------------------

// DeliveryAttempt is one append-only log entry per sender invocation.
type DeliveryAttempt struct {
	ID            uuid.UUID            `json:"id"`
	EventID       uuid.UUID            `json:"event_id"`
	AppointmentID uuid.UUID            `json:"appointment_id"`
	Channel       notification.Channel `json:"channel"`
	Attempt       int                  `json:"attempt"`
	Outcome       notification.Outcome `json:"outcome"`
	Error         *string              `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Policy settings
// ---------------------------------------------------------------------------

// PolicySettings is an immutable snapshot of the reminder policy. Settings
// are versioned in an append-only store; events bind the version in force
// when they were created, so a reload never rewrites the semantics of
// already-scheduled reminders.
type PolicySettings struct {
	Version         int                    `json:"version"`
	LeadTimes       []time.Duration        `json:"lead_times"`
	Channels        []notification.Channel `json:"channels"`
	RetryLimit      int                    `json:"retry_limit"`
	BackoffBase     time.Duration          `json:"backoff_base"`
	DispatchTimeout time.Duration          `json:"dispatch_timeout"`
	CreatedAt       time.Time              `json:"created_at"`
}
