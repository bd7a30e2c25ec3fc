package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an event, attempt, or settings version
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned by TransitionState when the event is not
	// in the expected source state. It is how concurrent recovery passes and
	// retry timers are prevented from double-dispatching a channel.
	ErrStateConflict = errors.New("event state conflict")
	// ErrDuplicateEvent is returned by Create when a non-terminal event with
	// the same (appointment, lead time, policy version) key already exists.
	ErrDuplicateEvent = errors.New("duplicate active event")
)

// EventRepository is the system of record for reminder events. The
// scheduler's in-memory index is a cache rebuilt from ListActive on startup.
type EventRepository interface {
	Create(ctx context.Context, e *Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	// GetByKey returns the non-terminal event for the given key, if any.
	GetByKey(ctx context.Context, appointmentID uuid.UUID, leadTime time.Duration, policyVersion int) (*Event, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Event, error)
	// ListActive returns all events in state Pending or InFlight.
	ListActive(ctx context.Context) ([]*Event, error)
	// TransitionState atomically moves the event from one state to another,
	// returning ErrStateConflict if the stored state differs from `from`.
	TransitionState(ctx context.Context, id uuid.UUID, from, to EventState) error
	// UpdateChannels replaces the per-channel delivery progress.
	UpdateChannels(ctx context.Context, id uuid.UUID, channels []*ChannelStatus) error
	// UpdateFireTime moves the event's next due time (retry scheduling).
	UpdateFireTime(ctx context.Context, id uuid.UUID, fireTime time.Time) error
	// ResetForResend zeroes attempt counters and failure flags of a Failed
	// event and reschedules it at fireTime in state Pending. Returns
	// ErrStateConflict when the event is not Failed.
	ResetForResend(ctx context.Context, id uuid.UUID, fireTime time.Time) error
}

// AttemptRepository is the append-only delivery attempt log.
type AttemptRepository interface {
	Record(ctx context.Context, a *DeliveryAttempt) error
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]*DeliveryAttempt, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*DeliveryAttempt, error)
}

// SettingsRepository stores policy snapshots append-only; versions are
// assigned on append and never reused.
type SettingsRepository interface {
	// Append validates nothing; callers validate first. It assigns the next
	// version number and stamps CreatedAt.
	Append(ctx context.Context, s *PolicySettings) error
	Get(ctx context.Context, version int) (*PolicySettings, error)
	Current(ctx context.Context) (*PolicySettings, error)
}
