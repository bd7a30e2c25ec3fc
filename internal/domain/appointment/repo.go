package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an appointment or patient does not exist.
var ErrNotFound = errors.New("not found")

// Source is the read interface over the CRUD layer's appointment data.
type Source interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListScheduled returns appointments with status "scheduled" whose start
	// time falls in [from, to), ordered by start time. Used by the watcher
	// and by recovery backfill.
	ListScheduled(ctx context.Context, from, to time.Time) ([]*Appointment, error)
}

// Directory resolves patient contact details.
type Directory interface {
	GetContact(ctx context.Context, patientID uuid.UUID) (*Contact, error)
}
