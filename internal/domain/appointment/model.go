// Package appointment exposes the read-only surface of the patient/appointment
// CRUD layer that the reminder engine consumes. The engine never writes
// appointments; it observes them.
package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses, matching the CRUD layer's lifecycle.
const (
	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Appointment maps to the appointment table.
type Appointment struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	StartTime time.Time `db:"start_time" json:"start_time"`
	Type      string    `db:"type" json:"type"`
	Notes     *string   `db:"notes" json:"notes,omitempty"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsScheduled reports whether the appointment is still eligible for reminders.
func (a *Appointment) IsScheduled() bool { return a.Status == StatusScheduled }

// Contact holds the patient details needed to address a reminder.
type Contact struct {
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Name      string    `db:"name" json:"name"`
	Phone     string    `db:"phone" json:"phone"`
	Email     string    `db:"email" json:"email"`
}
