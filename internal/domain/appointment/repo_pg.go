package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type sourcePG struct{ pool *pgxpool.Pool }

// NewSourcePG creates a Postgres-backed read adapter over the CRUD layer's
// appointment table.
func NewSourcePG(pool *pgxpool.Pool) Source { return &sourcePG{pool: pool} }

const apptCols = `id, patient_id, start_time, type, notes, status, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.StartTime, &a.Type, &a.Notes, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *sourcePG) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *sourcePG) ListScheduled(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptCols+` FROM appointments
		WHERE status = 'scheduled' AND start_time >= $1 AND start_time < $2
		ORDER BY start_time, id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG creates a Postgres-backed patient contact resolver.
func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (r *directoryPG) GetContact(ctx context.Context, patientID uuid.UUID) (*Contact, error) {
	var c Contact
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, phone, email FROM patients WHERE id = $1`, patientID).
		Scan(&c.PatientID, &c.Name, &c.Phone, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
