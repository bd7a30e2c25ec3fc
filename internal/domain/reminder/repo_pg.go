package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthtech/reminder/internal/platform/notification"
)

// =========== Event Repository ===========

type eventRepoPG struct{ pool *pgxpool.Pool }

// NewEventRepoPG creates a Postgres-backed EventRepository. Lead times and
// durations are stored as nanosecond integers; per-channel progress is a
// JSONB document. A partial unique index on (appointment_id, lead_time,
// policy_version) over non-terminal states enforces the active-event key.
func NewEventRepoPG(pool *pgxpool.Pool) EventRepository { return &eventRepoPG{pool: pool} }

const eventCols = `id, appointment_id, patient_id, lead_time, policy_version,
	appointment_time, fire_time, state, channels, created_at, updated_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var lead int64
	var channels []byte
	err := row.Scan(&e.ID, &e.AppointmentID, &e.PatientID, &lead, &e.PolicyVersion,
		&e.AppointmentTime, &e.FireTime, &e.State, &channels, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.LeadTime = time.Duration(lead)
	if err := json.Unmarshal(channels, &e.Channels); err != nil {
		return nil, fmt.Errorf("decode channel statuses: %w", err)
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *eventRepoPG) Create(ctx context.Context, e *Event) error {
	channels, err := json.Marshal(e.Channels)
	if err != nil {
		return fmt.Errorf("encode channel statuses: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO reminder_events (id, appointment_id, patient_id, lead_time,
			policy_version, appointment_time, fire_time, state, channels, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.AppointmentID, e.PatientID, int64(e.LeadTime),
		e.PolicyVersion, e.AppointmentTime, e.FireTime, e.State, channels, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (r *eventRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	return scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventCols+` FROM reminder_events WHERE id = $1`, id))
}

func (r *eventRepoPG) GetByKey(ctx context.Context, appointmentID uuid.UUID, leadTime time.Duration, policyVersion int) (*Event, error) {
	return scanEvent(r.pool.QueryRow(ctx, `
		SELECT `+eventCols+` FROM reminder_events
		WHERE appointment_id = $1 AND lead_time = $2 AND policy_version = $3
		  AND state IN ('pending','in_flight')`,
		appointmentID, int64(leadTime), policyVersion))
}

func (r *eventRepoPG) listEvents(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *eventRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Event, error) {
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM reminder_events
		WHERE appointment_id = $1 ORDER BY created_at, id`, appointmentID)
}

func (r *eventRepoPG) ListActive(ctx context.Context) ([]*Event, error) {
	return r.listEvents(ctx, `SELECT `+eventCols+` FROM reminder_events
		WHERE state IN ('pending','in_flight') ORDER BY fire_time, id`)
}

func (r *eventRepoPG) TransitionState(ctx context.Context, id uuid.UUID, from, to EventState) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reminder_events SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reminder_events WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (r *eventRepoPG) UpdateChannels(ctx context.Context, id uuid.UUID, channels []*ChannelStatus) error {
	encoded, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("encode channel statuses: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE reminder_events SET channels = $2, updated_at = NOW() WHERE id = $1`, id, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepoPG) UpdateFireTime(ctx context.Context, id uuid.UUID, fireTime time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reminder_events SET fire_time = $2, updated_at = NOW() WHERE id = $1`, id, fireTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepoPG) ResetForResend(ctx context.Context, id uuid.UUID, fireTime time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	e, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventCols+` FROM reminder_events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if e.State != StateFailed {
		return ErrStateConflict
	}
	for _, cs := range e.Channels {
		if cs.Delivered {
			continue
		}
		cs.Attempts = 0
		cs.PermanentlyFailed = false
		cs.LastError = nil
	}
	encoded, err := json.Marshal(e.Channels)
	if err != nil {
		return fmt.Errorf("encode channel statuses: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reminder_events
		SET state = 'pending', fire_time = $2, channels = $3, updated_at = NOW()
		WHERE id = $1`, id, fireTime, encoded); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// =========== Attempt Repository ===========

type attemptRepoPG struct{ pool *pgxpool.Pool }

// NewAttemptRepoPG creates a Postgres-backed AttemptRepository.
func NewAttemptRepoPG(pool *pgxpool.Pool) AttemptRepository { return &attemptRepoPG{pool: pool} }

const attemptCols = `id, event_id, appointment_id, channel, attempt, outcome, error, created_at`

func scanAttempt(row pgx.Row) (*DeliveryAttempt, error) {
	var a DeliveryAttempt
	err := row.Scan(&a.ID, &a.EventID, &a.AppointmentID, &a.Channel, &a.Attempt,
		&a.Outcome, &a.Error, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *attemptRepoPG) Record(ctx context.Context, a *DeliveryAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reminder_attempts (id, event_id, appointment_id, channel, attempt, outcome, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.EventID, a.AppointmentID, a.Channel, a.Attempt, a.Outcome, a.Error, a.CreatedAt)
	return err
}

func (r *attemptRepoPG) listAttempts(ctx context.Context, query string, args ...interface{}) ([]*DeliveryAttempt, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *attemptRepoPG) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]*DeliveryAttempt, error) {
	return r.listAttempts(ctx, `SELECT `+attemptCols+` FROM reminder_attempts
		WHERE event_id = $1 ORDER BY created_at, id`, eventID)
}

func (r *attemptRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*DeliveryAttempt, error) {
	return r.listAttempts(ctx, `SELECT `+attemptCols+` FROM reminder_attempts
		WHERE appointment_id = $1 ORDER BY created_at, id`, appointmentID)
}

// =========== Settings Repository ===========

type settingsRepoPG struct{ pool *pgxpool.Pool }

// NewSettingsRepoPG creates a Postgres-backed, append-only SettingsRepository.
func NewSettingsRepoPG(pool *pgxpool.Pool) SettingsRepository { return &settingsRepoPG{pool: pool} }

const settingsCols = `version, lead_times, channels, retry_limit, backoff_base, dispatch_timeout, created_at`

func scanSettings(row pgx.Row) (*PolicySettings, error) {
	var s PolicySettings
	var leads []int64
	var channels []string
	var backoff, timeout int64
	err := row.Scan(&s.Version, &leads, &channels, &s.RetryLimit, &backoff, &timeout, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.LeadTimes = make([]time.Duration, len(leads))
	for i, l := range leads {
		s.LeadTimes[i] = time.Duration(l)
	}
	s.Channels = make([]notification.Channel, len(channels))
	for i, ch := range channels {
		s.Channels[i] = notification.Channel(ch)
	}
	s.BackoffBase = time.Duration(backoff)
	s.DispatchTimeout = time.Duration(timeout)
	return &s, nil
}

func (r *settingsRepoPG) Append(ctx context.Context, s *PolicySettings) error {
	leads := make([]int64, len(s.LeadTimes))
	for i, l := range s.LeadTimes {
		leads[i] = int64(l)
	}
	channels := make([]string, len(s.Channels))
	for i, ch := range s.Channels {
		channels[i] = string(ch)
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO reminder_settings (version, lead_times, channels, retry_limit, backoff_base, dispatch_timeout)
		SELECT COALESCE(MAX(version), 0) + 1, $1, $2, $3, $4, $5 FROM reminder_settings
		RETURNING version, created_at`,
		leads, channels, s.RetryLimit, int64(s.BackoffBase), int64(s.DispatchTimeout)).
		Scan(&s.Version, &s.CreatedAt)
}

func (r *settingsRepoPG) Get(ctx context.Context, version int) (*PolicySettings, error) {
	return scanSettings(r.pool.QueryRow(ctx,
		`SELECT `+settingsCols+` FROM reminder_settings WHERE version = $1`, version))
}

func (r *settingsRepoPG) Current(ctx context.Context) (*PolicySettings, error) {
	return scanSettings(r.pool.QueryRow(ctx,
		`SELECT `+settingsCols+` FROM reminder_settings ORDER BY version DESC LIMIT 1`))
}
