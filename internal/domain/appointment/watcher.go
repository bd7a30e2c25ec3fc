package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthtech/reminder/internal/platform/clock"
)

// ChangeHandler receives appointment lifecycle notifications from the
// Watcher. The reminder scheduler implements this.
type ChangeHandler interface {
	OnAppointmentUpserted(ctx context.Context, a *Appointment) error
	OnAppointmentCancelled(ctx context.Context, id uuid.UUID) error
	OnAppointmentCompleted(ctx context.Context, id uuid.UUID) error
}

// Watcher polls the appointment source and diffs each poll against the last
// seen snapshot, translating differences into ChangeHandler calls. It exists
// because the CRUD layer only supports polling, not push notifications.
type Watcher struct {
	source   Source
	handler  ChangeHandler
	clk      clock.Clock
	logger   zerolog.Logger
	interval time.Duration
	horizon  time.Duration

	// last seen (start time, status) per appointment id
	seen map[uuid.UUID]snapshotEntry
}

type snapshotEntry struct {
	startTime time.Time
}

// NewWatcher creates a Watcher polling at interval over a lookahead horizon.
func NewWatcher(source Source, handler ChangeHandler, clk clock.Clock, logger zerolog.Logger, interval, horizon time.Duration) *Watcher {
	return &Watcher{
		source:   source,
		handler:  handler,
		clk:      clk,
		logger:   logger,
		interval: interval,
		horizon:  horizon,
		seen:     make(map[uuid.UUID]snapshotEntry),
	}
}

// Run polls until ctx is done. The first poll happens immediately so that
// reminders for pre-existing appointments are scheduled at startup.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if err := w.Poll(ctx); err != nil {
			w.logger.Error().Err(err).Msg("appointment poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(w.interval):
		}
	}
}

// Poll performs a single poll-and-diff pass.
func (w *Watcher) Poll(ctx context.Context) error {
	now := w.clk.Now()
	current, err := w.source.ListScheduled(ctx, now, now.Add(w.horizon))
	if err != nil {
		return err
	}

	currentIDs := make(map[uuid.UUID]bool, len(current))
	for _, a := range current {
		currentIDs[a.ID] = true
		prev, known := w.seen[a.ID]
		if known && prev.startTime.Equal(a.StartTime) {
			continue
		}
		// New appointment, or reschedule. The handler treats both the same
		// way: stale events are skipped and a fresh set is computed.
		if err := w.handler.OnAppointmentUpserted(ctx, a); err != nil {
			w.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("upsert notification failed")
			continue
		}
		w.seen[a.ID] = snapshotEntry{startTime: a.StartTime}
	}

	// Appointments that disappeared from the scheduled window were either
	// cancelled, completed, or moved. Resolve each with a point read.
	for id := range w.seen {
		if currentIDs[id] {
			continue
		}
		if err := w.resolveMissing(ctx, id); err != nil {
			w.logger.Error().Err(err).Str("appointment_id", id.String()).Msg("resolve missing appointment failed")
			continue
		}
		delete(w.seen, id)
	}
	return nil
}

func (w *Watcher) resolveMissing(ctx context.Context, id uuid.UUID) error {
	a, err := w.source.GetAppointment(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Deleted outright; treat as cancelled.
		return w.handler.OnAppointmentCancelled(ctx, id)
	}
	if err != nil {
		return err
	}

	switch a.Status {
	case StatusCancelled:
		return w.handler.OnAppointmentCancelled(ctx, id)
	case StatusCompleted:
		return w.handler.OnAppointmentCompleted(ctx, id)
	default:
		// Still scheduled but outside the window (moved far out). The upsert
		// path recomputes events for the new time.
		return w.handler.OnAppointmentUpserted(ctx, a)
	}
}
