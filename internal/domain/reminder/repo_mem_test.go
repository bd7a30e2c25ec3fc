package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/healthtech/reminder/internal/platform/notification"
)

func newTestEvent(appointmentID uuid.UUID, lead time.Duration, version int) *Event {
	start := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	return &Event{
		ID:              uuid.New(),
		AppointmentID:   appointmentID,
		PatientID:       uuid.New(),
		LeadTime:        lead,
		PolicyVersion:   version,
		AppointmentTime: start,
		FireTime:        start.Add(-lead),
		State:           StatePending,
		Channels: []*ChannelStatus{
			{Channel: notification.ChannelSMS},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// Event repository
// ---------------------------------------------------------------------------

func TestMemEventRepo_DuplicateActiveKeyRejected(t *testing.T) {
	repo := NewMemEventRepo()
	ctx := context.Background()
	apptID := uuid.New()

	if err := repo.Create(ctx, newTestEvent(apptID, 24*time.Hour, 1)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	dup := newTestEvent(apptID, 24*time.Hour, 1)
	if err := repo.Create(ctx, dup); err != ErrDuplicateEvent {
		t.Errorf("Create(duplicate) = %v, want ErrDuplicateEvent", err)
	}

	// A different lead time is a different key.
	if err := repo.Create(ctx, newTestEvent(apptID, time.Hour, 1)); err != nil {
		t.Errorf("Create(other lead) error: %v", err)
	}
}

func TestMemEventRepo_TerminalEventFreesKey(t *testing.T) {
	repo := NewMemEventRepo()
	ctx := context.Background()
	apptID := uuid.New()

	first := newTestEvent(apptID, 24*time.Hour, 1)
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := repo.TransitionState(ctx, first.ID, StatePending, StateSkipped); err != nil {
		t.Fatalf("TransitionState() error: %v", err)
	}

	if err := repo.Create(ctx, newTestEvent(apptID, 24*time.Hour, 1)); err != nil {
		t.Errorf("Create after terminal should succeed, got: %v", err)
	}
}

func TestMemEventRepo_TransitionStateCAS(t *testing.T) {
	repo := NewMemEventRepo()
	ctx := context.Background()

	e := newTestEvent(uuid.New(), time.Hour, 1)
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := repo.TransitionState(ctx, e.ID, StatePending, StateInFlight); err != nil {
		t.Fatalf("Pending->InFlight error: %v", err)
	}

	// Second CAS from Pending must fail: exactly one worker wins.
	if err := repo.TransitionState(ctx, e.ID, StatePending, StateInFlight); err != ErrStateConflict {
		t.Errorf("second CAS = %v, want ErrStateConflict", err)
	}

	if err := repo.TransitionState(ctx, uuid.New(), StatePending, StateInFlight); err != ErrNotFound {
		t.Errorf("unknown id = %v, want ErrNotFound", err)
	}

	got, err := repo.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.State != StateInFlight {
		t.Errorf("state = %q, want %q", got.State, StateInFlight)
	}
}

func TestMemEventRepo_GetByKey(t *testing.T) {
	repo := NewMemEventRepo()
	ctx := context.Background()
	apptID := uuid.New()

	e := newTestEvent(apptID, 24*time.Hour, 2)
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByKey(ctx, apptID, 24*time.Hour, 2)
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("GetByKey id = %s, want %s", got.ID, e.ID)
	}

	if _, err := repo.GetByKey(ctx, apptID, time.Hour, 2); err != ErrNotFound {
		t.Errorf("GetByKey(miss) = %v, want ErrNotFound", err)
	}

	// Terminal events are not returned by key.
	if err := repo.TransitionState(ctx, e.ID, StatePending, StateSkipped); err != nil {
		t.Fatalf("TransitionState() error: %v", err)
	}
	if _, err := repo.GetByKey(ctx, apptID, 24*time.Hour, 2); err != ErrNotFound {
		t.Errorf("GetByKey(terminal) = %v, want ErrNotFound", err)
	}
}

func TestMemEventRepo_ListActiveOrderedByFireTime(t *testing.T) {
	repo := NewMemEventRepo()
	ctx := context.Background()

	late := newTestEvent(uuid.New(), time.Hour, 1)
	early := newTestEvent(uuid.New(), 24*time.Hour, 1)
	done := newTestEvent(uuid.New(), 2*time.Hour, 1)

	for _, e := range []*Event{late, early, done} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}
	if err := repo.TransitionState(ctx, done.ID, StatePending, StateInFlight); err != nil {
		t.Fatalf("TransitionState() error: %v", err)
	}
	if err := repo.TransitionState(ctx, done.ID, StateInFlight, StateDelivered); err != nil {
		t.Fatalf("TransitionState() error: %v", err)
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active events, got %d", len(active))
	}
	if active[0].ID != early.ID || active[1].ID != late.ID {
		t.Error("expected active events ordered by fire time")
	}
}

func TestMemEventRepo_ResetForResend(t *testing.T) {
	repo := NewMemEventRepo()
	ctx := context.Background()

	e := newTestEvent(uuid.New(), time.Hour, 1)
	e.Channels = []*ChannelStatus{
		{Channel: notification.ChannelSMS, Attempts: 3, PermanentlyFailed: true},
		{Channel: notification.ChannelEmail, Attempts: 1, Delivered: true},
	}
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Not failed yet: reset must be refused.
	if err := repo.ResetForResend(ctx, e.ID, time.Now()); err != ErrStateConflict {
		t.Errorf("ResetForResend(pending) = %v, want ErrStateConflict", err)
	}

	if err := repo.TransitionState(ctx, e.ID, StatePending, StateInFlight); err != nil {
		t.Fatal(err)
	}
	if err := repo.TransitionState(ctx, e.ID, StateInFlight, StateFailed); err != nil {
		t.Fatal(err)
	}

	fireAt := time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC)
	if err := repo.ResetForResend(ctx, e.ID, fireAt); err != nil {
		t.Fatalf("ResetForResend() error: %v", err)
	}

	got, err := repo.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.State != StatePending {
		t.Errorf("state = %q, want %q", got.State, StatePending)
	}
	if !got.FireTime.Equal(fireAt) {
		t.Errorf("fire time = %v, want %v", got.FireTime, fireAt)
	}

	sms := got.ChannelStatusFor(notification.ChannelSMS)
	if sms.Attempts != 0 || sms.PermanentlyFailed {
		t.Error("failed channel should be zeroed by reset")
	}
	email := got.ChannelStatusFor(notification.ChannelEmail)
	if !email.Delivered || email.Attempts != 1 {
		t.Error("delivered channel must keep its status across reset")
	}
}

// ---------------------------------------------------------------------------
// Attempt repository
// ---------------------------------------------------------------------------

func TestMemAttemptRepo_ListPreservesOrder(t *testing.T) {
	repo := NewMemAttemptRepo()
	ctx := context.Background()
	eventID := uuid.New()
	apptID := uuid.New()

	for i := 1; i <= 3; i++ {
		err := repo.Record(ctx, &DeliveryAttempt{
			ID:            uuid.New(),
			EventID:       eventID,
			AppointmentID: apptID,
			Channel:       notification.ChannelSMS,
			Attempt:       i,
			Outcome:       notification.OutcomeTransientFailure,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	attempts, err := repo.ListByEvent(ctx, eventID)
	if err != nil {
		t.Fatalf("ListByEvent() error: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt[%d].Attempt = %d, want %d", i, a.Attempt, i+1)
		}
	}

	byAppt, err := repo.ListByAppointment(ctx, apptID)
	if err != nil {
		t.Fatalf("ListByAppointment() error: %v", err)
	}
	if len(byAppt) != 3 {
		t.Errorf("expected 3 attempts by appointment, got %d", len(byAppt))
	}
}

// ---------------------------------------------------------------------------
// Settings repository
// ---------------------------------------------------------------------------

func TestMemSettingsRepo_AppendAssignsVersions(t *testing.T) {
	repo := NewMemSettingsRepo()
	ctx := context.Background()

	if _, err := repo.Current(ctx); err != ErrNotFound {
		t.Errorf("Current(empty) = %v, want ErrNotFound", err)
	}

	first := testSettings()
	first.Version = 0
	if err := repo.Append(ctx, first); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("first version = %d, want 1", first.Version)
	}

	second := testSettings()
	second.RetryLimit = 5
	if err := repo.Append(ctx, second); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("second version = %d, want 2", second.Version)
	}

	cur, err := repo.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if cur.Version != 2 || cur.RetryLimit != 5 {
		t.Errorf("Current() = v%d retry %d, want v2 retry 5", cur.Version, cur.RetryLimit)
	}

	// Old versions stay readable: events bind the version they were created
	// under.
	old, err := repo.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get(1) error: %v", err)
	}
	if old.RetryLimit != 3 {
		t.Errorf("Get(1).RetryLimit = %d, want 3", old.RetryLimit)
	}

	if _, err := repo.Get(ctx, 99); err != ErrNotFound {
		t.Errorf("Get(99) = %v, want ErrNotFound", err)
	}
}
