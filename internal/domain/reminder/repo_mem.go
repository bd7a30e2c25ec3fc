package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// In-memory event repository
// ---------------------------------------------------------------------------

// MemEventRepo is a thread-safe, in-memory EventRepository with atomic
// compare-and-set state transitions. It backs tests and single-node
// deployments that run without Postgres.
type MemEventRepo struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*Event
	// insertion order for deterministic listings
	order []uuid.UUID
}

// NewMemEventRepo creates an empty in-memory event repository.
func NewMemEventRepo() *MemEventRepo {
	return &MemEventRepo{events: make(map[uuid.UUID]*Event)}
}

func cloneEvent(e *Event) *Event {
	cp := *e
	cp.Channels = e.CloneChannels()
	return &cp
}

func (r *MemEventRepo) Create(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.events {
		if existing.AppointmentID == e.AppointmentID &&
			existing.LeadTime == e.LeadTime &&
			existing.PolicyVersion == e.PolicyVersion &&
			!existing.State.Terminal() {
			return ErrDuplicateEvent
		}
	}
	r.events[e.ID] = cloneEvent(e)
	r.order = append(r.order, e.ID)
	return nil
}

func (r *MemEventRepo) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(e), nil
}

func (r *MemEventRepo) GetByKey(_ context.Context, appointmentID uuid.UUID, leadTime time.Duration, policyVersion int) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		e := r.events[id]
		if e.AppointmentID == appointmentID &&
			e.LeadTime == leadTime &&
			e.PolicyVersion == policyVersion &&
			!e.State.Terminal() {
			return cloneEvent(e), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemEventRepo) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Event
	for _, id := range r.order {
		e := r.events[id]
		if e.AppointmentID == appointmentID {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func (r *MemEventRepo) ListActive(_ context.Context) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Event
	for _, id := range r.order {
		e := r.events[id]
		if e.State == StatePending || e.State == StateInFlight {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireTime.Equal(out[j].FireTime) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].FireTime.Before(out[j].FireTime)
	})
	return out, nil
}

func (r *MemEventRepo) TransitionState(_ context.Context, id uuid.UUID, from, to EventState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.State != from {
		return ErrStateConflict
	}
	e.State = to
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemEventRepo) UpdateChannels(_ context.Context, id uuid.UUID, channels []*ChannelStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}
	cp := make([]*ChannelStatus, len(channels))
	for i, cs := range channels {
		c := *cs
		cp[i] = &c
	}
	e.Channels = cp
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemEventRepo) UpdateFireTime(_ context.Context, id uuid.UUID, fireTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}
	e.FireTime = fireTime
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemEventRepo) ResetForResend(_ context.Context, id uuid.UUID, fireTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return ErrNotFound
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
	e.State = StatePending
	e.FireTime = fireTime
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// ---------------------------------------------------------------------------
// In-memory attempt repository
// ---------------------------------------------------------------------------

// MemAttemptRepo is a thread-safe, in-memory AttemptRepository.
type MemAttemptRepo struct {
	mu       sync.RWMutex
	attempts []*DeliveryAttempt
}

// NewMemAttemptRepo creates an empty in-memory attempt log.
func NewMemAttemptRepo() *MemAttemptRepo {
	return &MemAttemptRepo{}
}

func (r *MemAttemptRepo) Record(_ context.Context, a *DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.attempts = append(r.attempts, &cp)
	return nil
}

func (r *MemAttemptRepo) ListByEvent(_ context.Context, eventID uuid.UUID) ([]*DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range r.attempts {
		if a.EventID == eventID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemAttemptRepo) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range r.attempts {
		if a.AppointmentID == appointmentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// In-memory settings repository
// ---------------------------------------------------------------------------

// MemSettingsRepo is an append-only, in-memory SettingsRepository.
type MemSettingsRepo struct {
	mu        sync.RWMutex
	snapshots []*PolicySettings
}

// NewMemSettingsRepo creates an empty in-memory settings store.
func NewMemSettingsRepo() *MemSettingsRepo {
	return &MemSettingsRepo{}
}

func cloneSettings(s *PolicySettings) *PolicySettings {
	cp := *s
	cp.LeadTimes = append([]time.Duration(nil), s.LeadTimes...)
	cp.Channels = append(cp.Channels[:0:0], s.Channels...)
	return &cp
}

func (r *MemSettingsRepo) Append(_ context.Context, s *PolicySettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Version = len(r.snapshots) + 1
	s.CreatedAt = time.Now().UTC()
	r.snapshots = append(r.snapshots, cloneSettings(s))
	return nil
}

func (r *MemSettingsRepo) Get(_ context.Context, version int) (*PolicySettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version < 1 || version > len(r.snapshots) {
		return nil, ErrNotFound
	}
	return cloneSettings(r.snapshots[version-1]), nil
}

func (r *MemSettingsRepo) Current(_ context.Context) (*PolicySettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.snapshots) == 0 {
		return nil, ErrNotFound
	}
	return cloneSettings(r.snapshots[len(r.snapshots)-1]), nil
}
