package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemSource is a thread-safe, in-memory Source and Directory. It backs tests
// and stands in for the CRUD layer when the engine runs without a database.
type MemSource struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]*Appointment
	contacts     map[uuid.UUID]*Contact
}

// NewMemSource creates an empty in-memory source.
func NewMemSource() *MemSource {
	return &MemSource{
		appointments: make(map[uuid.UUID]*Appointment),
		contacts:     make(map[uuid.UUID]*Contact),
	}
}

// PutAppointment inserts or replaces an appointment.
func (s *MemSource) PutAppointment(a *Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.appointments[a.ID] = &cp
}

// PutContact inserts or replaces a patient contact.
func (s *MemSource) PutContact(c *Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contacts[c.PatientID] = &cp
}

func (s *MemSource) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemSource) ListScheduled(_ context.Context, from, to time.Time) ([]*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Appointment
	for _, a := range s.appointments {
		if a.Status != StatusScheduled {
			continue
		}
		if a.StartTime.Before(from) || !a.StartTime.Before(to) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (s *MemSource) GetContact(_ context.Context, patientID uuid.UUID) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}
