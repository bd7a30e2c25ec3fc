package reminder

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthtech/reminder/internal/domain/appointment"
	"github.com/healthtech/reminder/internal/platform/clock"
)

// ---------------------------------------------------------------------------
// Fire-time index
// ---------------------------------------------------------------------------

type heapEntry struct {
	eventID  uuid.UUID
	fireTime time.Time
	index    int
}

// eventHeap orders entries by fire time, ties broken by event id so pop order
// is deterministic.
type eventHeap []*heapEntry

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].fireTime.Equal(h[j].fireTime) {
		return h[i].eventID.String() < h[j].eventID.String()
	}
	return h[i].fireTime.Before(h[j].fireTime)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// command mutates the scheduler's in-memory index. Only the Run goroutine
// applies commands; the exported methods do their store writes themselves and
// then hand index changes over the channel, keeping a single-writer
// discipline on the heap.
type command struct {
	add           []*Event
	removePending []uuid.UUID
	forceSkip     []uuid.UUID
}

// Scheduler owns the pending-event index and the dispatch loop. The store is
// the system of record; the index is a cache rebuilt from it on startup.
type Scheduler struct {
	events     EventRepository
	settings   SettingsRepository
	dispatcher *Dispatcher
	clk        clock.Clock
	logger     zerolog.Logger
	workers    int

	cmds    chan command
	results chan DispatchResult

	// Owned by the Run goroutine.
	pending   eventHeap
	entries   map[uuid.UUID]*heapEntry
	inFlight  map[uuid.UUID]bool
	forceSkip map[uuid.UUID]bool
}

// NewScheduler wires a Scheduler over the given store and dispatcher.
func NewScheduler(events EventRepository, settings SettingsRepository, dispatcher *Dispatcher, clk clock.Clock, logger zerolog.Logger, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		events:     events,
		settings:   settings,
		dispatcher: dispatcher,
		clk:        clk,
		logger:     logger,
		workers:    workers,
		cmds:       make(chan command, 64),
		results:    make(chan DispatchResult, 64),
		entries:    make(map[uuid.UUID]*heapEntry),
		inFlight:   make(map[uuid.UUID]bool),
		forceSkip:  make(map[uuid.UUID]bool),
	}
}

// ---------------------------------------------------------------------------
// Appointment change notifications
// ---------------------------------------------------------------------------

// OnAppointmentUpserted reacts to a created or rescheduled appointment: any
// active event computed for a different appointment time is superseded
// (transitioned to Skipped, never mutated in place), and missing events for
// the current time are created under the current policy version.
func (s *Scheduler) OnAppointmentUpserted(ctx context.Context, a *appointment.Appointment) error {
	existing, err := s.events.ListByAppointment(ctx, a.ID)
	if err != nil {
		return err
	}

	var cmd command
	active := make(map[time.Duration]bool)
	for _, e := range existing {
		if e.State.Terminal() {
			continue
		}
		if a.IsScheduled() && e.AppointmentTime.Equal(a.StartTime) {
			// Still valid; keep it (restart poll, or a no-op update). An active
			// event covers its lead time even when a settings reload has bumped
			// the policy version since it was created, otherwise a re-upsert
			// after a reload would double up reminders.
			active[e.LeadTime] = true
			continue
		}
		s.supersede(ctx, e, &cmd)
	}

	if a.IsScheduled() {
		settings, err := s.settings.Current(ctx)
		if err != nil {
			return err
		}
		for _, e := range ComputeEvents(a, settings, s.clk.Now()) {
			if active[e.LeadTime] {
				continue
			}
			if err := s.events.Create(ctx, e); err != nil {
				if errors.Is(err, ErrDuplicateEvent) {
					continue
				}
				return err
			}
			cmd.add = append(cmd.add, e)
		}
	}

	s.submit(cmd)
	return nil
}

// OnAppointmentCancelled skips all active events for the appointment. An
// in-flight attempt is allowed to complete but no further retries happen.
func (s *Scheduler) OnAppointmentCancelled(ctx context.Context, id uuid.UUID) error {
	return s.skipAll(ctx, id, "cancelled")
}

// OnAppointmentCompleted skips all active events for the appointment.
func (s *Scheduler) OnAppointmentCompleted(ctx context.Context, id uuid.UUID) error {
	return s.skipAll(ctx, id, "completed")
}

func (s *Scheduler) skipAll(ctx context.Context, id uuid.UUID, reason string) error {
	existing, err := s.events.ListByAppointment(ctx, id)
	if err != nil {
		return err
	}
	var cmd command
	for _, e := range existing {
		if e.State.Terminal() {
			continue
		}
		s.supersede(ctx, e, &cmd)
	}
	if len(cmd.removePending) > 0 || len(cmd.forceSkip) > 0 {
		s.logger.Info().
			Str("appointment_id", id.String()).
			Str("reason", reason).
			Int("skipped", len(cmd.removePending)).
			Int("in_flight", len(cmd.forceSkip)).
			Msg("reminders skipped")
	}
	s.submit(cmd)
	return nil
}

// supersede moves one active event out of play: a Pending event is skipped in
// the store immediately; an InFlight event is flagged so the loop skips it
// once its attempt resolves.
func (s *Scheduler) supersede(ctx context.Context, e *Event, cmd *command) {
	err := s.events.TransitionState(ctx, e.ID, StatePending, StateSkipped)
	switch {
	case err == nil:
		cmd.removePending = append(cmd.removePending, e.ID)
	case errors.Is(err, ErrStateConflict):
		// Dispatch has it right now; the attempt completes, then the result
		// handler forces Skipped.
		cmd.forceSkip = append(cmd.forceSkip, e.ID)
	default:
		s.logger.Error().Err(err).Str("event_id", e.ID.String()).Msg("failed to skip event")
	}
}

// ForceResend resets a Failed event's attempt counters and reinserts it as
// due now. Admin operation.
func (s *Scheduler) ForceResend(ctx context.Context, eventID uuid.UUID) (*Event, error) {
	if err := s.events.ResetForResend(ctx, eventID, s.clk.Now()); err != nil {
		return nil, err
	}
	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.submit(command{add: []*Event{e}})
	return e, nil
}

// submit hands an index mutation to the Run goroutine.
func (s *Scheduler) submit(cmd command) {
	if len(cmd.add) == 0 && len(cmd.removePending) == 0 && len(cmd.forceSkip) == 0 {
		return
	}
	s.cmds <- cmd
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Run rebuilds the index from the store, then loops: wait for the earliest
// fire time (waking early when a command inserts an earlier event), pop due
// events, and hand them to dispatch workers. Dispatch outcomes come back on
// the results channel; the loop alone touches the index.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	sem := make(chan struct{}, s.workers)
	for {
		var timerCh <-chan time.Time
		if len(s.pending) > 0 {
			next := s.pending[0]
			d := next.fireTime.Sub(s.clk.Now())
			if d <= 0 {
				s.dispatchDue(ctx, sem)
				continue
			}
			timerCh = s.clk.After(d)
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.cmds:
			s.apply(ctx, cmd)
		case res := <-s.results:
			s.handleResult(ctx, res)
		case <-timerCh:
			s.dispatchDue(ctx, sem)
		}
	}
}

// recover rebuilds the index from Pending and InFlight events. InFlight
// means a previous process crashed mid-dispatch; the event is returned to
// Pending and retried, which is where the engine's at-least-once guarantee
// comes from.
func (s *Scheduler) recover(ctx context.Context) error {
	active, err := s.events.ListActive(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, e := range active {
		if e.State == StateInFlight {
			err := s.events.TransitionState(ctx, e.ID, StateInFlight, StatePending)
			if err != nil && !errors.Is(err, ErrStateConflict) {
				return err
			}
			s.logger.Warn().
				Str("event_id", e.ID.String()).
				Msg("event was in flight at shutdown, retrying (delivery may duplicate)")
		}
		s.insert(e.ID, e.FireTime)
		restored++
	}
	if restored > 0 {
		s.logger.Info().Int("events", restored).Msg("pending reminders restored from store")
	}
	return nil
}

func (s *Scheduler) insert(eventID uuid.UUID, fireTime time.Time) {
	if _, ok := s.entries[eventID]; ok {
		return
	}
	if s.inFlight[eventID] {
		return
	}
	e := &heapEntry{eventID: eventID, fireTime: fireTime}
	heap.Push(&s.pending, e)
	s.entries[eventID] = e
}

func (s *Scheduler) remove(eventID uuid.UUID) {
	e, ok := s.entries[eventID]
	if !ok {
		return
	}
	heap.Remove(&s.pending, e.index)
	delete(s.entries, eventID)
}

func (s *Scheduler) apply(ctx context.Context, cmd command) {
	for _, id := range cmd.removePending {
		s.remove(id)
	}
	for _, id := range cmd.forceSkip {
		if s.inFlight[id] {
			s.forceSkip[id] = true
		} else {
			// The attempt resolved before the command arrived; the event is
			// back in the index awaiting a retry. Skip it now.
			s.remove(id)
			s.skipResolved(ctx, id)
		}
	}
	for _, e := range cmd.add {
		s.insert(e.ID, e.FireTime)
	}
}

// dispatchDue pops every event whose fire time has arrived and hands each to
// a worker. Events with equal fire times dispatch independently, in
// deterministic pop order.
func (s *Scheduler) dispatchDue(ctx context.Context, sem chan struct{}) {
	now := s.clk.Now()
	for len(s.pending) > 0 && !s.pending[0].fireTime.After(now) {
		entry := heap.Pop(&s.pending).(*heapEntry)
		delete(s.entries, entry.eventID)

		e, err := s.events.GetByID(ctx, entry.eventID)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", entry.eventID.String()).Msg("due event load failed")
			continue
		}
		if e.State != StatePending {
			continue
		}

		s.inFlight[e.ID] = true
		go func(ev *Event) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			res := s.dispatcher.Dispatch(ctx, ev)
			select {
			case s.results <- res:
			case <-ctx.Done():
			}
		}(e)
	}
}

func (s *Scheduler) handleResult(ctx context.Context, res DispatchResult) {
	id := res.Event.ID
	delete(s.inFlight, id)
	skip := s.forceSkip[id]
	delete(s.forceSkip, id)

	if res.Halted {
		// Store writes failed; the event stays InFlight and the next recovery
		// pass retries it.
		s.logger.Error().Str("event_id", id.String()).Msg("dispatch halted on store failure")
		return
	}

	if res.RetryAt == nil {
		return
	}

	if skip {
		s.skipResolved(ctx, id)
		return
	}
	s.insert(id, *res.RetryAt)
}

// skipResolved force-transitions a cancelled event that was mid-flight when
// the cancellation arrived. The completed attempt stands; the message may
// already have been sent.
func (s *Scheduler) skipResolved(ctx context.Context, id uuid.UUID) {
	err := s.events.TransitionState(ctx, id, StatePending, StateSkipped)
	if err != nil && !errors.Is(err, ErrStateConflict) {
		s.logger.Error().Err(err).Str("event_id", id.String()).Msg("failed to skip resolved event")
		return
	}
	if err == nil {
		s.logger.Info().
			Str("event_id", id.String()).
			Msg("in-flight reminder skipped after cancellation; a message may already have been sent")
	}
}
