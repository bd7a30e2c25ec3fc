package reminder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthtech/reminder/internal/domain/appointment"
	"github.com/healthtech/reminder/internal/platform/clock"
	"github.com/healthtech/reminder/internal/platform/notification"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = time.Hour

// storeWriteRetries is how many times a failed store write is retried before
// dispatch for the event halts (the event stays InFlight and is picked up by
// recovery). The engine never advances an event's state without a successful
// write.
const storeWriteRetries = 3

// DispatchResult is what a dispatch worker reports back to the scheduler
// loop.
type DispatchResult struct {
	Event *Event
	// RetryAt, when set, asks the scheduler to reinsert the same event id at
	// the given time. Nil means the event reached a terminal state or was
	// handed off to recovery.
	RetryAt *time.Time
	// Halted is set when a store write failed repeatedly and the event was
	// left InFlight for the recovery pass.
	Halted bool
}

// Dispatcher executes delivery for one due event across its channels.
type Dispatcher struct {
	events    EventRepository
	attempts  AttemptRepository
	settings  SettingsRepository
	source    appointment.Source
	directory appointment.Directory
	templates *notification.TemplateEngine
	senders   map[notification.Channel]notification.Sender
	clk       clock.Clock
	logger    zerolog.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(
	events EventRepository,
	attempts AttemptRepository,
	settings SettingsRepository,
	source appointment.Source,
	directory appointment.Directory,
	templates *notification.TemplateEngine,
	senders []notification.Sender,
	clk clock.Clock,
	logger zerolog.Logger,
) *Dispatcher {
	byChannel := make(map[notification.Channel]notification.Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Dispatcher{
		events:    events,
		attempts:  attempts,
		settings:  settings,
		source:    source,
		directory: directory,
		templates: templates,
		senders:   byChannel,
		clk:       clk,
		logger:    logger,
	}
}

// Dispatch delivers a due event. It re-checks the appointment status, marks
// the event InFlight in the store before any sender call, attempts each
// outstanding channel once, records every attempt, and persists the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) DispatchResult {
	log := d.logger.With().
		Str("event_id", ev.ID.String()).
		Str("appointment_id", ev.AppointmentID.String()).
		Logger()

	appt, err := d.source.GetAppointment(ctx, ev.AppointmentID)
	if err != nil && !errors.Is(err, appointment.ErrNotFound) {
		// Collaborator unavailable; try again shortly without consuming any
		// retry budget.
		log.Warn().Err(err).Msg("appointment lookup failed, will retry")
		retryAt := d.clk.Now().Add(time.Minute)
		return DispatchResult{Event: ev, RetryAt: &retryAt}
	}
	if err != nil || !appt.IsScheduled() {
		// Cancelled, completed, or deleted before fire time: skip, no sends.
		if terr := d.events.TransitionState(ctx, ev.ID, StatePending, StateSkipped); terr != nil && !errors.Is(terr, ErrStateConflict) {
			log.Error().Err(terr).Msg("failed to mark event skipped")
			return DispatchResult{Event: ev, Halted: true}
		}
		log.Info().Msg("reminder skipped, appointment no longer scheduled")
		ev.State = StateSkipped
		return DispatchResult{Event: ev}
	}

	// Write-ahead: InFlight must be durable before the first sender call so a
	// crash mid-send is recovered as a retry, never a lost reminder.
	if err := d.writeStore(ctx, func() error {
		return d.events.TransitionState(ctx, ev.ID, StatePending, StateInFlight)
	}); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// Another worker or recovery pass owns this event.
			log.Debug().Msg("event already in flight elsewhere")
			return DispatchResult{Event: ev}
		}
		log.Error().Err(err).Msg("failed to mark event in flight")
		return DispatchResult{Event: ev, Halted: true}
	}

	// Re-read for fresh channel counters; the popped index entry may be stale
	// after a force-resend.
	if fresh, err := d.events.GetByID(ctx, ev.ID); err == nil {
		ev = fresh
		ev.State = StateInFlight
	}

	settings, err := d.settings.Get(ctx, ev.PolicyVersion)
	if err != nil {
		log.Error().Err(err).Int("policy_version", ev.PolicyVersion).Msg("policy version missing")
		return DispatchResult{Event: ev, Halted: true}
	}

	contact, err := d.directory.GetContact(ctx, ev.PatientID)
	if err != nil {
		// Contact resolution is retried without touching channel counters: a
		// directory outage is not a channel failure.
		log.Warn().Err(err).Msg("contact lookup failed, will retry")
		if terr := d.writeStore(ctx, func() error {
			return d.events.TransitionState(ctx, ev.ID, StateInFlight, StatePending)
		}); terr != nil {
			log.Error().Err(terr).Msg("failed to return event to pending")
			return DispatchResult{Event: ev, Halted: true}
		}
		ev.State = StatePending
		retryAt := d.clk.Now().Add(settings.BackoffBase)
		return DispatchResult{Event: ev, RetryAt: &retryAt}
	}

	msg := d.renderMessage(appt, contact)
	recipient := notification.Recipient{Name: contact.Name, Phone: contact.Phone, Email: contact.Email}

	for _, cs := range ev.Channels {
		if cs.Delivered || cs.PermanentlyFailed || cs.Attempts >= settings.RetryLimit {
			continue
		}
		d.attemptChannel(ctx, ev, cs, recipient, msg, settings, log)
	}

	if err := d.writeStore(ctx, func() error {
		return d.events.UpdateChannels(ctx, ev.ID, ev.Channels)
	}); err != nil {
		log.Error().Err(err).Msg("failed to persist channel progress")
		return DispatchResult{Event: ev, Halted: true}
	}

	return d.settle(ctx, ev, settings, log)
}

// attemptChannel performs one send on one channel and updates its status.
func (d *Dispatcher) attemptChannel(ctx context.Context, ev *Event, cs *ChannelStatus, to notification.Recipient, msg notification.Message, settings *PolicySettings, log zerolog.Logger) {
	cs.Attempts++
	idempotencyKey := fmt.Sprintf("%s:%s", ev.ID, cs.Channel)

	var outcome notification.Outcome
	var sendErr error
	sender, ok := d.senders[cs.Channel]
	if !ok {
		outcome = notification.OutcomePermanentFailure
		sendErr = fmt.Errorf("no sender configured for channel %q", cs.Channel)
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, settings.DispatchTimeout)
		outcome, sendErr = sender.Send(sendCtx, to, msg, idempotencyKey)
		cancel()
		if errors.Is(sendErr, context.DeadlineExceeded) || outcome == "" {
			// A worker that exceeds its deadline counts as a transient
			// failure; the provider may or may not have sent.
			outcome = notification.OutcomeTransientFailure
		}
	}

	switch outcome {
	case notification.OutcomeDelivered:
		cs.Delivered = true
		cs.LastError = nil
	case notification.OutcomePermanentFailure:
		cs.PermanentlyFailed = true
		cs.LastError = errString(sendErr)
	default:
		cs.LastError = errString(sendErr)
	}

	attempt := &DeliveryAttempt{
		ID:            uuid.New(),
		EventID:       ev.ID,
		AppointmentID: ev.AppointmentID,
		Channel:       cs.Channel,
		Attempt:       cs.Attempts,
		Outcome:       outcome,
		Error:         errString(sendErr),
		CreatedAt:     d.clk.Now(),
	}
	if err := d.writeStore(ctx, func() error { return d.attempts.Record(ctx, attempt) }); err != nil {
		log.Error().Err(err).Str("channel", string(cs.Channel)).Msg("failed to record delivery attempt")
	}

	evt := log.Info()
	if outcome != notification.OutcomeDelivered {
		evt = log.Warn().Err(sendErr)
	}
	evt.Str("channel", string(cs.Channel)).
		Int("attempt", cs.Attempts).
		Str("outcome", string(outcome)).
		Msg("delivery attempt")
}

// settle computes the event's next state after a dispatch pass and persists
// the transition.
func (d *Dispatcher) settle(ctx context.Context, ev *Event, settings *PolicySettings, log zerolog.Logger) DispatchResult {
	var to EventState
	switch {
	case ev.AllDelivered():
		to = StateDelivered
	case ev.Settled(settings.RetryLimit):
		to = StateFailed
	default:
		to = StatePending
	}

	if err := d.writeStore(ctx, func() error {
		return d.events.TransitionState(ctx, ev.ID, StateInFlight, to)
	}); err != nil {
		log.Error().Err(err).Str("to", string(to)).Msg("failed to persist event state")
		return DispatchResult{Event: ev, Halted: true}
	}
	ev.State = to

	if to != StatePending {
		log.Info().Str("state", string(to)).Msg("reminder settled")
		return DispatchResult{Event: ev}
	}

	// Schedule the retry for the same logical event: exponential backoff from
	// the least-attempted channel still owed a delivery.
	attempts := settings.RetryLimit
	for _, cs := range ev.Channels {
		if cs.Delivered || cs.PermanentlyFailed {
			continue
		}
		if cs.Attempts < attempts {
			attempts = cs.Attempts
		}
	}
	retryAt := d.clk.Now().Add(backoff(settings.BackoffBase, attempts))
	if err := d.writeStore(ctx, func() error {
		return d.events.UpdateFireTime(ctx, ev.ID, retryAt)
	}); err != nil {
		log.Error().Err(err).Msg("failed to persist retry time")
	}
	return DispatchResult{Event: ev, RetryAt: &retryAt}
}

func (d *Dispatcher) renderMessage(appt *appointment.Appointment, contact *appointment.Contact) notification.Message {
	subject, body, err := d.templates.Render(notification.TemplateAppointmentReminder, map[string]string{
		"patient_name":     contact.Name,
		"appointment_type": appt.Type,
		"date":             appt.StartTime.Format("Monday, 2 January 2006"),
		"time":             appt.StartTime.Format("15:04"),
	})
	if err != nil {
		// Built-in template; falls back to a minimal body rather than
		// blocking delivery.
		d.logger.Error().Err(err).Msg("template render failed")
		return notification.Message{
			Subject: "Appointment Reminder",
			Body:    fmt.Sprintf("Reminder: %s appointment on %s.", appt.Type, appt.StartTime.Format(time.RFC1123)),
		}
	}
	return notification.Message{Subject: subject, Body: body}
}

// writeStore retries a store write a few times before giving up. State never
// advances past a failed write. Delays run on the injected clock so tests can
// drive them.
func (d *Dispatcher) writeStore(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < storeWriteRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
			return err
		}
		if i < storeWriteRetries-1 {
			select {
			case <-d.clk.After(time.Duration(i+1) * 50 * time.Millisecond):
			case <-ctx.Done():
				return err
			}
		}
	}
	return err
}

// backoff returns base * 2^(attempts-1) with up to 50% added jitter, capped
// at maxBackoff.
func backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base << uint(attempts-1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	d += jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
