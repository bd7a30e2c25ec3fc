// Package notification defines the channel sender capability used by the
// reminder dispatcher, a template engine for message rendering, and test
// doubles with scripted outcomes.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Channels and outcomes
// ---------------------------------------------------------------------------

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel converts a config string into a Channel.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(s)) {
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Outcome classifies the result of a send attempt. Transient failures are
// retried with backoff; permanent failures (invalid recipient) are not.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// ---------------------------------------------------------------------------
// Message and sender interface
// ---------------------------------------------------------------------------

// Message is a rendered notification ready for delivery.
type Message struct {
	Subject string
	Body    string
}

// Recipient carries the contact details resolved from the patient directory.
type Recipient struct {
	Name  string
	Phone string
	Email string
}

// Sender attempts delivery of a message on one channel. The idempotency key
// is stable across retries of the same logical delivery so a cooperating
// provider can deduplicate; providers that ignore it make duplicate delivery
// possible after a crash, which the engine accepts.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, to Recipient, msg Message, idempotencyKey string) (Outcome, error)
}

// ---------------------------------------------------------------------------
// Logging senders
//
// Real provider integrations (Twilio, SES, WhatsApp Business) plug in behind
// the Sender interface; these built-ins log the message and report delivery,
// which is what the development environment runs with.
// ---------------------------------------------------------------------------

// LogSender writes outbound messages to the structured log.
type LogSender struct {
	channel Channel
	logger  zerolog.Logger
}

// NewLogSender creates a logging sender for the given channel.
func NewLogSender(channel Channel, logger zerolog.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Channel() Channel { return s.channel }

func (s *LogSender) Send(_ context.Context, to Recipient, msg Message, idempotencyKey string) (Outcome, error) {
	addr := to.Phone
	if s.channel == ChannelEmail {
		addr = to.Email
	}
	if addr == "" {
		return OutcomePermanentFailure, fmt.Errorf("recipient has no %s address", s.channel)
	}
	s.logger.Info().
		Str("channel", string(s.channel)).
		Str("to", addr).
		Str("idempotency_key", idempotencyKey).
		Str("subject", msg.Subject).
		Msg("outbound notification")
	return OutcomeDelivered, nil
}

// ---------------------------------------------------------------------------
// Mock sender (test double)
// ---------------------------------------------------------------------------

// SendCall records a single call to a MockSender.
type SendCall struct {
	To             Recipient
	Message        Message
	IdempotencyKey string
}

// MockSender is a test double whose outcomes can be scripted per call.
// When the script is exhausted (or empty) it reports OutcomeDelivered.
type MockSender struct {
	ChannelName Channel
	Script      []Outcome
	Err         error

	mu    sync.Mutex
	calls []SendCall
	next  int
}

func (m *MockSender) Channel() Channel { return m.ChannelName }

func (m *MockSender) Send(_ context.Context, to Recipient, msg Message, idempotencyKey string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{To: to, Message: msg, IdempotencyKey: idempotencyKey})

	outcome := OutcomeDelivered
	if m.next < len(m.Script) {
		outcome = m.Script[m.next]
		m.next++
	}
	if outcome != OutcomeDelivered {
		err := m.Err
		if err == nil {
			err = fmt.Errorf("scripted %s failure", outcome)
		}
		return outcome, err
	}
	return OutcomeDelivered, nil
}

// Calls returns a copy of recorded calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}
