package notification

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Channel parsing
// ---------------------------------------------------------------------------

func TestParseChannel(t *testing.T) {
	cases := []struct {
		in      string
		want    Channel
		wantErr bool
	}{
		{"sms", ChannelSMS, false},
		{"SMS", ChannelSMS, false},
		{"email", ChannelEmail, false},
		{"WhatsApp", ChannelWhatsApp, false},
		{"pigeon", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseChannel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseChannel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseChannel(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseChannel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Template engine
// ---------------------------------------------------------------------------

func TestTemplateEngine_RenderBuiltIn(t *testing.T) {
	engine := NewTemplateEngine()

	subject, body, err := engine.Render(TemplateAppointmentReminder, map[string]string{
		"patient_name":     "Jordan Smith",
		"appointment_type": "consultation",
		"date":             "Monday, 10 June 2024",
		"time":             "10:00",
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	if !strings.Contains(subject, "Jordan Smith") {
		t.Errorf("subject missing patient name: %q", subject)
	}
	if !strings.Contains(body, "consultation") {
		t.Errorf("body missing appointment type: %q", body)
	}
	if !strings.Contains(body, "Monday, 10 June 2024") {
		t.Errorf("body missing date: %q", body)
	}
	if strings.Contains(body, "{{") {
		t.Errorf("body has unrendered placeholders: %q", body)
	}
}

func TestTemplateEngine_RenderUnknownTemplate(t *testing.T) {
	engine := NewTemplateEngine()
	_, _, err := engine.Render("no-such-template", nil)
	if err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestTemplateEngine_MissingKeysLeftAsIs(t *testing.T) {
	engine := NewTemplateEngine()
	engine.RegisterTemplate(Template{
		ID:      "custom",
		Subject: "Hello {{name}}",
		Body:    "{{greeting}}, {{name}}",
	})

	subject, body, err := engine.Render("custom", map[string]string{"name": "Sam"})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if subject != "Hello Sam" {
		t.Errorf("subject = %q, want %q", subject, "Hello Sam")
	}
	if body != "{{greeting}}, Sam" {
		t.Errorf("body = %q, want %q", body, "{{greeting}}, Sam")
	}
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

func TestLogSender_DeliversWithAddress(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	sender := NewLogSender(ChannelSMS, logger)

	outcome, err := sender.Send(context.Background(),
		Recipient{Name: "Sam", Phone: "+15550100"},
		Message{Subject: "hi", Body: "body"}, "ev:sms")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeDelivered)
	}
}

func TestLogSender_PermanentFailureWithoutAddress(t *testing.T) {
	logger := zerolog.New(os.Stderr)

	smsOutcome, err := NewLogSender(ChannelSMS, logger).Send(context.Background(),
		Recipient{Name: "Sam", Email: "sam@example.com"}, Message{}, "ev:sms")
	if err == nil {
		t.Error("expected error for missing phone")
	}
	if smsOutcome != OutcomePermanentFailure {
		t.Errorf("sms outcome = %q, want %q", smsOutcome, OutcomePermanentFailure)
	}

	emailOutcome, err := NewLogSender(ChannelEmail, logger).Send(context.Background(),
		Recipient{Name: "Sam", Phone: "+15550100"}, Message{}, "ev:email")
	if err == nil {
		t.Error("expected error for missing email")
	}
	if emailOutcome != OutcomePermanentFailure {
		t.Errorf("email outcome = %q, want %q", emailOutcome, OutcomePermanentFailure)
	}
}

func TestMockSender_ScriptedOutcomes(t *testing.T) {
	mock := &MockSender{
		ChannelName: ChannelSMS,
		Script:      []Outcome{OutcomeTransientFailure, OutcomeDelivered},
	}

	outcome, err := mock.Send(context.Background(), Recipient{}, Message{}, "k1")
	if outcome != OutcomeTransientFailure {
		t.Errorf("first outcome = %q, want %q", outcome, OutcomeTransientFailure)
	}
	if err == nil {
		t.Error("expected error on scripted failure")
	}

	outcome, err = mock.Send(context.Background(), Recipient{}, Message{}, "k2")
	if outcome != OutcomeDelivered {
		t.Errorf("second outcome = %q, want %q", outcome, OutcomeDelivered)
	}
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Script exhausted: defaults to delivered.
	outcome, _ = mock.Send(context.Background(), Recipient{}, Message{}, "k3")
	if outcome != OutcomeDelivered {
		t.Errorf("third outcome = %q, want %q", outcome, OutcomeDelivered)
	}

	calls := mock.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", len(calls))
	}
	if calls[0].IdempotencyKey != "k1" {
		t.Errorf("first call key = %q, want %q", calls[0].IdempotencyKey, "k1")
	}
}
