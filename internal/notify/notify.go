// Package notify defines the NotificationSink contract: a minimal
// capability the scheduler depends on to raise threshold alerts. Wiring
// to an OS-specific notifier is left to an external collaborator; this
// package ships the contract plus a logging sink suitable as a default
// and for tests.
package notify

import "github.com/rs/zerolog/log"

// Payload carries structured context about the alert, echoed back to
// the sink alongside the human-readable title/body.
type Payload struct {
	ProviderID string  `json:"provider_id"`
	Percentage float64 `json:"percentage"`
	Threshold  float64 `json:"threshold"`
}

// Sink is the capability the scheduler depends on: notify(title, body,
// action, payload). action is a short machine-readable hint (e.g.
// "threshold_crossed", "reset_detected") a richer sink may use to pick an
// icon or deep link; it carries no behavior in the core.
type Sink interface {
	Notify(title, body, action string, payload Payload)
}

// LogSink logs every notification via zerolog instead of surfacing a
// desktop toast; the safe default when no OS-specific sink is wired.
type LogSink struct{}

func (LogSink) Notify(title, body, action string, payload Payload) {
	log.Info().
		Str("title", title).
		Str("action", action).
		Str("provider_id", payload.ProviderID).
		Float64("percentage", payload.Percentage).
		Float64("threshold", payload.Threshold).
		Msg(body)
}

// NoopSink discards every notification; useful in tests that don't care
// about alerting behavior.
type NoopSink struct{}

func (NoopSink) Notify(string, string, string, Payload) {}
