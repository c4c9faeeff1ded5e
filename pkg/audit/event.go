// Package audit carries integrity audit events out of the ledger core.
//
// Every signing, verification, tamper-detection and repudiation-detection
// outcome is emitted as an Event to an injected Sink. The sink is the only
// side channel through which the surrounding system observes ledger
// integrity; it never receives key material.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of an audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusDenied  Status = "denied"
	StatusFailed  Status = "failed"
)

// Actions emitted by the ledger packages.
const (
	ActionFingerprintValidate = "fingerprint.validate"
	ActionRepudiationCheck    = "intent.repudiation_check"
	ActionRootSign            = "ledger.root.sign"
	ActionRootVerify          = "ledger.root.verify"
	ActionChainVerify         = "ledger.chain.verify"
	ActionTamperCheck         = "verifier.tamper_check"
)

// Event is a structured integrity audit record.
type Event struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Actor     string            `json:"actor"`
	Target    string            `json:"target"`
	Status    Status            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Sink receives integrity events.
type Sink interface {
	Emit(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Emit(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Deliver stamps evt with an ID and timestamp and hands it to sink.
// Delivery failures are logged and never propagated: the caller's integrity
// result stands on its own.
func Deliver(ctx context.Context, sink Sink, logger *slog.Logger, evt Event) {
	if sink == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := sink.Emit(ctx, evt); err != nil && logger != nil {
		logger.WarnContext(ctx, "audit sink delivery failed",
			"action", evt.Action,
			"status", string(evt.Status),
			"error", err,
		)
	}
}
