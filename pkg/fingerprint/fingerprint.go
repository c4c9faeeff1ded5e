// Package fingerprint binds the identity of one privileged dispatch
// (operator, tenant, manifest, tool, policy decision, timestamp) into a
// single SHA-256 digest. The digest is the join key between the intent
// ledger, the Merkle leaf, telemetry and the C2 dispatch boundary.
package fingerprint

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/helm-ledger/pkg/audit"
	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// Params are the raw fields of an execution fingerprint input.
type Params struct {
	ManifestHash               string `json:"manifest_hash"`
	ToolHash                   string `json:"tool_hash"`
	OperatorID                 string `json:"operator_id"`
	TenantID                   string `json:"tenant_id"`
	PolicyDecisionHash         string `json:"policy_decision_hash"`
	AttestationMeasurementHash string `json:"attestation_measurement_hash"`
	Timestamp                  string `json:"timestamp"`
}

// Input is a validated, immutable fingerprint input.
type Input struct {
	p Params
}

// NewInput validates p. Every field except AttestationMeasurementHash must
// be non-empty after trimming.
func NewInput(p Params) (Input, error) {
	required := []struct{ name, value string }{
		{"manifest_hash", p.ManifestHash},
		{"tool_hash", p.ToolHash},
		{"operator_id", p.OperatorID},
		{"tenant_id", p.TenantID},
		{"policy_decision_hash", p.PolicyDecisionHash},
		{"timestamp", p.Timestamp},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return Input{}, integrity.New(integrity.KindValidation, "fingerprint.input", "%s is required", f.name)
		}
	}
	// Invalid UTF-8 would be replaced during canonicalization, so distinct
	// inputs could share a fingerprint.
	for _, f := range append(required, struct{ name, value string }{"attestation_measurement_hash", p.AttestationMeasurementHash}) {
		if !utf8.ValidString(f.value) {
			return Input{}, integrity.New(integrity.KindValidation, "fingerprint.input", "%s is not valid UTF-8", f.name)
		}
	}
	return Input{p: p}, nil
}

// Params returns a copy of the input fields.
func (in Input) Params() Params { return in.p }

func (in Input) OperatorID() string { return in.p.OperatorID }
func (in Input) TenantID() string   { return in.p.TenantID }

// Map returns the canonical field set, suitable for audit context.
func (in Input) Map() map[string]string {
	return map[string]string{
		"manifest_hash":                in.p.ManifestHash,
		"tool_hash":                    in.p.ToolHash,
		"operator_id":                  in.p.OperatorID,
		"tenant_id":                    in.p.TenantID,
		"policy_decision_hash":         in.p.PolicyDecisionHash,
		"attestation_measurement_hash": in.p.AttestationMeasurementHash,
		"timestamp":                    in.p.Timestamp,
	}
}

// Generate returns the 64-character lowercase hex fingerprint of in.
// It never fails for an Input built by NewInput.
func Generate(in Input) string {
	b, err := canonicalize.JCS(in.p)
	if err != nil {
		// Params holds only strings; JCS cannot fail on it.
		panic("fingerprint: canonicalization failed: " + err.Error())
	}
	return canonicalize.HashBytes(b)
}

// GenerateOperatorBound generates the fingerprint only when the caller's
// claimed identity is the operator named in the input.
func GenerateOperatorBound(in Input, claimedOperatorID string) (string, error) {
	if in.p.OperatorID != claimedOperatorID {
		return "", &integrity.Error{
			Kind:     integrity.KindOperatorMismatch,
			Op:       "fingerprint.generate",
			Message:  "claimed operator does not match input operator",
			Expected: in.p.OperatorID,
			Actual:   claimedOperatorID,
		}
	}
	return Generate(in), nil
}

// Validator is the dispatch gate: it recomputes a fingerprint and reports
// denials to the audit sink.
type Validator struct {
	sink   audit.Sink
	logger *slog.Logger
}

func NewValidator(sink audit.Sink) *Validator {
	if sink == nil {
		sink = audit.Discard
	}
	return &Validator{
		sink:   sink,
		logger: slog.Default().With("component", "fingerprint"),
	}
}

// WithLogger overrides the logger.
func (v *Validator) WithLogger(l *slog.Logger) *Validator {
	v.logger = l
	return v
}

// Validate recomputes the fingerprint of in and compares it to expected.
// On mismatch a denied event is emitted and FingerprintMismatch returned.
func (v *Validator) Validate(ctx context.Context, in Input, expected, actor, target string) (string, error) {
	actual := Generate(in)
	if actual == expected {
		return actual, nil
	}

	audit.Deliver(ctx, v.sink, v.logger, audit.Event{
		Action: audit.ActionFingerprintValidate,
		Actor:  actor,
		Target: target,
		Status: audit.StatusDenied,
		Reason: "fingerprint_mismatch",
		Context: map[string]string{
			"expected_fingerprint": expected,
			"actual_fingerprint":   actual,
			"operator_id":          in.p.OperatorID,
			"tenant_id":            in.p.TenantID,
		},
	})
	return "", &integrity.Error{
		Kind:     integrity.KindFingerprintMismatch,
		Op:       "fingerprint.validate",
		Message:  "execution fingerprint does not match dispatch input",
		Expected: expected,
		Actual:   actual,
	}
}
