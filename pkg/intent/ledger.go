// Package intent implements the write-ahead intent ledger: a hash-chained,
// append-only journal of pre-dispatch intents keyed by execution
// fingerprint. An intent is recorded strictly before its dispatch is
// attempted, so an operator cannot later deny having authorized it.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Mindburn-Labs/helm-ledger/pkg/audit"
	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// Genesis is the prev_hash of the first intent.
const Genesis = "GENESIS"

// Request carries the caller-supplied fields of an intent.
type Request struct {
	ExecutionFingerprint string
	OperatorID           string
	TenantID             string
	DispatchTarget       string
	ManifestHash         string
	ToolHash             string
	PolicyDecisionHash   string
}

// Record is an immutable, hash-chained intent.
type Record struct {
	IntentID             string `json:"intent_id"`
	ExecutionFingerprint string `json:"execution_fingerprint"`
	OperatorID           string `json:"operator_id"`
	TenantID             string `json:"tenant_id"`
	DispatchTarget       string `json:"dispatch_target"`
	ManifestHash         string `json:"manifest_hash"`
	ToolHash             string `json:"tool_hash"`
	PolicyDecisionHash   string `json:"policy_decision_hash"`
	Timestamp            string `json:"timestamp"`
	PrevHash             string `json:"prev_hash"`
	IntentHash           string `json:"intent_hash"`
}

// hashedFields is the record minus its hashes.
type hashedFields struct {
	IntentID             string `json:"intent_id"`
	ExecutionFingerprint string `json:"execution_fingerprint"`
	OperatorID           string `json:"operator_id"`
	TenantID             string `json:"tenant_id"`
	DispatchTarget       string `json:"dispatch_target"`
	ManifestHash         string `json:"manifest_hash"`
	ToolHash             string `json:"tool_hash"`
	PolicyDecisionHash   string `json:"policy_decision_hash"`
	Timestamp            string `json:"timestamp"`
}

// ComputeHash returns SHA256(prev_hash || ":" || JCS(fields excluding hashes)).
func (r Record) ComputeHash() (string, error) {
	return canonicalize.ChainedHash(r.PrevHash, hashedFields{
		IntentID:             r.IntentID,
		ExecutionFingerprint: r.ExecutionFingerprint,
		OperatorID:           r.OperatorID,
		TenantID:             r.TenantID,
		DispatchTarget:       r.DispatchTarget,
		ManifestHash:         r.ManifestHash,
		ToolHash:             r.ToolHash,
		PolicyDecisionHash:   r.PolicyDecisionHash,
		Timestamp:            r.Timestamp,
	})
}

// Ledger is the in-process write-ahead intent ledger. One instance per
// shard; instances are fully independent.
type Ledger struct {
	mu      sync.RWMutex
	records []Record
	head    string
	clock   func() time.Time
	sink    audit.Sink
	logger  *slog.Logger
}

// New creates an empty ledger. sink receives repudiation denials.
func New(sink audit.Sink) *Ledger {
	if sink == nil {
		sink = audit.Discard
	}
	return &Ledger{
		head:   Genesis,
		clock:  time.Now,
		sink:   sink,
		logger: slog.Default().With("component", "intent-ledger"),
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger overrides the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// RecordPreDispatchIntent validates req, chains it to the current tail and
// appends it. It must be called before the dispatch side effect happens.
func (l *Ledger) RecordPreDispatchIntent(req Request) (Record, error) {
	if err := req.validate(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		IntentID:             fmt.Sprintf("intent-%08d", len(l.records)+1),
		ExecutionFingerprint: req.ExecutionFingerprint,
		OperatorID:           req.OperatorID,
		TenantID:             req.TenantID,
		DispatchTarget:       req.DispatchTarget,
		ManifestHash:         req.ManifestHash,
		ToolHash:             req.ToolHash,
		PolicyDecisionHash:   req.PolicyDecisionHash,
		Timestamp:            l.clock().UTC().Format(time.RFC3339Nano),
		PrevHash:             l.head,
	}
	h, err := rec.ComputeHash()
	if err != nil {
		return Record{}, fmt.Errorf("intent: hash: %w", err)
	}
	rec.IntentHash = h

	l.records = append(l.records, rec)
	l.head = h
	return rec, nil
}

// VerifyExecutionIntent looks up the intent for fingerprint, newest first.
// When operatorID is non-empty it must match the recorded operator, otherwise
// OperatorScopeMismatch is returned. A miss is NotFound.
func (l *Ledger) VerifyExecutionIntent(fingerprint, operatorID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.ExecutionFingerprint != fingerprint {
			continue
		}
		if operatorID != "" && rec.OperatorID != operatorID {
			return Record{}, &integrity.Error{
				Kind:     integrity.KindOperatorScopeMismatch,
				Op:       "intent.verify",
				Message:  "intent was recorded by a different operator",
				Expected: rec.OperatorID,
				Actual:   operatorID,
			}
		}
		return rec, nil
	}
	return Record{}, integrity.New(integrity.KindNotFound, "intent.verify", "no intent for fingerprint %s", fingerprint)
}

// ReconcileOperatorToExecution reports whether operatorID recorded the
// intent for fingerprint. A blank operator never reconciles.
func (l *Ledger) ReconcileOperatorToExecution(operatorID, fingerprint string) bool {
	_, err := l.reconcile(operatorID, fingerprint)
	return err == nil
}

// reconcile is VerifyExecutionIntent with the operator made mandatory.
func (l *Ledger) reconcile(operatorID, fingerprint string) (Record, error) {
	if strings.TrimSpace(operatorID) == "" {
		return Record{}, integrity.New(integrity.KindOperatorMismatch, "intent.reconcile", "claimed operator is blank")
	}
	return l.VerifyExecutionIntent(fingerprint, operatorID)
}

// DetectRepudiationAttempt reports whether claimedOperatorID cannot be
// reconciled to fingerprint, either because another operator recorded it or
// because no intent exists. A detection emits a denied event. It never fails.
func (l *Ledger) DetectRepudiationAttempt(ctx context.Context, claimedOperatorID, fingerprint string) bool {
	_, err := l.reconcile(claimedOperatorID, fingerprint)
	if err == nil {
		return false
	}

	evtCtx := map[string]string{
		"execution_fingerprint": fingerprint,
		"claimed_operator_id":   claimedOperatorID,
	}
	reason := "intent_verification_failed"
	switch integrity.KindOf(err) {
	case integrity.KindOperatorScopeMismatch:
		reason = "operator_scope_mismatch"
		if ierr, ok := err.(*integrity.Error); ok {
			evtCtx["recorded_operator_id"] = ierr.Expected
		}
	case integrity.KindNotFound:
		reason = "intent_not_found"
	case integrity.KindOperatorMismatch:
		reason = "operator_missing"
	}

	audit.Deliver(ctx, l.sink, l.logger, audit.Event{
		Action:  audit.ActionRepudiationCheck,
		Actor:   claimedOperatorID,
		Target:  fingerprint,
		Status:  audit.StatusDenied,
		Reason:  reason,
		Context: evtCtx,
	})
	return true
}

// VerifyChain walks the intent chain from GENESIS and reports the first break.
func (l *Ledger) VerifyChain() error {
	return VerifyRecords(l.Records())
}

// VerifyRecords checks an exported intent chain.
func VerifyRecords(records []Record) error {
	prev := Genesis
	for i, rec := range records {
		if rec.PrevHash != prev {
			return integrity.Mismatch(integrity.KindChainMismatch, "intent.verify_chain", i+1, prev, rec.PrevHash)
		}
		h, err := rec.ComputeHash()
		if err != nil {
			return integrity.Wrap(integrity.KindChainMismatch, "intent.verify_chain", err)
		}
		if h != rec.IntentHash {
			return integrity.Mismatch(integrity.KindChainMismatch, "intent.verify_chain", i+1, h, rec.IntentHash)
		}
		prev = rec.IntentHash
	}
	return nil
}

// Records returns a copy of every intent in append order.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// ListByOperator returns the intents recorded by operatorID.
func (l *Ledger) ListByOperator(operatorID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, rec := range l.records {
		if rec.OperatorID == operatorID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of intents.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Head returns the current chain tail hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func (r Request) validate() error {
	fields := []struct{ name, value string }{
		{"execution_fingerprint", r.ExecutionFingerprint},
		{"operator_id", r.OperatorID},
		{"tenant_id", r.TenantID},
		{"dispatch_target", r.DispatchTarget},
		{"manifest_hash", r.ManifestHash},
		{"tool_hash", r.ToolHash},
		{"policy_decision_hash", r.PolicyDecisionHash},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return integrity.New(integrity.KindValidation, "intent.record", "%s is required", f.name)
		}
		if !utf8.ValidString(f.value) {
			return integrity.New(integrity.KindValidation, "intent.record", "%s is not valid UTF-8", f.name)
		}
	}
	return nil
}
