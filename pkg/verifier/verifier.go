// Package verifier provides the read-only verifier node.
//
// A Node is built from an exported snapshot and a root signing authority.
// It has no store and no append path: everything it checks is recomputed
// from the snapshot's leaf records and signed roots.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-ledger/pkg/audit"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
	"github.com/Mindburn-Labs/helm-ledger/pkg/signing"
	"github.com/Mindburn-Labs/helm-ledger/pkg/snapshot"
	"github.com/Mindburn-Labs/helm-ledger/pkg/store"
)

// Report is the structured output of a full verification run.
type Report struct {
	SnapshotID  string             `json:"snapshot_id"`
	Verified    bool               `json:"verified"`
	Timestamp   time.Time          `json:"timestamp"`
	LeafCount   int                `json:"leaf_count"`
	SignedRoots int                `json:"signed_roots"`
	GrowthRules merkle.GrowthRules `json:"growth_rules"`
	Checks      []CheckResult      `json:"checks"`
	Summary     string             `json:"summary"`
	IssueCount  int                `json:"issue_count"`
	VerifierVer string             `json:"verifier_version"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const VerifierVersion = "1.0.0"

// Node verifies one snapshot. It holds private copies of the snapshot's
// records and roots.
type Node struct {
	snapshotID string
	records    []store.Record
	roots      []merkle.SignedRoot
	leafHashes []string
	authority  signing.Authority

	clock  func() time.Time
	sink   audit.Sink
	logger *slog.Logger
}

// Option configures a Node.
type Option func(*Node)

func WithAuditSink(sink audit.Sink) Option {
	return func(n *Node) { n.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(n *Node) { n.clock = clock }
}

// NewNode builds a verifier over snap.
func NewNode(snap *snapshot.Snapshot, authority signing.Authority, opts ...Option) (*Node, error) {
	if snap == nil {
		return nil, fmt.Errorf("verifier: snapshot is required")
	}
	if authority == nil {
		return nil, fmt.Errorf("verifier: signing authority is required")
	}
	n := &Node{
		snapshotID: snap.SnapshotID,
		records:    append([]store.Record(nil), snap.Records...),
		roots:      append([]merkle.SignedRoot(nil), snap.SignedRoots...),
		authority:  authority,
		clock:      time.Now,
		sink:       audit.Discard,
		logger:     slog.Default().With("component", "verifier"),
	}
	for _, opt := range opts {
		opt(n)
	}

	// Leaf hashes are recomputed from the leaf fields; the stored
	// leaf_hash values are only trusted by the record chain check.
	n.leafHashes = make([]string, len(n.records))
	for i, rec := range n.records {
		h, err := rec.Leaf.Hash()
		if err != nil {
			return nil, fmt.Errorf("verifier: hash leaf %d: %w", i+1, err)
		}
		n.leafHashes[i] = h
	}
	return n, nil
}

// Open reads a snapshot file and builds a Node over it.
func Open(path string, authority signing.Authority, opts ...Option) (*Node, error) {
	snap, err := snapshot.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewNode(snap, authority, opts...)
}

// ValidateDBTamperingDetection reports whether tampering was detected. It
// stops at the first failing check.
func (n *Node) ValidateDBTamperingDetection(ctx context.Context) bool {
	for _, check := range n.plan() {
		if res := check(); !res.Pass {
			n.emit(ctx, audit.StatusFailed, "tamper_detected", map[string]string{
				"check":  res.Name,
				"reason": res.Reason,
			})
			n.logger.ErrorContext(ctx, "tampering detected", "snapshot_id", n.snapshotID, "check", res.Name, "reason", res.Reason)
			return true
		}
	}
	n.emit(ctx, audit.StatusSuccess, "", map[string]string{
		"leaf_count":   fmt.Sprint(len(n.records)),
		"signed_roots": fmt.Sprint(len(n.roots)),
	})
	return false
}

// Verify runs every check and returns the full report.
func (n *Node) Verify(ctx context.Context) *Report {
	report := &Report{
		SnapshotID:  n.snapshotID,
		Verified:    true,
		Timestamp:   n.clock().UTC(),
		LeafCount:   len(n.records),
		SignedRoots: len(n.roots),
		GrowthRules: merkle.DeterministicGrowthRules,
		Checks:      make([]CheckResult, 0),
		VerifierVer: VerifierVersion,
	}
	for _, check := range n.plan() {
		report.addCheck(check())
	}

	failed := 0
	for _, c := range report.Checks {
		if !c.Pass {
			failed++
		}
	}
	report.IssueCount = failed
	if failed > 0 {
		report.Verified = false
		report.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(report.Checks))
	} else {
		report.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(report.Checks), len(report.Checks))
	}

	status := audit.StatusSuccess
	reason := ""
	if !report.Verified {
		status, reason = audit.StatusFailed, "tamper_detected"
	}
	n.emit(ctx, status, reason, map[string]string{"summary": report.Summary})
	return report
}

func (r *Report) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

// plan lists the checks in evaluation order: the record chain first, then
// each signed root's Merkle root and signature, then inclusion proofs.
func (n *Node) plan() []func() CheckResult {
	checks := []func() CheckResult{n.checkRecordChain, n.checkIndexContinuity}
	for i := range n.roots {
		sr := n.roots[i]
		ord := i + 1
		checks = append(checks,
			func() CheckResult { return n.checkRootHash(ord, sr) },
			func() CheckResult { return n.checkRootSignature(ord, sr) },
		)
	}
	checks = append(checks, n.checkRootOrdering, n.checkInclusionProofs)
	return checks
}

// --- Check implementations ---

func (n *Node) checkRecordChain() CheckResult {
	if err := store.VerifyChain(n.records); err != nil {
		return CheckResult{Name: "record_chain", Pass: false, Reason: err.Error()}
	}
	return CheckResult{Name: "record_chain", Pass: true, Detail: fmt.Sprintf("%d records chained from GENESIS", len(n.records))}
}

func (n *Node) checkIndexContinuity() CheckResult {
	for i, rec := range n.records {
		if rec.Leaf.LeafIndex != i+1 {
			return CheckResult{Name: "index_continuity", Pass: false,
				Reason: fmt.Sprintf("position %d holds leaf_index %d", i+1, rec.Leaf.LeafIndex)}
		}
	}
	return CheckResult{Name: "index_continuity", Pass: true, Detail: "leaf indices are 1..n without gaps"}
}

func (n *Node) checkRootHash(ord int, sr merkle.SignedRoot) CheckResult {
	name := fmt.Sprintf("root:%d:merkle", ord)
	if sr.LeafCount < 1 || sr.LeafCount > len(n.leafHashes) {
		return CheckResult{Name: name, Pass: false,
			Reason: fmt.Sprintf("leaf_count %d outside 1..%d", sr.LeafCount, len(n.leafHashes))}
	}
	root, err := merkle.Root(n.leafHashes[:sr.LeafCount])
	if err != nil {
		return CheckResult{Name: name, Pass: false, Reason: err.Error()}
	}
	if root != sr.RootHash {
		return CheckResult{Name: name, Pass: false,
			Reason: fmt.Sprintf("root mismatch: expected %s, got %s", root, sr.RootHash)}
	}
	return CheckResult{Name: name, Pass: true, Detail: fmt.Sprintf("root over %d leaves recomputed", sr.LeafCount)}
}

func (n *Node) checkRootSignature(ord int, sr merkle.SignedRoot) CheckResult {
	name := fmt.Sprintf("root:%d:signature", ord)
	if sr.SignatureFormat != merkle.SignatureFormatJWSDetached {
		return CheckResult{Name: name, Pass: false, Reason: fmt.Sprintf("unsupported signature format %q", sr.SignatureFormat)}
	}
	payload, err := sr.Payload()
	if err != nil {
		return CheckResult{Name: name, Pass: false, Reason: err.Error()}
	}
	if !n.authority.VerifyPayload(payload, sr.Signature) {
		return CheckResult{Name: name, Pass: false, Reason: "signature does not verify under " + n.authority.Name()}
	}
	return CheckResult{Name: name, Pass: true, Detail: "signature verified"}
}

func (n *Node) checkRootOrdering() CheckResult {
	for i := 1; i < len(n.roots); i++ {
		if n.roots[i].LeafCount < n.roots[i-1].LeafCount {
			return CheckResult{Name: "root_ordering", Pass: false,
				Reason: fmt.Sprintf("root %d covers %d leaves, root %d covers %d", i+1, n.roots[i].LeafCount, i, n.roots[i-1].LeafCount)}
		}
	}
	return CheckResult{Name: "root_ordering", Pass: true, Detail: "signed roots are in generation order"}
}

// checkInclusionProofs proves every leaf covered by the latest root.
func (n *Node) checkInclusionProofs() CheckResult {
	const name = "inclusion_proofs"
	if len(n.roots) == 0 {
		return CheckResult{Name: name, Pass: true, Detail: "no signed root (not applicable)"}
	}
	latest := n.roots[len(n.roots)-1]
	if latest.LeafCount < 1 || latest.LeafCount > len(n.leafHashes) {
		return CheckResult{Name: name, Pass: false, Reason: "latest root covers leaves missing from the snapshot"}
	}
	tree, err := merkle.Build(n.leafHashes[:latest.LeafCount])
	if err != nil {
		return CheckResult{Name: name, Pass: false, Reason: err.Error()}
	}
	for i := 1; i <= latest.LeafCount; i++ {
		path, err := tree.Proof(i)
		if err != nil {
			return CheckResult{Name: name, Pass: false, Reason: err.Error()}
		}
		proof := merkle.InclusionProof{
			LeafIndex:     i,
			LeafHash:      n.leafHashes[i-1],
			MerkleRoot:    tree.Root,
			AuditPath:     path,
			RootSignature: latest.Signature,
		}
		if !merkle.VerifyInclusionProof(proof, latest.RootHash) {
			return CheckResult{Name: name, Pass: false, Reason: fmt.Sprintf("leaf %d does not prove against the latest signed root", i)}
		}
	}
	return CheckResult{Name: name, Pass: true, Detail: fmt.Sprintf("%d leaves proven", latest.LeafCount)}
}

func (n *Node) emit(ctx context.Context, status audit.Status, reason string, evtCtx map[string]string) {
	evtCtx["snapshot_id"] = n.snapshotID
	evtCtx["authority"] = n.authority.Name()
	audit.Deliver(ctx, n.sink, n.logger, audit.Event{
		Action:  audit.ActionTamperCheck,
		Actor:   "verifier",
		Target:  n.snapshotID,
		Status:  status,
		Reason:  reason,
		Context: evtCtx,
	})
}
