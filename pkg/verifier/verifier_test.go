package verifier

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-ledger/pkg/audit"
	"github.com/Mindburn-Labs/helm-ledger/pkg/ledger"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
	"github.com/Mindburn-Labs/helm-ledger/pkg/signing"
	"github.com/Mindburn-Labs/helm-ledger/pkg/snapshot"
	"github.com/Mindburn-Labs/helm-ledger/pkg/store"
)

func authority(t *testing.T, secret string) signing.Authority {
	t.Helper()
	a, err := signing.NewHMACAuthority("verifier-test", []byte(strings.Repeat(secret, 32)))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	return a
}

// exportLedger appends n leaves with a root every two leaves and returns
// the resulting snapshot.
func exportLedger(t *testing.T, n int, a signing.Authority) *snapshot.Snapshot {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "leaves.jsonl"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cadence, _ := merkle.NewCadence(2)
	e, err := ledger.New(ctx, st, a, cadence)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	for i := 1; i <= n; i++ {
		_, err := e.Append(ctx, ledger.LeafInput{
			ExecutionFingerprint: fmt.Sprintf("fp-%d", i),
			OperatorID:           "op-1",
			TenantID:             "tenant-a",
			IntentHash:           fmt.Sprintf("intent-%d", i),
			ManifestHash:         "manifest",
			ToolHash:             "tool",
			PolicyDecisionHash:   "policy",
			Timestamp:            "2026-02-01T00:00:00Z",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func newNode(t *testing.T, snap *snapshot.Snapshot, a signing.Authority, opts ...Option) *Node {
	t.Helper()
	n, err := NewNode(snap, a, opts...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func failedChecks(r *Report) []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Pass {
			out = append(out, c.Name)
		}
	}
	return out
}

func TestNode_CleanSnapshot(t *testing.T) {
	a := authority(t, "k")
	snap := exportLedger(t, 5, a)
	rec := audit.NewRecorder()
	n := newNode(t, snap, a, WithAuditSink(rec))

	if n.ValidateDBTamperingDetection(context.Background()) {
		t.Fatal("expected no tampering on a clean snapshot")
	}
	report := n.Verify(context.Background())
	if !report.Verified {
		t.Fatalf("expected PASS, got %s: %v", report.Summary, failedChecks(report))
	}
	// record_chain, index_continuity, 2 roots x 2, root_ordering, inclusion_proofs
	if len(report.Checks) != 8 {
		t.Errorf("expected 8 checks, got %d", len(report.Checks))
	}
	if report.Summary != "PASS: 8/8 checks passed" {
		t.Errorf("unexpected summary %q", report.Summary)
	}

	events := rec.ByAction(audit.ActionTamperCheck)
	if len(events) != 2 || events[0].Status != audit.StatusSuccess {
		t.Errorf("expected two success tamper-check events, got %+v", events)
	}
}

func TestNode_EditedLeafBreaksChain(t *testing.T) {
	a := authority(t, "k")
	snap := exportLedger(t, 4, a)
	snap.Records[1].Leaf.OperatorID = "op-forged"

	rec := audit.NewRecorder()
	n := newNode(t, snap, a, WithAuditSink(rec))
	if !n.ValidateDBTamperingDetection(context.Background()) {
		t.Fatal("expected tampering to be detected")
	}
	last, _ := rec.Last()
	if last.Status != audit.StatusFailed || last.Context["check"] != "record_chain" {
		t.Errorf("expected failed record_chain event, got %+v", last)
	}
}

func TestNode_RechainedForgeryFailsRoots(t *testing.T) {
	a := authority(t, "k")
	snap := exportLedger(t, 4, a)

	// Rewrite leaf 3 and rebuild a self-consistent record chain.
	prev := store.Genesis
	for i := range snap.Records {
		leaf := snap.Records[i].Leaf
		if i == 2 {
			leaf.ToolHash = "swapped-tool"
		}
		r, err := store.NewRecord(leaf, prev)
		if err != nil {
			t.Fatalf("rechain: %v", err)
		}
		snap.Records[i] = r
		prev = r.RecordHash
	}

	report := newNode(t, snap, a).Verify(context.Background())
	if report.Verified {
		t.Fatal("expected FAIL for a rechained forgery")
	}
	failed := strings.Join(failedChecks(report), ",")
	if failed != "root:2:merkle,inclusion_proofs" {
		t.Errorf("unexpected failing checks %q", failed)
	}
}

func TestNode_FlippedSignature(t *testing.T) {
	a := authority(t, "k")
	snap := exportLedger(t, 2, a)
	sig := []byte(snap.SignedRoots[0].Signature)
	last := len(sig) - 3
	if sig[last] == 'x' {
		sig[last] = 'y'
	} else {
		sig[last] = 'x'
	}
	snap.SignedRoots[0].Signature = string(sig)

	n := newNode(t, snap, a)
	if !n.ValidateDBTamperingDetection(context.Background()) {
		t.Fatal("expected a flipped signature to be detected")
	}
	report := n.Verify(context.Background())
	if got := strings.Join(failedChecks(report), ","); got != "root:1:signature" {
		t.Errorf("expected only the signature check to fail, got %q", got)
	}
}

func TestNode_WrongAuthority(t *testing.T) {
	snap := exportLedger(t, 2, authority(t, "k"))
	if !newNode(t, snap, authority(t, "z")).ValidateDBTamperingDetection(context.Background()) {
		t.Fatal("expected roots signed by another key to be rejected")
	}
}

func TestNode_RootBeyondRecords(t *testing.T) {
	a := authority(t, "k")
	snap := exportLedger(t, 4, a)
	snap.Records = snap.Records[:3]
	snap.LeafCount = 3

	report := newNode(t, snap, a).Verify(context.Background())
	if report.Verified {
		t.Fatal("expected FAIL when a root covers dropped records")
	}
	found := false
	for _, c := range report.Checks {
		if c.Name == "root:2:merkle" && !c.Pass {
			found = true
		}
	}
	if !found {
		t.Errorf("expected root:2:merkle to fail, got %v", failedChecks(report))
	}
}

func TestNode_SnapshotIsCopied(t *testing.T) {
	a := authority(t, "k")
	snap := exportLedger(t, 2, a)
	n := newNode(t, snap, a)

	snap.Records[0].Leaf.OperatorID = "mutated-after-construction"
	if n.ValidateDBTamperingDetection(context.Background()) {
		t.Fatal("node must not observe mutations of the caller's snapshot")
	}
}

func TestOpen_FromFile(t *testing.T) {
	a := authority(t, "k")
	snap := exportLedger(t, 3, a)
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := snapshot.WriteFile(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	fixed := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	n, err := Open(path, a, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	report := n.Verify(context.Background())
	if !report.Verified {
		t.Fatalf("expected PASS, got %s", report.Summary)
	}
	if !report.Timestamp.Equal(fixed) || report.SnapshotID != snap.SnapshotID || report.LeafCount != 3 {
		t.Errorf("unexpected report header %+v", report)
	}
}

func TestNewNode_RequiresInputs(t *testing.T) {
	if _, err := NewNode(nil, authority(t, "k")); err == nil {
		t.Error("expected error for nil snapshot")
	}
	if _, err := NewNode(&snapshot.Snapshot{}, nil); err == nil {
		t.Error("expected error for nil authority")
	}
}
