// Package ledger implements the append-only Merkle ledger engine. It
// appends execution leaves through a leaf store, checkpoints signed roots
// at a fixed leaf-count cadence and serves inclusion proofs, deterministic
// rebuilds and snapshot export.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/helm-ledger/pkg/audit"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
	"github.com/Mindburn-Labs/helm-ledger/pkg/observability"
	"github.com/Mindburn-Labs/helm-ledger/pkg/signing"
	"github.com/Mindburn-Labs/helm-ledger/pkg/snapshot"
	"github.com/Mindburn-Labs/helm-ledger/pkg/store"
)

// LeafInput carries the caller-supplied fields of one execution leaf. The
// engine assigns the leaf index.
type LeafInput struct {
	ExecutionFingerprint string
	OperatorID           string
	TenantID             string
	IntentHash           string
	ManifestHash         string
	ToolHash             string
	PolicyDecisionHash   string
	Timestamp            string

	C2Adapter     string
	C2SessionID   string
	C2OperationID string
	C2Target      string
}

func (in LeafInput) leaf(index int) merkle.Leaf {
	return merkle.Leaf{
		LeafIndex:            index,
		ExecutionFingerprint: in.ExecutionFingerprint,
		OperatorID:           in.OperatorID,
		TenantID:             in.TenantID,
		IntentHash:           in.IntentHash,
		ManifestHash:         in.ManifestHash,
		ToolHash:             in.ToolHash,
		PolicyDecisionHash:   in.PolicyDecisionHash,
		Timestamp:            in.Timestamp,
		C2Adapter:            in.C2Adapter,
		C2SessionID:          in.C2SessionID,
		C2OperationID:        in.C2OperationID,
		C2Target:             in.C2Target,
	}
}

// Engine is one ledger instance. It is the single writer of its store.
type Engine struct {
	mu          sync.RWMutex
	store       store.LeafStore
	roots       store.RootStore
	authority   signing.Authority
	cadence     merkle.Cadence
	leafHashes  []string
	signedRoots []merkle.SignedRoot

	actor  string
	clock  func() time.Time
	sink   audit.Sink
	logger *slog.Logger
	obs    *observability.Provider

	rootsSigned metric.Int64Counter
	denials     metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for generated_at timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithAuditSink routes integrity events to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObservability instruments the engine with p.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithActor names the engine in audit events.
func WithActor(actor string) Option {
	return func(e *Engine) { e.actor = actor }
}

// New opens an engine over st. The store's chain is verified first; a
// broken chain is reported to the audit sink and returned. When st also
// persists signed roots they are reloaded and each one is checked against
// the rebuilt tree and the authority.
func New(ctx context.Context, st store.LeafStore, authority signing.Authority, cadence merkle.Cadence, opts ...Option) (*Engine, error) {
	if st == nil || authority == nil {
		return nil, errors.New("ledger: store and authority are required")
	}
	if cadence.EveryNLeaves < 1 {
		return nil, integrity.New(integrity.KindValidation, "ledger.new", "every_n_leaves must be >= 1")
	}

	e := &Engine{
		store:     st,
		authority: authority,
		cadence:   cadence,
		actor:     "helm-ledger",
		clock:     time.Now,
		sink:      audit.Discard,
		logger:    slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.obs == nil {
		p, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		e.obs = p
	}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("ledger: init metrics: %w", err)
	}

	records, err := e.verifiedRecords(ctx)
	if err != nil {
		return nil, err
	}
	e.leafHashes = make([]string, len(records))
	for i, rec := range records {
		e.leafHashes[i] = rec.LeafHash
	}
	if rs, ok := st.(store.RootStore); ok {
		e.roots = rs
		if err := e.loadRoots(ctx); err != nil {
			return nil, err
		}
	}
	e.logger.InfoContext(ctx, "ledger opened", "leaves", len(records), "signed_roots", len(e.signedRoots),
		"every_n_leaves", cadence.EveryNLeaves, "authority", authority.Name())
	return e, nil
}

// loadRoots reloads persisted roots. Each must cover a prefix of the
// leaves in generation order, match that prefix's root and carry a valid
// signature.
func (e *Engine) loadRoots(ctx context.Context) error {
	roots, err := e.roots.SignedRoots(ctx)
	if err != nil {
		e.reportTamper(ctx, err)
		return err
	}
	prevCount := 0
	for i, sr := range roots {
		pos := i + 1
		if sr.LeafCount < prevCount || sr.LeafCount < 1 || sr.LeafCount > len(e.leafHashes) {
			err = &integrity.Error{
				Kind:    integrity.KindRootHashMismatch,
				Op:      "ledger.load_roots",
				Message: fmt.Sprintf("root covers %d leaves, store holds %d, previous root %d", sr.LeafCount, len(e.leafHashes), prevCount),
				Index:   pos,
			}
			e.reportTamper(ctx, err)
			return err
		}
		root, err := merkle.Root(e.leafHashes[:sr.LeafCount])
		if err != nil {
			return err
		}
		if root != sr.RootHash {
			err = integrity.Mismatch(integrity.KindRootHashMismatch, "ledger.load_roots", pos, root, sr.RootHash)
			e.reportTamper(ctx, err)
			return err
		}
		payload, err := sr.Payload()
		if err != nil {
			return err
		}
		if sr.SignatureFormat != merkle.SignatureFormatJWSDetached || !e.authority.VerifyPayload(payload, sr.Signature) {
			err = &integrity.Error{
				Kind:    integrity.KindSignatureInvalid,
				Op:      "ledger.load_roots",
				Message: "signature does not verify under " + e.authority.Name(),
				Index:   pos,
			}
			e.reportTamper(ctx, err)
			return err
		}
		prevCount = sr.LeafCount
	}
	e.signedRoots = roots
	return nil
}

func (e *Engine) initMetrics() error {
	var err error
	meter := e.obs.Meter()
	e.rootsSigned, err = meter.Int64Counter("helm_ledger.roots.signed",
		metric.WithDescription("Signed Merkle roots generated"),
		metric.WithUnit("{root}"),
	)
	if err != nil {
		return err
	}
	e.denials, err = meter.Int64Counter("helm_ledger.verifications.denied",
		metric.WithDescription("Integrity verifications that failed"),
		metric.WithUnit("{verification}"),
	)
	return err
}

// Append adds one leaf. When the new leaf count hits the cadence a root is
// signed before Append returns. If that signing fails the leaf stays
// committed and the record is returned together with the error.
func (e *Engine) Append(ctx context.Context, in LeafInput) (rec store.Record, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "ledger.append", observability.AttrTenantID.String(in.TenantID))
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	count, err := e.store.Count(ctx)
	if err != nil {
		return store.Record{}, fmt.Errorf("ledger: count: %w", err)
	}
	next := count + 1
	// The cached hashes must track the store exactly.
	if err := merkle.ValidateNextIndex(len(e.leafHashes), next); err != nil {
		return store.Record{}, err
	}
	leaf := in.leaf(next)
	if err := leaf.Validate(); err != nil {
		return store.Record{}, err
	}

	rec, err = e.store.Append(ctx, leaf)
	if err != nil {
		return store.Record{}, err
	}
	e.leafHashes = append(e.leafHashes, rec.LeafHash)
	observability.AddSpanEvent(ctx, "leaf.appended", observability.LeafOperation(next, in.TenantID)...)

	if e.cadence.ShouldGenerateRoot(next) {
		if _, err := e.signLocked(ctx, e.now()); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// MerkleRoot returns the root over every persisted leaf.
func (e *Engine) MerkleRoot() (string, error) {
	e.mu.RLock()
	n := len(e.leafHashes)
	e.mu.RUnlock()
	return e.MerkleRootAt(n)
}

// MerkleRootAt returns the root over the first leafCount leaves.
func (e *Engine) MerkleRootAt(leafCount int) (string, error) {
	hashes, err := e.prefix(leafCount)
	if err != nil {
		return "", err
	}
	return merkle.Root(hashes)
}

// prefix snapshots the first n leaf hashes.
func (e *Engine) prefix(n int) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := len(e.leafHashes)
	if total == 0 {
		return nil, integrity.New(integrity.KindEmptyLedger, "ledger.merkle_root", "ledger has no leaves")
	}
	if n < 1 || n > total {
		return nil, integrity.New(integrity.KindOutOfRange, "ledger.merkle_root", "leaf_count %d outside 1..%d", n, total)
	}
	out := make([]string, n)
	copy(out, e.leafHashes[:n])
	return out, nil
}

// GenerateAndSignRoot signs the root over every current leaf.
func (e *Engine) GenerateAndSignRoot(ctx context.Context, generatedAt string) (root merkle.SignedRoot, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "ledger.sign_root")
	defer func() { finish(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signLocked(ctx, generatedAt)
}

func (e *Engine) signLocked(ctx context.Context, generatedAt string) (merkle.SignedRoot, error) {
	if len(e.leafHashes) == 0 {
		return merkle.SignedRoot{}, integrity.New(integrity.KindEmptyLedger, "ledger.sign_root", "ledger has no leaves")
	}
	rootHash, err := merkle.Root(e.leafHashes)
	if err != nil {
		return merkle.SignedRoot{}, err
	}
	leafCount := len(e.leafHashes)
	payload, err := merkle.SigningPayload(rootHash, leafCount, generatedAt)
	if err != nil {
		return merkle.SignedRoot{}, err
	}

	evtCtx := map[string]string{
		"root_hash":    rootHash,
		"leaf_count":   fmt.Sprint(leafCount),
		"generated_at": generatedAt,
		"authority":    e.authority.Name(),
	}
	sig, err := e.authority.SignPayload(payload)
	if err != nil {
		if !errors.Is(err, integrity.ErrSigningAuthorityFailure) {
			err = integrity.Wrap(integrity.KindSigningAuthorityFailure, "ledger.sign_root", err)
		}
		e.emit(ctx, audit.ActionRootSign, rootHash, audit.StatusFailed, "signing_authority_failure", evtCtx)
		e.logger.ErrorContext(ctx, "root signing failed", "leaf_count", leafCount, "error", err)
		return merkle.SignedRoot{}, err
	}

	signed := merkle.SignedRoot{
		RootHash:        rootHash,
		LeafCount:       leafCount,
		GeneratedAt:     generatedAt,
		Signature:       sig,
		Authority:       e.authority.Name(),
		SignatureFormat: merkle.SignatureFormatJWSDetached,
	}
	if e.roots != nil {
		if err := e.roots.AppendRoot(ctx, signed); err != nil {
			e.emit(ctx, audit.ActionRootSign, rootHash, audit.StatusFailed, "root_persist_failure", evtCtx)
			e.logger.ErrorContext(ctx, "signed root could not be persisted", "leaf_count", leafCount, "error", err)
			return merkle.SignedRoot{}, fmt.Errorf("ledger: persist root: %w", err)
		}
	}
	e.signedRoots = append(e.signedRoots, signed)

	e.rootsSigned.Add(ctx, 1)
	e.emit(ctx, audit.ActionRootSign, rootHash, audit.StatusSuccess, "", evtCtx)
	e.logger.InfoContext(ctx, "root signed", "root_hash", rootHash, "leaf_count", leafCount)
	return signed, nil
}

// VerifySignedRoot recomputes the root at sr.LeafCount and compares it to
// sr.RootHash before consulting the signature, so a tampered root and a
// forged signature are reported with different reasons.
func (e *Engine) VerifySignedRoot(ctx context.Context, sr merkle.SignedRoot) (ok bool) {
	ctx, finish := e.obs.TrackOperation(ctx, "ledger.verify_root",
		observability.RootOperation(sr.RootHash, sr.LeafCount, sr.Authority)...)
	defer func() { finish(nil) }()

	evtCtx := map[string]string{
		"root_hash":  sr.RootHash,
		"leaf_count": fmt.Sprint(sr.LeafCount),
		"authority":  sr.Authority,
	}
	deny := func(reason string) bool {
		observability.SetVerdict(ctx, reason)
		e.denials.Add(ctx, 1)
		e.emit(ctx, audit.ActionRootVerify, sr.RootHash, audit.StatusDenied, reason, evtCtx)
		e.logger.WarnContext(ctx, "signed root verification denied", "reason", reason, "leaf_count", sr.LeafCount)
		return false
	}

	root, err := e.MerkleRootAt(sr.LeafCount)
	if err != nil {
		evtCtx["error"] = err.Error()
		return deny("leaf_count_out_of_range")
	}
	if root != sr.RootHash {
		evtCtx["expected_root_hash"] = root
		evtCtx["actual_root_hash"] = sr.RootHash
		return deny("root_hash_mismatch")
	}
	if sr.SignatureFormat != merkle.SignatureFormatJWSDetached {
		return deny("unsupported_signature_format")
	}
	payload, err := sr.Payload()
	if err != nil {
		return deny("invalid_payload")
	}
	if !e.authority.VerifyPayload(payload, sr.Signature) {
		return deny("signature_invalid")
	}

	observability.SetVerdict(ctx, "verified")
	e.emit(ctx, audit.ActionRootVerify, sr.RootHash, audit.StatusSuccess, "", evtCtx)
	return true
}

// BuildInclusionProof proves leafIndex against the latest signed root.
func (e *Engine) BuildInclusionProof(leafIndex int) (merkle.InclusionProof, error) {
	latest, ok := e.LatestSignedRoot()
	if !ok {
		return merkle.InclusionProof{}, integrity.New(integrity.KindNoSignedRoot, "ledger.inclusion_proof", "no signed root exists yet")
	}
	if leafIndex < 1 || leafIndex > latest.LeafCount {
		return merkle.InclusionProof{}, integrity.New(integrity.KindOutOfRange, "ledger.inclusion_proof",
			"leaf_index %d outside 1..%d covered by the latest signed root", leafIndex, latest.LeafCount)
	}

	hashes, err := e.prefix(latest.LeafCount)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	tree, err := merkle.Build(hashes)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	if tree.Root != latest.RootHash {
		return merkle.InclusionProof{}, &integrity.Error{
			Kind:     integrity.KindRootHashMismatch,
			Op:       "ledger.inclusion_proof",
			Message:  "latest signed root does not match persisted leaves",
			Expected: tree.Root,
			Actual:   latest.RootHash,
		}
	}
	path, err := tree.Proof(leafIndex)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	return merkle.InclusionProof{
		LeafIndex:     leafIndex,
		LeafHash:      hashes[leafIndex-1],
		MerkleRoot:    tree.Root,
		AuditPath:     path,
		RootSignature: latest.Signature,
	}, nil
}

// DeterministicRebuildRoot recomputes the root from persisted leaves only.
// Every leaf is re-hashed from its fields; no cached state is consulted.
func (e *Engine) DeterministicRebuildRoot(ctx context.Context) (root string, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "ledger.rebuild_root")
	defer func() { finish(err) }()

	records, err := e.verifiedRecords(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", integrity.New(integrity.KindEmptyLedger, "ledger.rebuild_root", "ledger has no leaves")
	}
	hashes := make([]string, len(records))
	for i, rec := range records {
		if hashes[i], err = rec.Leaf.Hash(); err != nil {
			return "", fmt.Errorf("ledger: rehash leaf %d: %w", i+1, err)
		}
	}
	return merkle.Root(hashes)
}

// VerifyStore re-reads the store and checks its record chain and that the
// engine's view of the leaves still matches it.
func (e *Engine) VerifyStore(ctx context.Context) (err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "ledger.verify_store", observability.AttrStoreKind.String(storeKind(e.store)))
	defer func() { finish(err) }()

	records, err := e.verifiedRecords(ctx)
	if err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(records) != len(e.leafHashes) {
		err = integrity.New(integrity.KindChainMismatch, "ledger.verify_store", "store holds %d leaves, engine appended %d", len(records), len(e.leafHashes))
		e.reportTamper(ctx, err)
		return err
	}
	for i, rec := range records {
		if rec.LeafHash != e.leafHashes[i] {
			err = integrity.Mismatch(integrity.KindLeafHashMismatch, "ledger.verify_store", i+1, e.leafHashes[i], rec.LeafHash)
			e.reportTamper(ctx, err)
			return err
		}
	}
	e.emit(ctx, audit.ActionChainVerify, "leaf-store", audit.StatusSuccess, "", map[string]string{
		"leaf_count": fmt.Sprint(len(records)),
	})
	return nil
}

// verifiedRecords runs the store's own verification, then walks the chain
// of the records it returns.
func (e *Engine) verifiedRecords(ctx context.Context) ([]store.Record, error) {
	if err := e.store.Verify(ctx); err != nil {
		e.reportTamper(ctx, err)
		return nil, err
	}
	records, err := e.store.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: read records: %w", err)
	}
	if err := store.VerifyChain(records); err != nil {
		e.reportTamper(ctx, err)
		return nil, err
	}
	return records, nil
}

func (e *Engine) reportTamper(ctx context.Context, err error) {
	evtCtx := map[string]string{"error": err.Error()}
	var ierr *integrity.Error
	if errors.As(err, &ierr) {
		evtCtx["kind"] = string(ierr.Kind)
		if ierr.Index > 0 {
			evtCtx["index"] = fmt.Sprint(ierr.Index)
		}
		if ierr.Expected != "" {
			evtCtx["expected"] = ierr.Expected
			evtCtx["actual"] = ierr.Actual
		}
	}
	observability.RecordIntegrityError(ctx, err)
	e.denials.Add(ctx, 1)
	e.emit(ctx, audit.ActionChainVerify, "leaf-store", audit.StatusFailed, observability.ErrorKind(err), evtCtx)
	e.logger.ErrorContext(ctx, "leaf store integrity check failed", "error", err)
}

// Snapshot assembles the exportable snapshot of the current ledger.
func (e *Engine) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	records, err := e.store.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: read records: %w", err)
	}
	roots := make([]merkle.SignedRoot, len(e.signedRoots))
	copy(roots, e.signedRoots)
	return snapshot.New(records, roots, e.clock()), nil
}

// ExportSnapshot writes every persisted record and signed root to path.
func (e *Engine) ExportSnapshot(ctx context.Context, path string) (snap *snapshot.Snapshot, err error) {
	ctx, finish := e.obs.TrackOperation(ctx, "ledger.export_snapshot")
	defer func() { finish(err) }()

	snap, err = e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := snapshot.WriteFile(path, snap); err != nil {
		return nil, err
	}
	observability.AddSpanEvent(ctx, "snapshot.exported", observability.AttrSnapshotID.String(snap.SnapshotID))
	e.logger.InfoContext(ctx, "snapshot exported", "path", path, "snapshot_id", snap.SnapshotID,
		"leaves", snap.LeafCount, "signed_roots", len(snap.SignedRoots))
	return snap, nil
}

// SignedRoots returns a copy of every signed root in generation order.
func (e *Engine) SignedRoots() []merkle.SignedRoot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]merkle.SignedRoot, len(e.signedRoots))
	copy(out, e.signedRoots)
	return out
}

// LatestSignedRoot returns the most recent signed root, if any.
func (e *Engine) LatestSignedRoot() (merkle.SignedRoot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.signedRoots) == 0 {
		return merkle.SignedRoot{}, false
	}
	return e.signedRoots[len(e.signedRoots)-1], true
}

// LeafCount returns the number of appended leaves.
func (e *Engine) LeafCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.leafHashes)
}

func storeKind(st store.LeafStore) string {
	switch st.(type) {
	case *store.FileStore:
		return "file"
	case *store.SQLStore:
		return "sql"
	default:
		return "custom"
	}
}

func (e *Engine) now() string {
	return e.clock().UTC().Format(time.RFC3339Nano)
}

func (e *Engine) emit(ctx context.Context, action, target string, status audit.Status, reason string, evtCtx map[string]string) {
	audit.Deliver(ctx, e.sink, e.logger, audit.Event{
		Action:  action,
		Actor:   e.actor,
		Target:  target,
		Status:  status,
		Reason:  reason,
		Context: evtCtx,
	})
}
