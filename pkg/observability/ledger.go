package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// Ledger semantic convention attributes.
var (
	AttrLeafIndex  = attribute.Key("helm.ledger.leaf_index")
	AttrLeafCount  = attribute.Key("helm.ledger.leaf_count")
	AttrRootHash   = attribute.Key("helm.ledger.root_hash")
	AttrAuthority  = attribute.Key("helm.ledger.authority")
	AttrTenantID   = attribute.Key("helm.ledger.tenant_id")
	AttrVerdict    = attribute.Key("helm.ledger.verdict")
	AttrStoreKind  = attribute.Key("helm.ledger.store")
	AttrSnapshotID = attribute.Key("helm.ledger.snapshot_id")
)

// LeafOperation creates attributes for a leaf append.
func LeafOperation(leafIndex int, tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLeafIndex.Int(leafIndex),
		AttrTenantID.String(tenantID),
	}
}

// RootOperation creates attributes for signing or verifying a root.
func RootOperation(rootHash string, leafCount int, authority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRootHash.String(rootHash),
		AttrLeafCount.Int(leafCount),
		AttrAuthority.String(authority),
	}
}

// ErrorKind maps err onto a low-cardinality label.
func ErrorKind(err error) string {
	if k := integrity.KindOf(err); k != "" {
		return string(k)
	}
	return "INTERNAL"
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetVerdict tags the span in ctx with a verification outcome.
func SetVerdict(ctx context.Context, verdict string) {
	trace.SpanFromContext(ctx).SetAttributes(AttrVerdict.String(verdict))
}

// RecordIntegrityError attaches err and its kind to the span in ctx.
func RecordIntegrityError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("error.kind", ErrorKind(err))))
}
