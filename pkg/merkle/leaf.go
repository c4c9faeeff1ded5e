package merkle

import (
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// Leaf is one execution's canonical record in the tree. The field set is
// fixed; unset C2 metadata serializes as empty strings.
type Leaf struct {
	LeafIndex            int    `json:"leaf_index"`
	ExecutionFingerprint string `json:"execution_fingerprint"`
	OperatorID           string `json:"operator_id"`
	TenantID             string `json:"tenant_id"`
	IntentHash           string `json:"intent_hash"`
	ManifestHash         string `json:"manifest_hash"`
	ToolHash             string `json:"tool_hash"`
	PolicyDecisionHash   string `json:"policy_decision_hash"`
	Timestamp            string `json:"timestamp"`

	C2Adapter     string `json:"c2_adapter"`
	C2SessionID   string `json:"c2_session_id"`
	C2OperationID string `json:"c2_operation_id"`
	C2Target      string `json:"c2_target"`
}

// Validate checks leaf_index >= 1 and that every non-optional field is set.
func (l Leaf) Validate() error {
	if l.LeafIndex < 1 {
		return integrity.New(integrity.KindValidation, "merkle.leaf", "leaf_index must be >= 1, got %d", l.LeafIndex)
	}
	required := []struct{ name, value string }{
		{"execution_fingerprint", l.ExecutionFingerprint},
		{"operator_id", l.OperatorID},
		{"tenant_id", l.TenantID},
		{"intent_hash", l.IntentHash},
		{"manifest_hash", l.ManifestHash},
		{"tool_hash", l.ToolHash},
		{"policy_decision_hash", l.PolicyDecisionHash},
		{"timestamp", l.Timestamp},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return integrity.New(integrity.KindValidation, "merkle.leaf", "%s is required", f.name)
		}
	}
	optional := []struct{ name, value string }{
		{"c2_adapter", l.C2Adapter},
		{"c2_session_id", l.C2SessionID},
		{"c2_operation_id", l.C2OperationID},
		{"c2_target", l.C2Target},
	}
	for _, f := range append(required, optional...) {
		if !utf8.ValidString(f.value) {
			return integrity.New(integrity.KindValidation, "merkle.leaf", "%s is not valid UTF-8", f.name)
		}
	}
	return nil
}

// Hash returns SHA-256 of the leaf's canonical serialization.
func (l Leaf) Hash() (string, error) {
	return canonicalize.CanonicalHash(l)
}
