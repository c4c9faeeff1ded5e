package merkle

import (
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

const (
	DirectionLeft  = "left"
	DirectionRight = "right"
)

// SignatureFormatJWSDetached tags signatures produced by a JWS authority
// with a detached payload.
const SignatureFormatJWSDetached = "JWS-detached"

type ProofStep struct {
	Direction   string `json:"direction"` // side the sibling sits on
	SiblingHash string `json:"sibling_hash"`
}

type InclusionProof struct {
	LeafIndex     int         `json:"leaf_index"`
	LeafHash      string      `json:"leaf_hash"`
	MerkleRoot    string      `json:"merkle_root"`
	AuditPath     []ProofStep `json:"audit_path"`
	RootSignature string      `json:"root_signature"`
}

// SignedRoot is a root checkpoint signed by a root signing authority.
type SignedRoot struct {
	RootHash        string `json:"root_hash"`
	LeafCount       int    `json:"leaf_count"`
	GeneratedAt     string `json:"generated_at"`
	Signature       string `json:"signature"`
	Authority       string `json:"authority"`
	SignatureFormat string `json:"signature_format"`
}

// Payload rebuilds the bytes the signature covers.
func (r SignedRoot) Payload() ([]byte, error) {
	return SigningPayload(r.RootHash, r.LeafCount, r.GeneratedAt)
}

// FoldProof recomputes the root implied by leafHash and path.
func FoldProof(leafHash string, path []ProofStep) (string, error) {
	current := leafHash
	for i, step := range path {
		switch step.Direction {
		case DirectionLeft:
			current = NodeHash(step.SiblingHash, current)
		case DirectionRight:
			current = NodeHash(current, step.SiblingHash)
		default:
			return "", integrity.New(integrity.KindValidation, "merkle.fold_proof", "step %d: unknown direction %q", i, step.Direction)
		}
	}
	return current, nil
}

// VerifyInclusionProof verifies that a leaf is part of the Merkle tree.
// A non-empty expectedRoot must also equal the proof's root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}
	root, err := FoldProof(proof.LeafHash, proof.AuditPath)
	if err != nil {
		return false
	}
	return root == proof.MerkleRoot
}
