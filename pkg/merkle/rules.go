package merkle

import (
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// ValidateNextIndex enforces append-only insertion order: the next leaf
// index must be exactly existingCount+1. Gaps and backfills both fail.
func ValidateNextIndex(existingCount, nextIndex int) error {
	if nextIndex != existingCount+1 {
		return &integrity.Error{
			Kind:     integrity.KindOrderViolation,
			Op:       "merkle.insertion_order",
			Message:  "leaf index is not sequential",
			Index:    nextIndex,
			Expected: strconv.Itoa(existingCount + 1),
			Actual:   strconv.Itoa(nextIndex),
		}
	}
	return nil
}

// GrowthRules documents the fixed tree construction policy. Any other
// odd-level strategy yields an incompatible root.
type GrowthRules struct {
	HashAlgorithm string `json:"hash_algorithm"`
	PairingOrder  string `json:"pairing_order"`
	OddLevel      string `json:"odd_level"`
}

// DeterministicGrowthRules is the only policy Build implements.
var DeterministicGrowthRules = GrowthRules{
	HashAlgorithm: "sha256",
	PairingOrder:  "left_to_right",
	OddLevel:      "duplicate_last",
}

// Cadence decides when a root checkpoint is due. It is count based only.
type Cadence struct {
	EveryNLeaves int `json:"every_n_leaves"`
}

func NewCadence(everyNLeaves int) (Cadence, error) {
	if everyNLeaves < 1 {
		return Cadence{}, integrity.New(integrity.KindValidation, "merkle.cadence", "every_n_leaves must be >= 1, got %d", everyNLeaves)
	}
	return Cadence{EveryNLeaves: everyNLeaves}, nil
}

// ShouldGenerateRoot is true iff leafCount >= 1 and leafCount is a multiple
// of the cadence.
func (c Cadence) ShouldGenerateRoot(leafCount int) bool {
	if c.EveryNLeaves < 1 || leafCount < 1 {
		return false
	}
	return leafCount%c.EveryNLeaves == 0
}

type signingPayload struct {
	GeneratedAt string `json:"generated_at"`
	LeafCount   int    `json:"leaf_count"`
	RootHash    string `json:"root_hash"`
}

// SigningPayload builds the canonical bytes a root signing authority signs.
func SigningPayload(rootHash string, leafCount int, generatedAt string) ([]byte, error) {
	if strings.TrimSpace(rootHash) == "" {
		return nil, integrity.New(integrity.KindValidation, "merkle.signing_payload", "root_hash is required")
	}
	if strings.TrimSpace(generatedAt) == "" {
		return nil, integrity.New(integrity.KindValidation, "merkle.signing_payload", "generated_at is required")
	}
	if leafCount < 1 {
		return nil, integrity.New(integrity.KindValidation, "merkle.signing_payload", "leaf_count must be >= 1, got %d", leafCount)
	}
	return canonicalize.JCS(signingPayload{
		GeneratedAt: generatedAt,
		LeafCount:   leafCount,
		RootHash:    rootHash,
	})
}
