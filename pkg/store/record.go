// Package store implements the immutable leaf store: durable, append-only
// persistence of Merkle leaves under an independent record hash chain.
package store

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
)

// Genesis is the prev_record_hash of the first record.
const Genesis = "GENESIS"

// Record is the persisted wrapper around one leaf.
type Record struct {
	Leaf           merkle.Leaf `json:"leaf"`
	LeafHash       string      `json:"leaf_hash"`
	PrevRecordHash string      `json:"prev_record_hash"`
	RecordHash     string      `json:"record_hash"`
}

type chainedFields struct {
	Leaf           merkle.Leaf `json:"leaf"`
	LeafHash       string      `json:"leaf_hash"`
	PrevRecordHash string      `json:"prev_record_hash"`
}

// ComputeRecordHash returns
// SHA256(prev_record_hash || ":" || JCS({leaf, leaf_hash, prev_record_hash})).
func (r Record) ComputeRecordHash() (string, error) {
	return canonicalize.ChainedHash(r.PrevRecordHash, chainedFields{
		Leaf:           r.Leaf,
		LeafHash:       r.LeafHash,
		PrevRecordHash: r.PrevRecordHash,
	})
}

// NewRecord validates leaf and chains it to prev.
func NewRecord(leaf merkle.Leaf, prev string) (Record, error) {
	if err := leaf.Validate(); err != nil {
		return Record{}, err
	}
	leafHash, err := leaf.Hash()
	if err != nil {
		return Record{}, fmt.Errorf("store: leaf hash: %w", err)
	}
	rec := Record{Leaf: leaf, LeafHash: leafHash, PrevRecordHash: prev}
	if rec.RecordHash, err = rec.ComputeRecordHash(); err != nil {
		return Record{}, fmt.Errorf("store: record hash: %w", err)
	}
	return rec, nil
}

// LeafStore is the persistence contract the ledger engine appends through.
// A backing store has exactly one writer.
type LeafStore interface {
	// Append persists leaf durably before returning its record.
	Append(ctx context.Context, leaf merkle.Leaf) (Record, error)
	// Records returns every persisted record in append order.
	Records(ctx context.Context) ([]Record, error)
	Count(ctx context.Context) (int, error)
	// Verify re-reads the backing store and walks the record chain.
	Verify(ctx context.Context) error
	Close() error
}

// ChainVerifier walks a record chain one record at a time so readers can
// stop at the first break without holding the whole log.
type ChainVerifier struct {
	prev  string
	count int
}

func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{prev: Genesis}
}

// Next checks rec against its predecessor and advances the chain.
func (v *ChainVerifier) Next(rec Record) error {
	pos := v.count + 1
	if rec.PrevRecordHash != v.prev {
		return integrity.Mismatch(integrity.KindChainMismatch, "store.verify", pos, v.prev, rec.PrevRecordHash)
	}
	leafHash, err := rec.Leaf.Hash()
	if err != nil {
		return integrity.Wrap(integrity.KindLeafHashMismatch, "store.verify", err)
	}
	if leafHash != rec.LeafHash {
		return integrity.Mismatch(integrity.KindLeafHashMismatch, "store.verify", pos, leafHash, rec.LeafHash)
	}
	recordHash, err := rec.ComputeRecordHash()
	if err != nil {
		return integrity.Wrap(integrity.KindRecordHashMismatch, "store.verify", err)
	}
	if recordHash != rec.RecordHash {
		return integrity.Mismatch(integrity.KindRecordHashMismatch, "store.verify", pos, recordHash, rec.RecordHash)
	}
	if err := merkle.ValidateNextIndex(v.count, rec.Leaf.LeafIndex); err != nil {
		return err
	}
	v.prev = rec.RecordHash
	v.count = pos
	return nil
}

// Head returns the last verified record hash.
func (v *ChainVerifier) Head() string { return v.prev }

// Count returns the number of verified records.
func (v *ChainVerifier) Count() int { return v.count }

// VerifyChain walks records from GENESIS and fails at the first break with
// ChainMismatch, LeafHashMismatch or RecordHashMismatch.
func VerifyChain(records []Record) error {
	v := NewChainVerifier()
	for _, rec := range records {
		if err := v.Next(rec); err != nil {
			return err
		}
	}
	return nil
}
