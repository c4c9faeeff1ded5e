package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
)

// ErrTrailBroken is returned when the trail's hash chain does not verify.
var ErrTrailBroken = errors.New("audit trail hash chain is broken")

const trailGenesis = "genesis"

// TrailEntry is one hash-chained audit event.
type TrailEntry struct {
	Sequence     uint64 `json:"sequence"`
	Event        Event  `json:"event"`
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// ChainedTrail is an append-only, hash-chained Sink. It lets the integrity
// events themselves be checked for truncation or reordering.
type ChainedTrail struct {
	mu        sync.RWMutex
	entries   []TrailEntry
	chainHead string
}

func NewChainedTrail() *ChainedTrail {
	return &ChainedTrail{chainHead: trailGenesis}
}

func (t *ChainedTrail) Emit(_ context.Context, evt Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := TrailEntry{
		Sequence:     uint64(len(t.entries)) + 1,
		Event:        evt,
		PreviousHash: t.chainHead,
	}
	h, err := entryHash(entry)
	if err != nil {
		return fmt.Errorf("audit trail: %w", err)
	}
	entry.EntryHash = h
	t.entries = append(t.entries, entry)
	t.chainHead = h
	return nil
}

// Head returns the current chain head hash.
func (t *ChainedTrail) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chainHead
}

// Entries returns a copy of the trail.
func (t *ChainedTrail) Entries() []TrailEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrailEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Verify walks the trail from genesis.
func (t *ChainedTrail) Verify() error {
	return VerifyTrail(t.Entries())
}

// VerifyTrail checks an exported trail.
func VerifyTrail(entries []TrailEntry) error {
	expectedPrev := trailGenesis
	for i, entry := range entries {
		if entry.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrTrailBroken, i+1, entry.Sequence)
		}
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrTrailBroken, i+1, entry.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrTrailBroken, i+1, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrTrailBroken, i+1, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

func entryHash(e TrailEntry) (string, error) {
	return canonicalize.ChainedHash(e.PreviousHash, struct {
		Sequence uint64 `json:"sequence"`
		Event    Event  `json:"event"`
	}{e.Sequence, e.Event})
}
