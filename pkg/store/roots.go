package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
)

// RootStore persists signed roots beside the leaves they cover. Stores
// that implement it let an engine reload its checkpoints after a restart.
type RootStore interface {
	AppendRoot(ctx context.Context, sr merkle.SignedRoot) error
	// SignedRoots returns every persisted root in generation order.
	SignedRoots(ctx context.Context) ([]merkle.SignedRoot, error)
}

// RootsPath returns the signed-root log kept next to leafPath:
// data/leaves.jsonl pairs with data/leaves.roots.jsonl.
func RootsPath(leafPath string) string {
	ext := filepath.Ext(leafPath)
	if ext == "" {
		ext = ".jsonl"
	}
	return strings.TrimSuffix(leafPath, filepath.Ext(leafPath)) + ".roots" + ext
}

func readRoots(path string) ([]merkle.SignedRoot, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open roots: %w", err)
	}
	defer func() { _ = f.Close() }()

	var roots []merkle.SignedRoot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		var sr merkle.SignedRoot
		dec := json.NewDecoder(bytes.NewReader(scanner.Bytes()))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sr); err != nil {
			return nil, &integrity.Error{
				Kind:    integrity.KindRootHashMismatch,
				Op:      "store.load_roots",
				Message: fmt.Sprintf("line %d: unparseable signed root", line),
				Index:   line,
				Err:     err,
			}
		}
		roots = append(roots, sr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: read roots: %w", err)
	}
	return roots, nil
}
