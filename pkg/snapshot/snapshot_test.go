package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ledger/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
	"github.com/Mindburn-Labs/helm-ledger/pkg/store"
)

func sampleRecords(t *testing.T, n int) []store.Record {
	t.Helper()
	var out []store.Record
	prev := store.Genesis
	for i := 1; i <= n; i++ {
		rec, err := store.NewRecord(merkle.Leaf{
			LeafIndex:            i,
			ExecutionFingerprint: fmt.Sprintf("fp-%d", i),
			OperatorID:           "op-1",
			TenantID:             "tenant-a",
			IntentHash:           "intent",
			ManifestHash:         "manifest",
			ToolHash:             "tool",
			PolicyDecisionHash:   "policy",
			Timestamp:            "2026-01-01T00:00:00Z",
		}, prev)
		require.NoError(t, err)
		out = append(out, rec)
		prev = rec.RecordHash
	}
	return out
}

func sampleSnapshot(t *testing.T) *Snapshot {
	records := sampleRecords(t, 3)
	roots := []merkle.SignedRoot{{
		RootHash:        "abc",
		LeafCount:       2,
		GeneratedAt:     "2026-01-01T00:00:00Z",
		Signature:       "hdr..sig",
		Authority:       "root",
		SignatureFormat: merkle.SignatureFormatJWSDetached,
	}}
	return New(records, roots, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
}

func TestNew(t *testing.T) {
	s := sampleSnapshot(t)
	assert.Equal(t, Format, s.Format)
	assert.Equal(t, Version, s.Version)
	assert.Equal(t, 3, s.LeafCount)
	assert.Equal(t, "2026-01-02T00:00:00Z", s.ExportedAt)
	assert.NotEmpty(t, s.SnapshotID)

	empty := New(nil, nil, time.Now())
	data, err := empty.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"records":[]`)
	_, err = Decode(data)
	require.NoError(t, err)
}

func TestWriteReadFile(t *testing.T) {
	s := sampleSnapshot(t)
	path := filepath.Join(t.TempDir(), "out", "snapshot.json")
	require.NoError(t, WriteFile(path, s))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	entries, _ := os.ReadDir(filepath.Dir(path))
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestDecode_RejectsInvalidDocuments(t *testing.T) {
	s := sampleSnapshot(t)
	good, err := s.Encode()
	require.NoError(t, err)

	cases := map[string]string{
		"not json":        "{",
		"wrong format":    strings.Replace(string(good), Format, "other-format", 1),
		"future version":  strings.Replace(string(good), `"version":"1.0.0"`, `"version":"2.1.0"`, 1),
		"bad version":     strings.Replace(string(good), `"version":"1.0.0"`, `"version":"one"`, 1),
		"unknown field":   strings.Replace(string(good), `{"exported_at"`, `{"extra":1,"exported_at"`, 1),
		"count mismatch":  strings.Replace(string(good), `"leaf_count":3`, `"leaf_count":4`, 1),
		"missing records": strings.Replace(string(good), `"records":`, `"recordz":`, 1),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			assert.Error(t, err)
		})
	}

	minor := strings.Replace(string(good), `"version":"1.0.0"`, `"version":"1.4.2"`, 1)
	_, err = Decode([]byte(minor))
	assert.NoError(t, err)
}

func TestPublishFetch(t *testing.T) {
	ctx := context.Background()
	st, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := sampleSnapshot(t)
	ref, err := Publish(ctx, st, s)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))

	got, err := Fetch(ctx, st, ref)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = Fetch(ctx, st, "sha256:"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, artifacts.ErrNotFound)
}
