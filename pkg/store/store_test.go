package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
)

func testLeaf(idx int) merkle.Leaf {
	return merkle.Leaf{
		LeafIndex:            idx,
		ExecutionFingerprint: fmt.Sprintf("fp-%d", idx),
		OperatorID:           "op-1",
		TenantID:             "tenant-a",
		IntentHash:           fmt.Sprintf("intent-%d", idx),
		ManifestHash:         "manifest",
		ToolHash:             "tool",
		PolicyDecisionHash:   "policy",
		Timestamp:            "2026-01-01T00:00:00Z",
	}
}

func fill(t *testing.T, s LeafStore, n int) []Record {
	t.Helper()
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		rec, err := s.Append(context.Background(), testLeaf(i))
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestNewRecord_ChainsFromGenesis(t *testing.T) {
	rec, err := NewRecord(testLeaf(1), Genesis)
	require.NoError(t, err)
	assert.Equal(t, Genesis, rec.PrevRecordHash)

	leafHash, _ := testLeaf(1).Hash()
	assert.Equal(t, leafHash, rec.LeafHash)

	again, err := rec.ComputeRecordHash()
	require.NoError(t, err)
	assert.Equal(t, again, rec.RecordHash)

	_, err = NewRecord(testLeaf(0), Genesis)
	assert.ErrorIs(t, err, integrity.ErrValidation)
}

func TestVerifyChain_IdentifiesBrokenInvariant(t *testing.T) {
	var records []Record
	prev := Genesis
	for i := 1; i <= 3; i++ {
		rec, err := NewRecord(testLeaf(i), prev)
		require.NoError(t, err)
		records = append(records, rec)
		prev = rec.RecordHash
	}
	require.NoError(t, VerifyChain(records))

	tamper := func(mut func(rs []Record)) error {
		cp := make([]Record, len(records))
		copy(cp, records)
		mut(cp)
		return VerifyChain(cp)
	}

	err := tamper(func(rs []Record) { rs[1].Leaf.OperatorID = "op-2" })
	assert.ErrorIs(t, err, integrity.ErrLeafHashMismatch)

	err = tamper(func(rs []Record) { rs[1].RecordHash = rs[0].RecordHash })
	assert.ErrorIs(t, err, integrity.ErrRecordHashMismatch)

	err = tamper(func(rs []Record) { rs[0], rs[1] = rs[1], rs[0] })
	assert.ErrorIs(t, err, integrity.ErrChainMismatch)

	// Truncating the head leaves record 2 pointing at a missing predecessor.
	assert.ErrorIs(t, VerifyChain(records[1:]), integrity.ErrChainMismatch)

	var ierr *integrity.Error
	err = tamper(func(rs []Record) { rs[2].Leaf.ToolHash = "other" })
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 3, ierr.Index)
}

func TestFileStore_AppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaves.jsonl")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	written := fill(t, s, 5)
	require.NoError(t, s.Verify(context.Background()))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 5)
	assert.True(t, bytes.HasPrefix(lines[0], []byte(`{"leaf":{"c2_adapter":""`)), "lines are canonical JSON")

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Records(context.Background())
	require.NoError(t, err)
	assert.Equal(t, written, got)

	rec, err := reopened.Append(context.Background(), testLeaf(6))
	require.NoError(t, err)
	assert.Equal(t, written[4].RecordHash, rec.PrevRecordHash)
	n, _ := reopened.Count(context.Background())
	assert.Equal(t, 6, n)
}

func TestFileStore_RejectsOutOfOrderIndex(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "leaves.jsonl"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	fill(t, s, 2)

	_, err = s.Append(context.Background(), testLeaf(4))
	assert.ErrorIs(t, err, integrity.ErrOrderViolation)
	n, _ := s.Count(context.Background())
	assert.Equal(t, 2, n)
}

func TestFileStore_TamperedLogRefusedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaves.jsonl")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	fill(t, s, 3)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"fp-2"`), []byte(`"fp-X"`), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = OpenFileStore(path)
	require.Error(t, err)
	assert.True(t, integrity.IsTamper(err))
	var ierr *integrity.Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 2, ierr.Index)
}

func TestFileStore_VerifyCatchesEditsAfterOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaves.jsonl")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	fill(t, s, 2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.SplitAfter(raw, []byte("\n"))
	require.NoError(t, os.WriteFile(path, lines[0], 0o600))

	err = s.Verify(context.Background())
	assert.ErrorIs(t, err, integrity.ErrChainMismatch)
}

func TestFileStore_GarbageLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaves.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o600))

	_, err := OpenFileStore(path)
	assert.ErrorIs(t, err, integrity.ErrChainMismatch)
}

// rechain rebuilds a valid record chain of n leaves with leaf forged's
// operator replaced, as an attacker with write access could.
func rechain(t *testing.T, n, forged int) []Record {
	t.Helper()
	prev := Genesis
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		leaf := testLeaf(i)
		if i == forged {
			leaf.OperatorID = "op-forged"
		}
		rec, err := NewRecord(leaf, prev)
		require.NoError(t, err)
		out = append(out, rec)
		prev = rec.RecordHash
	}
	require.NoError(t, VerifyChain(out))
	return out
}

func testRoot(leafCount int) merkle.SignedRoot {
	return merkle.SignedRoot{
		RootHash:        fmt.Sprintf("%064d", leafCount),
		LeafCount:       leafCount,
		GeneratedAt:     "2026-01-01T00:00:00Z",
		Signature:       "aGVhZGVy..c2ln",
		Authority:       "test",
		SignatureFormat: merkle.SignatureFormatJWSDetached,
	}
}

func TestFileStore_ReadsComeFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaves.jsonl")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	fill(t, s, 3)

	var buf bytes.Buffer
	for _, rec := range rechain(t, 3, 2) {
		line, err := canonicalize.JCS(rec)
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	err = s.Verify(context.Background())
	assert.ErrorIs(t, err, integrity.ErrRecordHashMismatch)
	assert.True(t, integrity.IsTamper(err))
	var ierr *integrity.Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 2, ierr.Index)

	_, err = s.Records(context.Background())
	assert.ErrorIs(t, err, integrity.ErrRecordHashMismatch)
}

// flakyFile fails the next write after persisting half of it.
type flakyFile struct {
	logFile
	failWrite    bool
	failTruncate bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if !f.failWrite {
		return f.logFile.Write(p)
	}
	f.failWrite = false
	n, _ := f.logFile.Write(p[:len(p)/2])
	return n, errors.New("disk full")
}

func (f *flakyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errors.New("read-only filesystem")
	}
	return f.logFile.Truncate(size)
}

func TestFileStore_PartialWriteRolledBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaves.jsonl")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	fill(t, s, 2)

	s.f = &flakyFile{logFile: s.f, failWrite: true}
	_, err = s.Append(context.Background(), testLeaf(3))
	require.Error(t, err)
	n, _ := s.Count(context.Background())
	assert.Equal(t, 2, n)
	require.NoError(t, s.Verify(context.Background()))

	_, err = s.Append(context.Background(), testLeaf(3))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	n, _ = reopened.Count(context.Background())
	assert.Equal(t, 3, n)
}

func TestFileStore_UnrecoverableWriteStopsAppends(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "leaves.jsonl"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	fill(t, s, 1)

	s.f = &flakyFile{logFile: s.f, failWrite: true, failTruncate: true}
	_, err = s.Append(context.Background(), testLeaf(2))
	require.Error(t, err)

	_, again := s.Append(context.Background(), testLeaf(2))
	assert.Equal(t, err, again)
	assert.Error(t, s.AppendRoot(context.Background(), testRoot(1)))
}

func TestFileStore_SignedRootsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaves.jsonl")
	assert.Equal(t, filepath.Join(filepath.Dir(path), "leaves.roots.jsonl"), RootsPath(path))

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	fill(t, s, 4)
	want := []merkle.SignedRoot{testRoot(2), testRoot(4)}
	for _, sr := range want {
		require.NoError(t, s.AppendRoot(context.Background(), sr))
	}
	require.NoError(t, s.Close())

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, err := reopened.SignedRoots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, os.WriteFile(RootsPath(path), nil, 0o600))
	_, err = reopened.SignedRoots(context.Background())
	assert.ErrorIs(t, err, integrity.ErrRootHashMismatch)
}
