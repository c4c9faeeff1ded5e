package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
)

// maxLineBytes bounds a single persisted record line.
const maxLineBytes = 1 << 20

// logFile is the subset of *os.File the store writes through.
type logFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// FileStore implements LeafStore and RootStore as two newline-delimited
// logs of canonical JSON. Each append is written and fsynced before it
// returns. Reads always come from disk and are checked against the record
// hashes this store wrote.
type FileStore struct {
	path      string
	rootsPath string
	mu        sync.RWMutex
	f         logFile
	rf        logFile
	hashes    []string
	head      string
	roots     int
	failed    error
	logger    *slog.Logger
}

// OpenFileStore loads and verifies path, creating it when absent. A log
// that fails to parse or verify is refused with the first break found.
// Signed roots live in RootsPath(path).
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	fs := &FileStore{
		path:      path,
		rootsPath: RootsPath(path),
		head:      Genesis,
		logger:    slog.Default().With("component", "leaf-store", "path", path),
	}

	records, v, err := readLog(path)
	if err != nil {
		fs.logger.Error("leaf log failed verification", "error", err)
		return nil, err
	}
	roots, err := readRoots(fs.rootsPath)
	if err != nil {
		fs.logger.Error("root log failed to load", "error", err)
		return nil, err
	}
	fs.hashes = make([]string, len(records))
	for i, rec := range records {
		fs.hashes[i] = rec.RecordHash
	}
	fs.head = v.Head()
	fs.roots = len(roots)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open log: %w", err)
	}
	rf, err := os.OpenFile(fs.rootsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("store: open roots: %w", err)
	}
	fs.f, fs.rf = f, rf
	fs.logger.Info("leaf store opened", "records", len(records), "signed_roots", len(roots))
	return fs, nil
}

// readLog streams path, verifying each line against its predecessor.
func readLog(path string) ([]Record, *ChainVerifier, error) {
	v := NewChainVerifier()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, v, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil, integrity.New(integrity.KindChainMismatch, "store.load", "line %d: empty record", line)
		}
		var rec Record
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, nil, &integrity.Error{
				Kind:    integrity.KindChainMismatch,
				Op:      "store.load",
				Message: fmt.Sprintf("line %d: unparseable record", line),
				Index:   line,
				Err:     err,
			}
		}
		if err := v.Next(rec); err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: read log: %w", err)
	}
	return records, v, nil
}

// appendLine writes one line and fsyncs. On failure the file is cut back
// to its previous size so no partial line survives.
func (s *FileStore) appendLine(f logFile, line []byte) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("store: stat: %w", err)
	}
	_, err = f.Write(line)
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		return nil
	}
	if terr := f.Truncate(info.Size()); terr != nil {
		s.failed = fmt.Errorf("store: log holds a partial line, refusing further appends: %w", errors.Join(err, terr))
		s.logger.Error("partial write could not be rolled back", "error", s.failed)
		return s.failed
	}
	return fmt.Errorf("store: write: %w", err)
}

// Append chains leaf, writes one canonical line and fsyncs.
func (s *FileStore) Append(_ context.Context, leaf merkle.Leaf) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return Record{}, errors.New("store: closed")
	}
	if s.failed != nil {
		return Record{}, s.failed
	}
	if err := merkle.ValidateNextIndex(len(s.hashes), leaf.LeafIndex); err != nil {
		return Record{}, err
	}
	rec, err := NewRecord(leaf, s.head)
	if err != nil {
		return Record{}, err
	}
	line, err := canonicalize.JCS(rec)
	if err != nil {
		return Record{}, fmt.Errorf("store: encode record: %w", err)
	}
	if err := s.appendLine(s.f, append(line, '\n')); err != nil {
		return Record{}, err
	}

	s.hashes = append(s.hashes, rec.RecordHash)
	s.head = rec.RecordHash
	return rec, nil
}

// Records re-reads the log from disk.
func (s *FileStore) Records(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

func (s *FileStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes), nil
}

// Verify re-reads the file from disk, so edits made behind the store's
// back are caught even when the attacker recomputed the record chain.
func (s *FileStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.load()
	return err
}

// load reads and walks the log, then checks every record hash against
// the one this store appended.
func (s *FileStore) load() ([]Record, error) {
	records, _, err := readLog(s.path)
	if err != nil {
		return nil, err
	}
	if len(records) != len(s.hashes) {
		return nil, integrity.New(integrity.KindChainMismatch, "store.verify", "log holds %d records, store appended %d", len(records), len(s.hashes))
	}
	for i, rec := range records {
		if rec.RecordHash != s.hashes[i] {
			return nil, integrity.Mismatch(integrity.KindRecordHashMismatch, "store.verify", i+1, s.hashes[i], rec.RecordHash)
		}
	}
	return records, nil
}

// AppendRoot persists sr as one canonical line in the root log.
func (s *FileStore) AppendRoot(_ context.Context, sr merkle.SignedRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rf == nil {
		return errors.New("store: closed")
	}
	if s.failed != nil {
		return s.failed
	}
	line, err := canonicalize.JCS(sr)
	if err != nil {
		return fmt.Errorf("store: encode root: %w", err)
	}
	if err := s.appendLine(s.rf, append(line, '\n')); err != nil {
		return err
	}
	s.roots++
	return nil
}

// SignedRoots re-reads the root log from disk.
func (s *FileStore) SignedRoots(_ context.Context) ([]merkle.SignedRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roots, err := readRoots(s.rootsPath)
	if err != nil {
		return nil, err
	}
	if len(roots) != s.roots {
		return nil, integrity.New(integrity.KindRootHashMismatch, "store.load_roots", "root log holds %d roots, store appended %d", len(roots), s.roots)
	}
	return roots, nil
}

// Path returns the backing log path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.f != nil {
		errs = append(errs, s.f.Close())
		s.f = nil
	}
	if s.rf != nil {
		errs = append(errs, s.rf.Close())
		s.rf = nil
	}
	return errors.Join(errs...)
}
