package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
)

// Dialect selects placeholder syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const leafSchema = `
CREATE TABLE IF NOT EXISTS ledger_leaves (
	leaf_index BIGINT PRIMARY KEY,
	leaf_json TEXT NOT NULL,
	leaf_hash TEXT NOT NULL,
	prev_record_hash TEXT NOT NULL,
	record_hash TEXT NOT NULL UNIQUE
);
`

const rootSchema = `
CREATE TABLE IF NOT EXISTS ledger_roots (
	root_seq BIGINT PRIMARY KEY,
	root_hash TEXT NOT NULL,
	leaf_count BIGINT NOT NULL,
	generated_at TEXT NOT NULL,
	signature TEXT NOT NULL,
	authority TEXT NOT NULL,
	signature_format TEXT NOT NULL
);
`

// SQLStore implements LeafStore and RootStore using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
	count   int
	head    string
	roots   int
	logger  *slog.Logger
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		head:    Genesis,
		logger:  slog.Default().With("component", "leaf-store", "dialect", string(dialect)),
	}
}

// Init creates the schema, then loads and verifies the persisted chain.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, ddl := range []string{leafSchema, rootSchema} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	records, err := s.Records(ctx)
	if err != nil {
		return err
	}
	v := NewChainVerifier()
	for _, rec := range records {
		if err := v.Next(rec); err != nil {
			s.logger.Error("leaf table failed verification", "error", err)
			return err
		}
	}

	roots, err := s.queryRoots(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.count = v.Count()
	s.head = v.Head()
	s.roots = len(roots)
	s.mu.Unlock()
	s.logger.Info("leaf store opened", "records", v.Count(), "signed_roots", len(roots))
	return nil
}

func (s *SQLStore) Append(ctx context.Context, leaf merkle.Leaf) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := merkle.ValidateNextIndex(s.count, leaf.LeafIndex); err != nil {
		return Record{}, err
	}
	rec, err := NewRecord(leaf, s.head)
	if err != nil {
		return Record{}, err
	}
	leafJSON, err := canonicalize.JCS(rec.Leaf)
	if err != nil {
		return Record{}, fmt.Errorf("store: encode leaf: %w", err)
	}

	query := s.rebind(`
		INSERT INTO ledger_leaves (leaf_index, leaf_json, leaf_hash, prev_record_hash, record_hash)
		VALUES (?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query,
		rec.Leaf.LeafIndex, string(leafJSON), rec.LeafHash, rec.PrevRecordHash, rec.RecordHash,
	); err != nil {
		return Record{}, fmt.Errorf("store: insert leaf: %w", err)
	}

	s.count++
	s.head = rec.RecordHash
	return rec, nil
}

func (s *SQLStore) Records(ctx context.Context) ([]Record, error) {
	query := `SELECT leaf_index, leaf_json, leaf_hash, prev_record_hash, record_hash FROM ledger_leaves ORDER BY leaf_index`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query leaves: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		var (
			idx      int64
			leafJSON string
			rec      Record
		)
		if err := rows.Scan(&idx, &leafJSON, &rec.LeafHash, &rec.PrevRecordHash, &rec.RecordHash); err != nil {
			return nil, fmt.Errorf("store: scan leaf: %w", err)
		}
		if err := json.Unmarshal([]byte(leafJSON), &rec.Leaf); err != nil {
			return nil, &integrity.Error{
				Kind:    integrity.KindChainMismatch,
				Op:      "store.load",
				Message: fmt.Sprintf("row %d: undecodable leaf", idx),
				Index:   int(idx),
				Err:     err,
			}
		}
		if int64(rec.Leaf.LeafIndex) != idx {
			return nil, &integrity.Error{
				Kind:    integrity.KindChainMismatch,
				Op:      "store.load",
				Message: fmt.Sprintf("row %d holds leaf_index %d", idx, rec.Leaf.LeafIndex),
				Index:   int(idx),
			}
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}

// Verify re-reads the table and checks its chain still ends at the head
// this store appended.
func (s *SQLStore) Verify(ctx context.Context) error {
	s.mu.RLock()
	expected, head := s.count, s.head
	s.mu.RUnlock()

	records, err := s.Records(ctx)
	if err != nil {
		return err
	}
	if err := VerifyChain(records); err != nil {
		return err
	}
	if len(records) != expected {
		return integrity.New(integrity.KindChainMismatch, "store.verify", "table holds %d records, store appended %d", len(records), expected)
	}
	if expected > 0 && records[expected-1].RecordHash != head {
		return integrity.Mismatch(integrity.KindRecordHashMismatch, "store.verify", expected, head, records[expected-1].RecordHash)
	}
	return nil
}

func (s *SQLStore) AppendRoot(ctx context.Context, sr merkle.SignedRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.rebind(`
		INSERT INTO ledger_roots (root_seq, root_hash, leaf_count, generated_at, signature, authority, signature_format)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query,
		s.roots+1, sr.RootHash, sr.LeafCount, sr.GeneratedAt, sr.Signature, sr.Authority, sr.SignatureFormat,
	); err != nil {
		return fmt.Errorf("store: insert root: %w", err)
	}
	s.roots++
	return nil
}

func (s *SQLStore) SignedRoots(ctx context.Context) ([]merkle.SignedRoot, error) {
	roots, err := s.queryRoots(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	expected := s.roots
	s.mu.RUnlock()
	if len(roots) != expected {
		return nil, integrity.New(integrity.KindRootHashMismatch, "store.load_roots", "table holds %d roots, store appended %d", len(roots), expected)
	}
	return roots, nil
}

func (s *SQLStore) queryRoots(ctx context.Context) ([]merkle.SignedRoot, error) {
	query := `SELECT root_seq, root_hash, leaf_count, generated_at, signature, authority, signature_format FROM ledger_roots ORDER BY root_seq`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query roots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]merkle.SignedRoot, 0)
	for rows.Next() {
		var (
			seq int64
			sr  merkle.SignedRoot
		)
		if err := rows.Scan(&seq, &sr.RootHash, &sr.LeafCount, &sr.GeneratedAt, &sr.Signature, &sr.Authority, &sr.SignatureFormat); err != nil {
			return nil, fmt.Errorf("store: scan root: %w", err)
		}
		if seq != int64(len(result)+1) {
			return nil, integrity.New(integrity.KindRootHashMismatch, "store.load_roots", "root_seq %d where %d was expected", seq, len(result)+1)
		}
		result = append(result, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close does not close the shared *sql.DB; its owner does.
func (s *SQLStore) Close() error { return nil }

// rebind rewrites ? placeholders for the store's dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseDialect maps a backend name onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch Dialect(strings.ToLower(name)) {
	case DialectSQLite:
		return DialectSQLite, nil
	case DialectPostgres:
		return DialectPostgres, nil
	}
	return "", errors.New("store: unknown sql dialect " + strconv.Quote(name))
}
