package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"

	_ "modernc.org/sqlite"
)

var (
	leafColumns = []string{"leaf_index", "leaf_json", "leaf_hash", "prev_record_hash", "record_hash"}
	rootColumns = []string{"root_seq", "root_hash", "leaf_count", "generated_at", "signature", "authority", "signature_format"}
)

func expectMigrate(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_leaves").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_roots").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLStore_SQLiteRoundTrip(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	s := NewSQLStore(db, DialectSQLite)
	require.NoError(t, s.Init(ctx))
	written := fill(t, s, 4)
	require.NoError(t, s.Verify(ctx))

	reloaded := NewSQLStore(db, DialectSQLite)
	require.NoError(t, reloaded.Init(ctx))
	got, err := reloaded.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, written, got)

	n, _ := reloaded.Count(ctx)
	assert.Equal(t, 4, n)
}

func TestSQLStore_SQLiteTamperDetectedOnInit(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	s := NewSQLStore(db, DialectSQLite)
	require.NoError(t, s.Init(ctx))
	fill(t, s, 3)

	_, err := db.ExecContext(ctx, `UPDATE ledger_leaves SET leaf_hash = 'forged' WHERE leaf_index = 2`)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Verify(ctx), integrity.ErrLeafHashMismatch)
	assert.ErrorIs(t, NewSQLStore(db, DialectSQLite).Init(ctx), integrity.ErrLeafHashMismatch)
}

func TestSQLStore_PostgresInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	s := NewSQLStore(db, DialectPostgres)

	expectMigrate(mock)
	mock.ExpectQuery("SELECT leaf_index, leaf_json").
		WillReturnRows(sqlmock.NewRows(leafColumns))
	mock.ExpectQuery("SELECT root_seq").
		WillReturnRows(sqlmock.NewRows(rootColumns))
	require.NoError(t, s.Init(ctx))

	rec, err := NewRecord(testLeaf(1), Genesis)
	require.NoError(t, err)
	leafJSON, err := canonicalize.JCSString(rec.Leaf)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO ledger_leaves .* VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WithArgs(1, leafJSON, rec.LeafHash, Genesis, rec.RecordHash).
		WillReturnResult(sqlmock.NewResult(1, 1))

	got, err := s.Append(ctx, testLeaf(1))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InitRejectsTamperedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec, err := NewRecord(testLeaf(1), Genesis)
	require.NoError(t, err)
	leafJSON, _ := canonicalize.JCSString(rec.Leaf)

	expectMigrate(mock)
	mock.ExpectQuery("SELECT leaf_index, leaf_json").
		WillReturnRows(sqlmock.NewRows(leafColumns).
			AddRow(1, leafJSON, rec.LeafHash, Genesis, "0000"))

	err = NewSQLStore(db, DialectPostgres).Init(context.Background())
	assert.ErrorIs(t, err, integrity.ErrRecordHashMismatch)
}

func TestSQLStore_UndecodableRowIsTamper(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	expectMigrate(mock)
	mock.ExpectQuery("SELECT leaf_index, leaf_json").
		WillReturnRows(sqlmock.NewRows(leafColumns).
			AddRow(1, "not json", "aa", Genesis, "bb"))

	err = NewSQLStore(db, DialectSQLite).Init(context.Background())
	assert.ErrorIs(t, err, integrity.ErrChainMismatch)
	assert.True(t, integrity.IsTamper(err))
	var ierr *integrity.Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 1, ierr.Index)
}

func TestSQLStore_RowIndexDisagreesWithKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec, err := NewRecord(testLeaf(1), Genesis)
	require.NoError(t, err)
	leafJSON, _ := canonicalize.JCSString(rec.Leaf)

	expectMigrate(mock)
	mock.ExpectQuery("SELECT leaf_index, leaf_json").
		WillReturnRows(sqlmock.NewRows(leafColumns).
			AddRow(7, leafJSON, rec.LeafHash, Genesis, rec.RecordHash))

	err = NewSQLStore(db, DialectSQLite).Init(context.Background())
	assert.ErrorIs(t, err, integrity.ErrChainMismatch)
}

func TestSQLStore_VerifyCatchesRechainedTable(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	s := NewSQLStore(db, DialectSQLite)
	require.NoError(t, s.Init(ctx))
	fill(t, s, 3)

	for _, rec := range rechain(t, 3, 2) {
		leafJSON, err := canonicalize.JCSString(rec.Leaf)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx,
			`UPDATE ledger_leaves SET leaf_json = ?, leaf_hash = ?, prev_record_hash = ?, record_hash = ? WHERE leaf_index = ?`,
			leafJSON, rec.LeafHash, rec.PrevRecordHash, rec.RecordHash, rec.Leaf.LeafIndex)
		require.NoError(t, err)
	}

	err := s.Verify(ctx)
	assert.ErrorIs(t, err, integrity.ErrRecordHashMismatch)
	assert.True(t, integrity.IsTamper(err))
}

func TestSQLStore_SignedRootsRoundTrip(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	s := NewSQLStore(db, DialectSQLite)
	require.NoError(t, s.Init(ctx))
	fill(t, s, 4)
	want := []merkle.SignedRoot{testRoot(2), testRoot(4)}
	for _, sr := range want {
		require.NoError(t, s.AppendRoot(ctx, sr))
	}

	reloaded := NewSQLStore(db, DialectSQLite)
	require.NoError(t, reloaded.Init(ctx))
	got, err := reloaded.SignedRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = db.ExecContext(ctx, `DELETE FROM ledger_roots WHERE root_seq = 2`)
	require.NoError(t, err)
	_, err = reloaded.SignedRoots(ctx)
	assert.ErrorIs(t, err, integrity.ErrRootHashMismatch)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("Postgres")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}
