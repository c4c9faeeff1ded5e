// Package snapshot defines the exported ledger snapshot: a self-contained
// document holding every persisted leaf record and every signed root, enough
// for an independent process to rebuild and verify the ledger.
package snapshot

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-ledger/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
	"github.com/Mindburn-Labs/helm-ledger/pkg/store"
)

const (
	Format = "helm-ledger-snapshot"
	// Version is written into every exported snapshot.
	Version = "1.0.0"
	// SupportedVersions is the range Decode accepts.
	SupportedVersions = ">= 1.0.0, < 2.0.0"
)

//go:embed snapshot.schema.json
var schemaJSON string

const schemaURL = "https://helm.schemas.local/ledger/snapshot.schema.json"

var (
	compiledSchema *jsonschema.Schema
	versionRange   *semver.Constraints
)

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader([]byte(schemaJSON))); err != nil {
		panic(fmt.Sprintf("snapshot schema load failed: %v", err))
	}
	compiledSchema = c.MustCompile(schemaURL)
	versionRange = mustConstraint(SupportedVersions)
}

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Snapshot is the exported ledger artifact.
type Snapshot struct {
	Format      string              `json:"format"`
	Version     string              `json:"version"`
	SnapshotID  string              `json:"snapshot_id"`
	ExportedAt  string              `json:"exported_at"`
	LeafCount   int                 `json:"leaf_count"`
	Records     []store.Record      `json:"records"`
	SignedRoots []merkle.SignedRoot `json:"signed_roots"`
}

// New assembles a snapshot from persisted records and signed roots.
func New(records []store.Record, roots []merkle.SignedRoot, exportedAt time.Time) *Snapshot {
	if records == nil {
		records = []store.Record{}
	}
	if roots == nil {
		roots = []merkle.SignedRoot{}
	}
	return &Snapshot{
		Format:      Format,
		Version:     Version,
		SnapshotID:  uuid.NewString(),
		ExportedAt:  exportedAt.UTC().Format(time.RFC3339Nano),
		LeafCount:   len(records),
		Records:     records,
		SignedRoots: roots,
	}
}

// Encode returns the canonical JSON form of s.
func (s *Snapshot) Encode() ([]byte, error) {
	return canonicalize.JCS(s)
}

// Decode parses data, validating it against the snapshot schema and the
// supported version range. Integrity is not checked here; that is the
// verifier's job.
func Decode(data []byte) (*Snapshot, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("snapshot: parse: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("snapshot: schema validation failed: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return nil, fmt.Errorf("snapshot: invalid version %q: %w", s.Version, err)
	}
	if !versionRange.Check(v) {
		return nil, fmt.Errorf("snapshot: version %s outside supported range %s", v, SupportedVersions)
	}
	if s.LeafCount != len(s.Records) {
		return nil, fmt.Errorf("snapshot: leaf_count %d does not match %d records", s.LeafCount, len(s.Records))
	}
	return &s, nil
}

// WriteFile atomically writes s to path.
func WriteFile(path string, s *Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("snapshot: commit: %w", err)
	}
	return nil
}

// ReadFile reads and decodes the snapshot at path.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read: %w", err)
	}
	return Decode(data)
}

// Publish stores the canonical snapshot in a content-addressed store and
// returns its reference.
func Publish(ctx context.Context, st artifacts.Store, s *Snapshot) (string, error) {
	data, err := s.Encode()
	if err != nil {
		return "", fmt.Errorf("snapshot: encode: %w", err)
	}
	ref, err := st.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("snapshot: publish: %w", err)
	}
	return ref, nil
}

// Fetch retrieves a published snapshot and checks it against its reference.
func Fetch(ctx context.Context, st artifacts.Store, ref string) (*Snapshot, error) {
	data, err := st.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch: %w", err)
	}
	if err := artifacts.VerifyContent(ref, data); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return Decode(data)
}
