package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/helm-ledger/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
	"github.com/Mindburn-Labs/helm-ledger/pkg/snapshot"
)

// runExportCmd implements `helm-ledger export`.
//
// When the latest persisted root does not cover every leaf, export signs
// and persists one that does before writing the snapshot.
//
// Exit codes:
//
//	0 = snapshot written
//	1 = tampering detected
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		outPath    string
		configPath string
		publish    bool
	)

	cmd.StringVar(&outPath, "out", "", "Output path for the snapshot JSON (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to ledger config YAML")
	cmd.BoolVar(&publish, "publish", false, "Also publish the snapshot to the configured artifact store")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --out is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close(ctx)

	engine, err := a.openEngine(ctx)
	if err != nil {
		return failure(stderr, err)
	}

	if n := engine.LeafCount(); n > 0 {
		latest, ok := engine.LatestSignedRoot()
		if !ok || latest.LeafCount < n {
			if _, err := engine.GenerateAndSignRoot(ctx, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
				return failure(stderr, err)
			}
		}
	}

	snap, err := engine.ExportSnapshot(ctx, outPath)
	if err != nil {
		return failure(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "Snapshot %s written to %s (%d leaves, %d signed roots)\n",
		snap.SnapshotID, outPath, snap.LeafCount, len(snap.SignedRoots))

	if publish {
		st, err := artifacts.NewStore(ctx, a.cfg.Artifacts, a.cfg.DataDir)
		if err != nil {
			return failure(stderr, err)
		}
		ref, err := snapshot.Publish(ctx, st, snap)
		if err != nil {
			return failure(stderr, err)
		}
		_, _ = fmt.Fprintf(stdout, "Published: %s\n", ref)
	}
	return 0
}

// failure prints err and maps tamper kinds to exit code 1.
func failure(stderr io.Writer, err error) int {
	if integrity.IsTamper(err) {
		_, _ = fmt.Fprintf(stderr, "TAMPER DETECTED: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 2
}
