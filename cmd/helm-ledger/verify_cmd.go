package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/helm-ledger/pkg/signing"
	"github.com/Mindburn-Labs/helm-ledger/pkg/verifier"
)

// runVerifyCmd implements `helm-ledger verify`.
//
// Builds a read-only verifier node from a snapshot file and the configured
// authority. An EdDSA snapshot can be checked with only --public-key.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		snapshotPath string
		configPath   string
		publicKey    string
		jsonOutput   bool
		jsonOutFile  string
	)

	cmd.StringVar(&snapshotPath, "snapshot", "", "Path to exported snapshot (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Path to ledger config YAML")
	cmd.StringVar(&publicKey, "public-key", "", "Hex ed25519 public key file (EdDSA verify-only mode)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write structured report to file (auditor mode)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if snapshotPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --snapshot is required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close(ctx)

	var auth signing.Authority
	if publicKey != "" {
		pub, err := signing.LoadPublicKey(publicKey)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		auth, err = signing.NewEd25519Verifier(a.cfg.Signing.Authority, pub)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		// Verification never creates a key.
		a.cfg.Signing.AllowGenerate = false
		if auth, err = a.authority(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot load verification key: %v\n", err)
			return 2
		}
	}

	node, err := verifier.Open(snapshotPath, auth, verifier.WithAuditSink(a.sink))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot load snapshot: %v\n", err)
		return 2
	}
	report := node.Verify(ctx)

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(report, "", "  ")
		if writeErr := os.WriteFile(jsonOutFile, data, 0644); writeErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write report: %v\n", writeErr)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Report written to %s\n", jsonOutFile)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "✅ Snapshot verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Snapshot: %s (%d leaves, %d signed roots)\n", report.SnapshotID, report.LeafCount, report.SignedRoots)
		_, _ = fmt.Fprintf(stdout, "Checks: %s\n", report.Summary)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Snapshot verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Snapshot: %s\n", report.SnapshotID)
		for _, c := range report.Checks {
			if !c.Pass {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}
