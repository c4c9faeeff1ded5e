package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/Mindburn-Labs/helm-ledger/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ledger/pkg/config"
	"github.com/Mindburn-Labs/helm-ledger/pkg/signing"
)

// runDoctorCmd implements `helm-ledger doctor`: configuration, root key
// and leaf store health.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to ledger config YAML")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var results []doctorCheck
	allOK := true
	add := func(name, status, detail string) {
		results = append(results, doctorCheck{Name: name, Status: status, Detail: detail})
		if status == "fail" {
			allOK = false
		}
	}

	add("go_runtime", "ok", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	if configPath == "" {
		configPath = os.Getenv("HELM_LEDGER_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		add("config", "fail", err.Error())
		return printDoctor(stdout, jsonOutput, results, allOK)
	}
	add("config", "ok", fmt.Sprintf("store=%s every_n_leaves=%d algorithm=%s", cfg.Store.Backend, cfg.Roots.EveryNLeaves, cfg.Signing.Algorithm))

	if _, err := os.Stat(cfg.DataDir); err != nil {
		add("data_dir", "warn", fmt.Sprintf("%s does not exist (will be created on first run)", cfg.DataDir))
	} else {
		add("data_dir", "ok", cfg.DataDir)
	}

	if _, _, err := signing.LoadOrGenerateKey(cfg.Signing.KeyFile, false); err != nil {
		if errors.Is(err, signing.ErrKeyMissing) && cfg.Signing.AllowGenerate {
			add("root_key", "warn", "missing; will be generated on first run")
		} else {
			add("root_key", "fail", err.Error())
		}
	} else {
		add("root_key", "ok", cfg.Signing.KeyFile)
	}

	ctx := context.Background()
	a, err := newApp(ctx, configPath, io.Discard, io.Discard)
	if err != nil {
		add("audit_sinks", "fail", err.Error())
		return printDoctor(stdout, jsonOutput, results, allOK)
	}
	defer a.close(ctx)
	add("audit_sinks", "ok", "configured")

	st, err := a.openStore(ctx)
	if err != nil {
		add("leaf_store", "fail", err.Error())
	} else if err := st.Verify(ctx); err != nil {
		add("leaf_store", "fail", err.Error())
	} else {
		n, _ := st.Count(ctx)
		add("leaf_store", "ok", fmt.Sprintf("%s: %d leaves, chain intact", cfg.Store.Backend, n))
	}

	if _, err := artifacts.NewStore(ctx, cfg.Artifacts, cfg.DataDir); err != nil {
		add("artifact_store", "warn", err.Error())
	} else {
		add("artifact_store", "ok", string(artifactType(cfg.Artifacts.Type)))
	}

	return printDoctor(stdout, jsonOutput, results, allOK)
}

func artifactType(t artifacts.StoreType) artifacts.StoreType {
	if t == "" {
		return artifacts.StoreTypeFS
	}
	return t
}

type doctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func printDoctor(stdout io.Writer, jsonOutput bool, results []doctorCheck, allOK bool) int {
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"ok": allOK, "checks": results}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "\n%sHELM Ledger Doctor%s\n", ColorBold+ColorBlue, ColorReset)
		fmt.Fprintln(stdout, "──────────────────")
		for _, c := range results {
			icon := "✅"
			if c.Status == "warn" {
				icon = "⚠️ "
			} else if c.Status == "fail" {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-16s %s%s%s\n", icon, c.Name, ColorGray, c.Detail, ColorReset)
		}
	}
	if allOK {
		return 0
	}
	return 1
}
