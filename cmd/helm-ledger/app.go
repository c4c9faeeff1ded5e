package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm-ledger/pkg/audit"
	"github.com/Mindburn-Labs/helm-ledger/pkg/config"
	"github.com/Mindburn-Labs/helm-ledger/pkg/ledger"
	"github.com/Mindburn-Labs/helm-ledger/pkg/merkle"
	"github.com/Mindburn-Labs/helm-ledger/pkg/observability"
	"github.com/Mindburn-Labs/helm-ledger/pkg/signing"
	"github.com/Mindburn-Labs/helm-ledger/pkg/store"
)

// app is the per-command composition root.
type app struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	trail  *audit.ChainedTrail
	sink   audit.Sink
	obs    *observability.Provider

	closers []func() error
}

func newApp(ctx context.Context, configPath string, stdout, stderr io.Writer) (*app, error) {
	if configPath == "" {
		configPath = os.Getenv("HELM_LEDGER_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	a := &app{
		cfg:    cfg,
		stdout: stdout,
		stderr: stderr,
		logger: logger.With("component", "cli"),
		trail:  audit.NewChainedTrail(),
	}
	if a.sink, err = a.buildSink(); err != nil {
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Observability.Enabled
	obsCfg.OTLPEndpoint = cfg.Observability.Endpoint
	obsCfg.Insecure = cfg.Observability.Insecure
	obsCfg.SampleRate = cfg.Observability.SampleRate
	if a.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return a, nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// buildSink fans integrity events out to the in-process trail, the log
// and the configured external sinks. The CEL filter only gates the
// external sinks.
func (a *app) buildSink() (audit.Sink, error) {
	var external audit.Fanout
	if a.cfg.Audit.Stdout {
		external = append(external, audit.NewLoggerWithWriter(a.stdout))
	}
	if a.cfg.Audit.RedisAddr != "" {
		external = append(external, audit.NewRedisStreamSink(audit.RedisStreamConfig{
			Addr:   a.cfg.Audit.RedisAddr,
			Stream: a.cfg.Audit.RedisStream,
			MaxLen: a.cfg.Audit.RedisMaxLen,
		}))
	}

	sinks := audit.Fanout{a.trail, audit.NewSlogSink(a.logger)}
	if len(external) == 0 {
		return sinks, nil
	}
	if a.cfg.Audit.Filter == "" {
		return append(sinks, external), nil
	}
	filter, err := audit.NewCELFilter(a.cfg.Audit.Filter, external)
	if err != nil {
		return nil, fmt.Errorf("audit filter: %w", err)
	}
	return append(sinks, filter), nil
}

// close verifies the in-process audit trail and releases resources.
func (a *app) close(ctx context.Context) {
	if err := a.trail.Verify(); err != nil {
		a.logger.ErrorContext(ctx, "audit trail verification failed", "error", err)
	} else if entries := a.trail.Entries(); len(entries) > 0 {
		a.logger.DebugContext(ctx, "audit trail sealed", "events", len(entries), "head", a.trail.Head())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WarnContext(ctx, "close failed", "error", err)
		}
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		a.logger.WarnContext(ctx, "observability shutdown failed", "error", err)
	}
}

// openStore opens the configured leaf store. Opening verifies the stored
// chain, so a tampered store fails here.
func (a *app) openStore(ctx context.Context) (store.LeafStore, error) {
	switch a.cfg.Store.Backend {
	case config.BackendFile:
		st, err := store.OpenFileStore(a.cfg.Store.LeafLog)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	case config.BackendSQLite, config.BackendPostgres:
		dialect, err := store.ParseDialect(a.cfg.Store.Backend)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(string(dialect), a.cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", dialect, err)
		}
		if dialect == store.DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		a.closers = append(a.closers, db.Close)
		st := store.NewSQLStore(db, dialect)
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
}

// authority loads the root key and builds the signing authority.
func (a *app) authority() (signing.Authority, error) {
	sc := a.cfg.Signing
	key, generated, err := signing.LoadOrGenerateKey(sc.KeyFile, sc.AllowGenerate)
	if err != nil {
		return nil, err
	}
	if generated {
		a.logger.Info("generated root key", "path", sc.KeyFile, "algorithm", sc.Algorithm)
	}
	if sc.Algorithm == "EdDSA" {
		pubPath := sc.KeyFile + ".pub"
		if _, err := os.Stat(pubPath); errors.Is(err, os.ErrNotExist) {
			if err := signing.WritePublicKey(pubPath, key); err != nil {
				return nil, fmt.Errorf("write public key: %w", err)
			}
		}
	}

	var auth signing.Authority
	if sc.TenantID != "" {
		auth, err = signing.NewTenantAuthority(sc.Algorithm, key, sc.TenantID)
	} else {
		auth, err = signing.NewAuthority(sc.Algorithm, sc.Authority, key)
	}
	if err != nil {
		return nil, err
	}
	if sc.RateLimit > 0 {
		auth = signing.NewRateLimited(auth, sc.RateLimit, sc.Burst)
	}
	return auth, nil
}

// openEngine wires store, authority and sinks into a ledger engine.
func (a *app) openEngine(ctx context.Context) (*ledger.Engine, error) {
	auth, err := a.authority()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	cadence, err := merkle.NewCadence(a.cfg.Roots.EveryNLeaves)
	if err != nil {
		return nil, err
	}
	return ledger.New(ctx, st, auth, cadence,
		ledger.WithAuditSink(a.sink),
		ledger.WithObservability(a.obs),
		ledger.WithLogger(slog.Default().With("component", "ledger")),
	)
}
