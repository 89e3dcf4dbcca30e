package oracled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fulldecent/compound-oracle/native/oracle"
	"github.com/fulldecent/compound-oracle/observability"
	"github.com/fulldecent/compound-oracle/observability/logging"
	telemetry "github.com/fulldecent/compound-oracle/observability/otel"
	"github.com/fulldecent/compound-oracle/services/oracled/audit"
	"github.com/fulldecent/compound-oracle/services/oracled/config"
	"github.com/fulldecent/compound-oracle/services/oracled/server"
	"github.com/fulldecent/compound-oracle/storage"
)

const serviceName = "oracled"

// Main runs the oracle daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/oracled/config.yaml", "path to oracled config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ORACLE_ENV"))
	logger := logging.Setup(serviceName, env)

	if otelCfg := telemetry.FromEnv(serviceName, env); otelCfg.Enabled() {
		shutdownTelemetry, err := telemetry.Init(context.Background(), otelCfg)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roles, err := cfg.OracleRoles()
	if err != nil {
		return err
	}
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	genesis, err := cfg.Genesis()
	if err != nil {
		return err
	}
	clock, err := oracle.NewBlockClock(genesis, cfg.Clock.BlockInterval.Duration)
	if err != nil {
		return fmt.Errorf("build clock: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() { _ = db.Close() }()
	state, err := oracle.NewStore(db, cfg.StateCacheSize)
	if err != nil {
		return fmt.Errorf("build state: %w", err)
	}

	dsn, err := audit.FileDSN(cfg.AuditDatabase)
	if err != nil {
		return fmt.Errorf("audit dsn: %w", err)
	}
	auditStore, err := audit.Open(dsn)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()
	auditStore.WithLogger(logger.With("component", "audit"))

	hub := server.NewHub(0)
	metrics := observability.Oracle()
	engine, err := oracle.NewEngine(oracle.Config{
		Roles:   roles,
		Params:  params,
		State:   state,
		Clock:   clock,
		Emitter: oracle.MultiEmitter{auditStore, hub, metrics},
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Oracle:        engine,
		Events:        auditStore,
		Nonces:        auditStore,
		Hub:           hub,
		Logger:        logger.With("component", "server"),
		MaxSkew:       cfg.Auth.MaxSkew.Duration,
		SessionSecret: cfg.Auth.SessionSecret,
		SessionTTL:    cfg.Auth.SessionTTL.Duration,
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Metrics:     metrics,
		HTTPMetrics: observability.HTTP(),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(srv, serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneNonces(stopCtx, logger, auditStore, 2*cfg.Auth.MaxSkew.Duration)

	errs := make(chan error, 1)
	go func() {
		logger.Info("oracled listening",
			"listen", cfg.ListenAddress,
			"poster", roles.Poster.Hex(),
			"anchor_admin", roles.AnchorAdmin.Hex(),
			"anchor_period", params.AnchorPeriod,
			"max_swing", oracle.FormatMantissa(params.MaxSwing),
			logging.MaskField("session_secret", cfg.Auth.SessionSecret),
		)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// pruneNonces drops replay records once their timestamps can no longer pass
// the skew check.
func pruneNonces(ctx context.Context, logger *slog.Logger, store *audit.Store, retention time.Duration) {
	if retention <= 0 {
		retention = 4 * time.Minute
	}
	ticker := time.NewTicker(retention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.PruneNonces(ctx, now.Add(-retention))
			if err != nil {
				logger.Warn("prune nonces failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("pruned request nonces", "removed", removed)
			}
		}
	}
}
