package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/bryanwahyu/repo-guardian/internal/application"
	appai "github.com/bryanwahyu/repo-guardian/internal/application/ai"
	appscans "github.com/bryanwahyu/repo-guardian/internal/application/scans"
	"github.com/bryanwahyu/repo-guardian/internal/config"
	domai "github.com/bryanwahyu/repo-guardian/internal/domain/ai"
	domain "github.com/bryanwahyu/repo-guardian/internal/domain/scans"
	openaiclient "github.com/bryanwahyu/repo-guardian/internal/infra/ai/openai"
	"github.com/bryanwahyu/repo-guardian/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/repo-guardian/internal/infra/db/mysql"
	postgresp "github.com/bryanwahyu/repo-guardian/internal/infra/db/postgres"
	sqlitep "github.com/bryanwahyu/repo-guardian/internal/infra/db/sqlite"
	"github.com/bryanwahyu/repo-guardian/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/repo-guardian/internal/infra/executor"
	"github.com/bryanwahyu/repo-guardian/internal/infra/git"
	"github.com/bryanwahyu/repo-guardian/internal/infra/httpserver"
	"github.com/bryanwahyu/repo-guardian/internal/infra/scanners"
	minioStore "github.com/bryanwahyu/repo-guardian/internal/infra/storage"
	"github.com/bryanwahyu/repo-guardian/internal/logger"
	"github.com/bryanwahyu/repo-guardian/internal/middleware"
	"github.com/bryanwahyu/repo-guardian/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "repo-guardian: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("set GOMAXPROCS", zap.Error(err))
	}

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	tp, shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, log)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics()

	registry, db, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// init minio (optional)
	var artifacts domain.ArtifactStore
	if cfg.Minio.Endpoint != "" {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		artifacts = store
	} else {
		log.Info("artifact store disabled")
	}

	// enrichment is optional; without a key every run gets the fallback analysis
	var aiClient domai.Client
	if cfg.OpenAI.APIKey != "" {
		aiClient = openaiclient.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL, cfg.OpenAI.MaxTokens)
	} else {
		log.Info("enrichment disabled: no OpenAI API key configured")
	}
	enricher := appai.NewEnricher(aiClient, log.Named("enricher"),
		appai.WithMaxInputBytes(cfg.OpenAI.MaxInputBytes),
		appai.WithTimeout(cfg.OpenAI.Timeout),
	)

	runner := executor.NewRunner(log.Named("executor"))
	runner.DockerBinary = cfg.Executor.DockerBinary
	runner.MaxOutputBytes = cfg.Executor.MaxOutputBytes

	tools, err := scanners.Build(cfg.Tools, runner, log.Named("scanners"))
	if err != nil {
		return err
	}
	toolNames := make([]string, len(tools))
	for i, t := range tools {
		toolNames[i] = t.Name
	}
	log.Info("scanners configured", zap.Strings("tools", toolNames))

	repos := git.NewProvider(runner, git.Config{
		Binary:     cfg.Git.Binary,
		WorkDir:    cfg.Git.WorkDir,
		Timeout:    cfg.Git.CloneTimeout,
		MaxRetries: cfg.Git.MaxRetries,
	}, log.Named("git"))

	clock := application.SystemClock{}
	orchestrator := appscans.NewOrchestrator(registry, tools, enricher, log.Named("orchestrator"),
		appscans.WithArtifactStore(artifacts),
		appscans.WithConcurrency(cfg.Orchestrator.Concurrency),
		appscans.WithWriteTimeout(cfg.Orchestrator.WriteTimeout),
		appscans.WithClock(clock),
		appscans.WithMetrics(metrics),
		appscans.WithTracer(tp.Tracer("repo-guardian/scans")),
	)
	var svcOpts []appscans.ServiceOption
	if !cfg.Git.KeepClones {
		svcOpts = append(svcOpts, appscans.WithCleanup(repos))
	}
	svc := appscans.NewService(registry, repos, orchestrator, clock, log.Named("scans"), svcOpts...)

	checkers := map[string]middleware.HealthChecker{}
	if db != nil {
		checkers["database"] = &middleware.DatabaseHealthChecker{DB: db}
	}
	var draining atomic.Bool
	handler := httpserver.NewRouter(svc, httpserver.Options{
		Log:            log.Named("http"),
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
		RateLimiter:    newRateLimiter(ctx, cfg),
		APIKeys:        apiKeys(cfg.Server.APIKeys),
		CORSOrigins:    cfg.Server.CORSOrigins,
		HealthCheckers: checkers,
		Tools:          toolNames,
		Ready:          func() bool { return !draining.Load() },
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}
	draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("scan shutdown", zap.Error(err))
	}
	shutdownTracing(shutdownCtx)
	return nil
}

// openRegistry connects the configured store. The returned *sql.DB is nil for
// the memory driver.
func openRegistry(ctx context.Context, cfg *config.Config, log *zap.Logger) (domain.Registry, *sql.DB, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory registry; scan history is lost on restart")
		return memory.NewRegistry(), nil, nil
	}

	dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, nil, err
	}
	var db *sql.DB
	switch dialect {
	case sqlstore.MySQL:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
	case sqlstore.Postgres:
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN())
	case sqlstore.SQLite:
		db, err = sqlitep.Connect(ctx, cfg.Database.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s connect: %w", dialect, err)
	}

	if cfg.Database.Migrate {
		if err := sqlstore.Migrate(db, dialect); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info("database migrated", zap.String("driver", string(dialect)))
	}
	return sqlstore.New(db, dialect), db, nil
}

func newRateLimiter(ctx context.Context, cfg *config.Config) *middleware.RateLimiter {
	if cfg.Server.RateLimit.RequestsPerMinute <= 0 {
		return nil
	}
	rl := middleware.NewRateLimiter(cfg.Server.RateLimit.RequestsPerMinute, cfg.Server.RateLimit.Burst)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup(10 * time.Minute)
			}
		}
	}()
	return rl
}

func apiKeys(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for i, k := range keys {
		out[fmt.Sprintf("key-%d", i+1)] = k
	}
	return out
}
