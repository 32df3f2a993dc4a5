package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/token-distributor/internal/admin"
	"github.com/emperorhan/token-distributor/internal/alert"
	"github.com/emperorhan/token-distributor/internal/batch"
	"github.com/emperorhan/token-distributor/internal/chain/ratelimit"
	solanachain "github.com/emperorhan/token-distributor/internal/chain/solana"
	"github.com/emperorhan/token-distributor/internal/config"
	"github.com/emperorhan/token-distributor/internal/custody"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/metrics"
	"github.com/emperorhan/token-distributor/internal/pipeline"
	"github.com/emperorhan/token-distributor/internal/store/postgres"
	"github.com/emperorhan/token-distributor/internal/tracing"
	"github.com/emperorhan/token-distributor/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	serviceName             = "token-distributor"
	dbPoolStatsInterval     = 15 * time.Second
	dbPoolExhaustionPercent = 0.8
	shutdownTimeout         = 5 * time.Second
)

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open      prometheus.Gauge
	inUse     prometheus.Gauge
	waitCount prometheus.Gauge
}

func collectDBPoolStats(db dbStatsProvider, gauges dbPoolStatsGauges) (stats sql.DBStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return stats, fmt.Errorf("db stats provider is nil")
	}

	stats = db.Stats()
	gauges.open.Set(float64(stats.OpenConnections))
	gauges.inUse.Set(float64(stats.InUse))
	gauges.waitCount.Set(float64(stats.WaitCount))
	return stats, nil
}

// poolNearExhaustion reports whether in-use connections exceed the alert
// threshold. An unlimited pool never is.
func poolNearExhaustion(stats sql.DBStats) bool {
	if stats.MaxOpenConnections <= 0 {
		return false
	}
	return float64(stats.InUse)/float64(stats.MaxOpenConnections) > dbPoolExhaustionPercent
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration, alerter alert.Alerter, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:      metrics.DBPoolOpen,
		inUse:     metrics.DBPoolInUse,
		waitCount: metrics.DBPoolWaitCount,
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			stats, err := collectDBPoolStats(db, gauges)
			if err != nil {
				logger.Warn("failed to collect db pool stats", "error", err)
			} else if poolNearExhaustion(stats) && alerter != nil {
				if err := alerter.Send(ctx, alert.Alert{
					Type:    alert.AlertTypeDBPool,
					Subject: "postgres",
					Title:   "DB connection pool near exhaustion",
					Message: fmt.Sprintf("Pool usage: %d/%d (%.0f%%)", stats.InUse, stats.MaxOpenConnections,
						100*float64(stats.InUse)/float64(stats.MaxOpenConnections)),
				}); err != nil {
					logger.Warn("send db pool alert failed", "error", err)
				}
			}

			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
			}
		}
	}()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger writes JSON logs to stdout, and additionally to a rotating file
// when one is configured. The returned closer releases the file.
func newLogger(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, io.Closer) {
	var out io.Writer = stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSizeMB,
			MaxBackups: cfg.FileMaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(stdout, rotating)
		closer = rotating
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)})), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) *alert.MultiAlerter {
	var channels []alert.Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	return alert.NewMultiAlerter(time.Duration(cfg.CooldownSec)*time.Second, logger, channels...)
}

// healthChecker backs /healthz: the database must answer and no task may be
// unhealthy.
type healthChecker struct {
	db    *sql.DB
	tasks interface{ Healthy() bool }
}

func (h *healthChecker) check(ctx context.Context) error {
	if h.db == nil {
		return errors.New("database not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if h.tasks != nil && !h.tasks.Healthy() {
		return errors.New("pipeline task unhealthy")
	}
	return nil
}

func (h *healthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.check(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func basicAuthMiddleware(user, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthMux(checker http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", checker)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func serveHTTP(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser := newLogger(cfg.Log, os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("distributor exited with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("distributor shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	redacted := cfg.Redacted()
	logger.Info("starting token-distributor",
		"db_url", redacted.DB.URL,
		"solana_rpc", cfg.Solana.RPCURL,
		"solana_network", cfg.Solana.Network,
		"mint", cfg.Distributor.Mint,
		"page_size", cfg.Distributor.PageSize,
		"construct_interval_ms", cfg.Pipeline.ConstructIntervalMs,
		"process_interval_ms", cfg.Pipeline.ProcessIntervalMs,
		"complete_interval_ms", cfg.Pipeline.CompleteIntervalMs,
		"admin_port", cfg.Server.AdminPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.Config{
		ServiceName: serviceName,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Network:     cfg.Solana.Network,
		Mint:        cfg.Distributor.Mint,
	}
	if cfg.Tracing.Enabled {
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(ctx, postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx, postgres.Migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database")

	mint, err := solana.PublicKeyFromBase58(cfg.Distributor.Mint)
	if err != nil {
		return fmt.Errorf("parse mint: %w", err)
	}
	enc, err := custody.NewEncryptor(cfg.Distributor.WalletPassword)
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}

	batchRepo := postgres.NewBatchRepo(db, cfg.Distributor.DigestSalt)
	walletRepo := postgres.NewWalletRepo(db, cfg.Distributor.DigestSalt)
	distributionRepo := postgres.NewDistributionRepo(db)
	wallets := wallet.NewDirectory(walletRepo, enc, logger)

	adapter := solanachain.NewAdapter(cfg.Solana.RPCURL, logger,
		solanachain.WithProbeCommitment(model.Commitment(cfg.Solana.ProbeCommitment)),
		solanachain.WithRPCTimeout(cfg.Solana.RPCTimeout))
	if cfg.Solana.RPS > 0 {
		limiter := ratelimit.NewLimiter(cfg.Solana.RPS, cfg.Solana.Burst, cfg.Solana.Network)
		if cfg.Solana.SendRPS > 0 {
			limiter.SetSendRate(cfg.Solana.SendRPS, 1)
		}
		adapter.SetRateLimiter(limiter)
	}

	alerter := buildAlerter(cfg.Alert, logger)
	process := pipeline.NewProcess(pipeline.ProcessDeps{
		DB:      db,
		Batches: batchRepo,
		Manager: batch.NewManager(batchRepo, logger),
		Source:  distributionRepo,
		Wallets: wallets,
		Chain:   adapter,
		Builder: solanachain.NewTransferBuilder(mint, cfg.Distributor.ATACacheSize),
		Alerter: alerter,
	}, logger, pipeline.WithPageSize(cfg.Distributor.PageSize))

	p := pipeline.New(pipeline.Config{
		ConstructInterval:       time.Duration(cfg.Pipeline.ConstructIntervalMs) * time.Millisecond,
		ProcessInterval:         time.Duration(cfg.Pipeline.ProcessIntervalMs) * time.Millisecond,
		CompleteInterval:        time.Duration(cfg.Pipeline.CompleteIntervalMs) * time.Millisecond,
		UnhealthyThreshold:      cfg.Pipeline.UnhealthyThreshold,
		BreakerFailureThreshold: cfg.Pipeline.BreakerFailureThreshold,
		BreakerOpenTimeout:      time.Duration(cfg.Pipeline.BreakerOpenTimeoutSec) * time.Second,
		Alerter:                 alerter,
	}, process, batchRepo, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(gCtx, "health", cfg.Server.HealthPort, healthMux(&healthChecker{db: db.DB, tasks: p}), logger)
	})

	if cfg.Server.AdminPort > 0 {
		limiter := admin.NewRateLimitMiddleware(logger, cfg.Server.AdminRPS, cfg.Server.AdminBurst)
		defer limiter.Stop()

		var handler http.Handler = admin.NewServer(batchRepo, wallets, p, logger).Handler()
		handler = admin.AuditMiddleware(logger, handler)
		handler = limiter.Wrap(handler)
		if cfg.Server.AdminUser != "" {
			handler = basicAuthMiddleware(cfg.Server.AdminUser, cfg.Server.AdminPassword, handler)
		}
		g.Go(func() error {
			return serveHTTP(gCtx, "admin", cfg.Server.AdminPort, handler, logger)
		})
	}

	g.Go(func() error {
		return p.Run(gCtx)
	})

	startDBPoolStatsPump(gCtx, db.DB, dbPoolStatsInterval, alerter, logger)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
