// Command gateway runs the Sheets MCP gateway: an MCP server fronting the
// Google Sheets API with caching, request coalescing, write batching and a
// safety pipeline for mutations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/batch"
	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/capability"
	"github.com/sheetbridge/gateway/internal/circuitbreaker"
	"github.com/sheetbridge/gateway/internal/config"
	"github.com/sheetbridge/gateway/internal/handler"
	"github.com/sheetbridge/gateway/internal/infra"
	"github.com/sheetbridge/gateway/internal/merge"
	"github.com/sheetbridge/gateway/internal/monitoring"
	"github.com/sheetbridge/gateway/internal/ratelimit"
	"github.com/sheetbridge/gateway/internal/refresh"
	"github.com/sheetbridge/gateway/internal/safety"
	"github.com/sheetbridge/gateway/internal/server"
	"github.com/sheetbridge/gateway/internal/session"
	"github.com/sheetbridge/gateway/internal/sheetsapi"
	"github.com/sheetbridge/gateway/internal/task"
	"github.com/sheetbridge/gateway/internal/transport"
	"github.com/sheetbridge/gateway/internal/txn"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

// batchAPI adapts the API shell to the write batcher's surface.
type batchAPI struct{ c *sheetsapi.Client }

func (a batchAPI) GetSpreadsheet(ctx context.Context, spreadsheetID, fields string) (*sheets.Spreadsheet, error) {
	return a.c.Spreadsheets.Get(ctx, spreadsheetID, fields)
}

func (a batchAPI) BatchUpdate(ctx context.Context, spreadsheetID string, req *sheets.BatchUpdateSpreadsheetRequest) (*sheets.BatchUpdateSpreadsheetResponse, error) {
	return a.c.Spreadsheets.BatchUpdate(ctx, spreadsheetID, req)
}

func (a batchAPI) Append(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.AppendValuesResponse, error) {
	return a.c.Values.Append(ctx, spreadsheetID, a1, vr, valueInputOption)
}

// lateFetcher breaks the construction cycle between the refresh engine
// (which owns the access tracker) and the reader (which records into it).
type lateFetcher struct{ reader *handler.Reader }

func (f *lateFetcher) Refresh(ctx context.Context, parts cache.KeyParts) (interface{}, []cache.Dependency, error) {
	return f.reader.Refresh(ctx, parts)
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("SHEETBRIDGE_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// On stdio, stdout belongs to the protocol; logs go to stderr either way.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	// Distributed tier is optional: without Redis every tier falls back to
	// process-local state.
	var redisBackend *infra.RedisAdapter
	if cfg.Redis.Addr != "" {
		redisBackend, err = infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, continuing with local state only", "addr", cfg.Redis.Addr, "error", err)
			redisBackend = nil
		} else {
			defer redisBackend.Close()
		}
	}

	source, err := tokenSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	backend, err := sheetsapi.NewGoogleBackend(ctx, source)
	if err != nil {
		return fmt.Errorf("google backend: %w", err)
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Breaker.FailureThreshold
	breakerCfg.SuccessThreshold = cfg.Breaker.SuccessThreshold
	breakerCfg.ResetTimeout = cfg.Breaker.ResetTimeout
	client := sheetsapi.NewClient(backend, sheetsapi.Options{
		Breakers:         circuitbreaker.NewRegistry(breakerCfg, logger),
		Limiter:          ratelimit.NewLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec),
		Metrics:          metrics,
		Logger:           logger,
		RequiredScopes:   cfg.Auth.RequiredScopes,
		AuthorizationURL: cfg.Auth.AuthorizationURL,
	})

	var cacheBackend cache.Backend
	if redisBackend != nil {
		cacheBackend = redisBackend
	}
	cacheMgr := cache.NewManager(cache.Config{
		DefaultTTL: cfg.Cache.ValuesTTL,
		NamespaceTTLs: map[string]time.Duration{
			cache.NamespaceValues:      cfg.Cache.ValuesTTL,
			cache.NamespaceSpreadsheet: cfg.Cache.SpreadsheetTTL,
			cache.NamespaceMetadata:    cfg.Cache.MetadataTTL,
			cache.NamespaceCapability:  cfg.Cache.CapabilityTTL,
		},
		NamespaceBudget: cfg.Cache.BudgetBytes,
	}, cacheBackend, logger)
	sheetsapi.RegisterCanonicalFallbacks(client, cacheMgr)

	merger := merge.New(client.Values, merge.Config{
		Enabled:       cfg.Merge.Enabled,
		Window:        cfg.Merge.Window,
		MaxWindowSize: cfg.Merge.MaxWindowSize,
		MergeAdjacent: cfg.Merge.MergeAdjacent,
	}, logger)

	fetcher := &lateFetcher{}
	engine, err := refresh.NewEngine(cacheMgr, fetcher, refresh.Config{
		Enabled:         cfg.Refresh.Enabled,
		ScanInterval:    cfg.Refresh.ScanInterval,
		ExpiryHorizon:   cfg.Refresh.ExpiryHorizon,
		Workers:         int64(cfg.Refresh.Workers),
		MinPriority:     cfg.Refresh.MinPriority,
		TrackerCapacity: cfg.Refresh.TrackerCapacity,
	}, logger)
	if err != nil {
		return fmt.Errorf("refresh engine: %w", err)
	}

	reader := handler.NewReader(cacheMgr, merger, engine.Tracker(), client.Spreadsheets, engine, logger)
	fetcher.reader = reader

	resolver := handler.NewRangeResolver(cacheMgr, client.Spreadsheets, reader)
	snapshots := safety.NewSnapshotService(client.Drive, client.Values, logger)
	gate := safety.NewGate(safety.Config{
		HighRiskCellThreshold: cfg.Safety.HighRiskCellThreshold,
	}, snapshots, client.Values, cacheMgr, logger)

	batcher := batch.New(batchAPI{client}, batch.Config{
		Enabled:      cfg.Batch.Enabled,
		Window:       cfg.Batch.Window,
		MaxBatchSize: cfg.Batch.MaxBatchSize,
	}, logger)

	txns := txn.NewManager(txn.Config{
		Lifetime: cfg.Safety.TransactionLifetime,
	}, gate, snapshots, client.Values, cacheMgr, logger)

	var tasks task.Store
	if redisBackend != nil {
		tasks = task.NewKVStore(redisBackend, 24*time.Hour, logger)
	} else {
		tasks = task.NewMemoryStore(logger)
	}

	sessions := session.NewManager(session.Config{
		MaxPerUser:  cfg.Session.MaxPerUser,
		IdleTimeout: cfg.Session.IdleTimeout,
	}, logger)

	// Without a peer to probe, capabilities come from the initialize
	// handshake; the prober is a conservative fallback for sessions that
	// never declared any.
	caps := capability.New(capability.ProberFunc(func(context.Context, string) (*capability.Descriptor, error) {
		return &capability.Descriptor{FetchedAt: time.Now()}, nil
	}), cacheBackend, cfg.Cache.CapabilityTTL, logger)

	runtime := handler.NewRuntime(metrics, logger)
	service := handler.NewService(reader, resolver, gate, batcher, txns, tasks, client.Values, client.Spreadsheets, cacheMgr, caps, logger)
	service.RegisterAll(runtime)

	core := server.NewCore(runtime, sessions, caps, logger)

	engine.Start()
	defer engine.Stop()
	go sweepLoop(ctx, cfg, sessions, txns, cacheMgr, logger)

	logger.Info("gateway starting",
		"transport", cfg.Server.Transport,
		"redis", redisBackend != nil,
		"refresh", cfg.Refresh.Enabled)

	if cfg.Server.Transport == "stdio" {
		return transport.NewStdio(core, sessions, os.Stdin, os.Stdout, logger).Run(ctx)
	}

	srv := server.New(server.Deps{
		Config:   *cfg,
		Core:     core,
		Sessions: sessions,
		Client:   client,
		Cache:    cacheMgr,
		Reader:   reader,
		Merger:   merger,
		Batcher:  batcher,
		Refresh:  engine,
		Gate:     gate,
		Caps:     caps,
		Tasks:    tasks,
		Logger:   logger,
	})
	return srv.Run(ctx)
}

// tokenSource builds credentials from the configured service-account key,
// falling back to application default credentials.
func tokenSource(ctx context.Context, cfg *config.Config) (oauth2.TokenSource, error) {
	if cfg.Auth.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.Auth.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", cfg.Auth.CredentialsFile, err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, cfg.Auth.RequiredScopes...)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		return creds.TokenSource, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, cfg.Auth.RequiredScopes...)
	if err != nil {
		return nil, fmt.Errorf("application default credentials: %w", err)
	}
	return creds.TokenSource, nil
}

// sweepLoop evicts idle sessions and settled transactions in the
// background.
func sweepLoop(ctx context.Context, cfg *config.Config, sessions *session.Manager, txns *txn.Manager, cacheMgr *cache.Manager, logger *slog.Logger) {
	interval := cfg.Session.IdleTimeout / 2
	if interval <= 0 || interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.SweepIdle(); n > 0 {
				logger.Info("idle sessions evicted", "count", n)
			}
			if n := txns.Sweep(); n > 0 {
				logger.Debug("settled transactions swept", "count", n)
			}
			if n := cacheMgr.Sweep(); n > 0 {
				logger.Debug("expired cache entries swept", "count", n)
			}
		}
	}
}
