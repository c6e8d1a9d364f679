package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/config"
	"github.com/agentworkforce/relaytrail/internal/docstore"
	"github.com/agentworkforce/relaytrail/internal/feed"
	"github.com/agentworkforce/relaytrail/internal/kvstore"
	"github.com/agentworkforce/relaytrail/internal/lease"
	"github.com/agentworkforce/relaytrail/internal/mirror"
	"github.com/agentworkforce/relaytrail/internal/projection"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
	"github.com/agentworkforce/relaytrail/internal/watch"
)

const feedRequestTimeout = 30 * time.Second

// loadConfig reads the environment and applies the flags the user set.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return config.Config{}, err
	}
	applyOverrides(cmd, flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyOverrides(cmd *cobra.Command, flags *globalFlags, cfg *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	}
	if changed("user") {
		cfg.UserID = strings.TrimSpace(flags.user)
	}
	if changed("profile") {
		cfg.BackendProfile = flags.profile
	}
	if changed("data-dir") {
		cfg.DataDir = flags.dataDir
	}
	if changed("feed-url") {
		cfg.FeedURL = flags.feedURL
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
}

func requireUser(cfg config.Config) error {
	if strings.TrimSpace(cfg.UserID) == "" {
		return errors.New("user is required (--user or RELAYTRAIL_USER)")
	}
	return nil
}

func newLogger(w io.Writer, raw string) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(raw)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// runtime holds the storage and engines one command works with.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clock.Clock
	registry *prometheus.Registry
	kv       kvstore.Store
	docs     *docstore.Store
	repo     *archive.Repository
	engine   *snapshot.Engine
}

func openRuntime(ctx context.Context, cfg config.Config, logOut io.Writer) (*runtime, error) {
	logger, err := newLogger(logOut, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	storage, err := cfg.Storage()
	if err != nil {
		return nil, err
	}
	kv, err := kvstore.BuildRanked(logger, storage.KVDSNs)
	if err != nil {
		return nil, fmt.Errorf("open key-value store: %w", err)
	}
	if storage.DocstorePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(storage.DocstorePath), 0o755); err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	docs, err := docstore.Open(ctx, storage.DocstorePath)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("open document store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clk := clock.Real()
	repo := archive.NewRepository(kv, docs, clk, logger)
	opts := snapshot.Options{
		Store:      docs,
		Thresholds: cfg.SnapshotThresholds(),
		Visits:     repo,
		Clock:      clk,
		Logger:     logger,
		Metrics:    snapshot.NewMetrics(registry),
	}
	if dir := strings.TrimSpace(cfg.DraftsDir); dir != "" {
		opts.Templates = watch.FileTemplates{Dir: dir}
	}
	engine, err := snapshot.NewEngine(opts)
	if err != nil {
		_ = docs.Close()
		_ = kv.Close()
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		registry: registry,
		kv:       kv,
		docs:     docs,
		repo:     repo,
		engine:   engine,
	}, nil
}

func (rt *runtime) Close() error {
	return errors.Join(rt.docs.Close(), rt.kv.Close())
}

func (rt *runtime) newLease(userID string) (*lease.Lock, error) {
	return lease.New(rt.kv, userID, lease.Options{
		Timeout: rt.cfg.LeaseTimeout,
		Clock:   rt.clock,
		Logger:  rt.logger,
	})
}

func (rt *runtime) orchestrator() (*mirror.Orchestrator, error) {
	client := feed.NewHTTPClient(feed.ClientOptions{
		BaseURL:    rt.cfg.FeedURL,
		Token:      rt.cfg.Token,
		HTTPClient: &http.Client{Timeout: feedRequestTimeout},
		MaxRetries: rt.cfg.FeedMaxRetries,
		Clock:      rt.clock,
		Logger:     rt.logger,
	})
	metrics := mirror.NewMetrics(rt.registry)
	enricher := mirror.NewEnricher(mirror.EnricherOptions{
		Collaborators: client,
		Timing:        rt.engine,
		Repo:          rt.repo,
		Clock:         rt.clock,
		Logger:        rt.logger,
		Metrics:       metrics,
	})
	return mirror.NewOrchestrator(mirror.Options{
		Repo:     rt.repo,
		Feed:     client,
		Enricher: enricher,
		NewLease: func(userID string) (mirror.Lease, error) {
			lock, err := rt.newLease(userID)
			if err != nil {
				return nil, err
			}
			return lock, nil
		},
		Horizon:        rt.cfg.EnrichHorizon,
		ResetTolerance: rt.cfg.ResetTolerance,
		BackfillBatch:  rt.cfg.BackfillBatch,
		Clock:          rt.clock,
		Logger:         rt.logger,
		Metrics:        metrics,
	})
}

func (rt *runtime) source() (*projection.Source, error) {
	return projection.NewSource(projection.SourceOptions{
		Repo:      rt.repo,
		Indexer:   rt.docs,
		Summaries: rt.engine,
		Leases: func(userID string) (projection.LeaseInspector, error) {
			lock, err := rt.newLease(userID)
			if err != nil {
				return nil, err
			}
			return lock, nil
		},
		LeaseTimeout: rt.cfg.LeaseTimeout,
		Now:          rt.clock.Now,
	})
}
