// Package config loads relaytrail settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

const (
	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

type Config struct {
	UserID  string `env:"RELAYTRAIL_USER"`
	FeedURL string `env:"RELAYTRAIL_FEED_URL" envDefault:"http://127.0.0.1:9000"`
	Token   string `env:"RELAYTRAIL_TOKEN"`

	BackendProfile string   `env:"RELAYTRAIL_BACKEND_PROFILE" envDefault:"durable-local"`
	DataDir        string   `env:"RELAYTRAIL_DATA_DIR"        envDefault:".relaytrail"`
	ProductionDSN  string   `env:"RELAYTRAIL_PRODUCTION_DSN"`
	KVDSNs         []string `env:"RELAYTRAIL_KV_DSNS"         envSeparator:","`
	DocstorePath   string   `env:"RELAYTRAIL_DOCSTORE_PATH"`

	LeaseTimeout       time.Duration `env:"RELAYTRAIL_LEASE_TIMEOUT"        envDefault:"180s"`
	SyncInterval       time.Duration `env:"RELAYTRAIL_SYNC_INTERVAL"        envDefault:"5m"`
	SyncIntervalJitter float64       `env:"RELAYTRAIL_SYNC_INTERVAL_JITTER" envDefault:"0.2"`
	EnrichHorizon      time.Duration `env:"RELAYTRAIL_ENRICH_HORIZON"       envDefault:"2160h"`
	BackfillBatch      int           `env:"RELAYTRAIL_BACKFILL_BATCH"       envDefault:"20"`
	ResetTolerance     int           `env:"RELAYTRAIL_RESET_TOLERANCE"      envDefault:"5"`
	FeedMaxRetries     int           `env:"RELAYTRAIL_FEED_MAX_RETRIES"     envDefault:"3"`

	SnapshotMinChars        int     `env:"RELAYTRAIL_SNAPSHOT_MIN_CHARS"        envDefault:"30"`
	SnapshotMinLines        int     `env:"RELAYTRAIL_SNAPSHOT_MIN_LINES"        envDefault:"2"`
	SnapshotCheckpointEvery int     `env:"RELAYTRAIL_SNAPSHOT_CHECKPOINT_EVERY" envDefault:"25"`
	SnapshotResetSimilarity float64 `env:"RELAYTRAIL_SNAPSHOT_RESET_SIMILARITY" envDefault:"0.98"`

	DraftsDir    string        `env:"RELAYTRAIL_DRAFTS_DIR"`
	PollInterval time.Duration `env:"RELAYTRAIL_POLL_INTERVAL" envDefault:"10s"`

	ListenAddr     string        `env:"RELAYTRAIL_LISTEN_ADDR"     envDefault:":8080"`
	APIToken       string        `env:"RELAYTRAIL_API_TOKEN"`
	StreamInterval time.Duration `env:"RELAYTRAIL_STREAM_INTERVAL" envDefault:"5s"`

	LogLevel string `env:"RELAYTRAIL_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse reads the environment without validating, so callers can apply
// flag overrides first.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("RELAYTRAIL_LEASE_TIMEOUT must be positive"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("RELAYTRAIL_SYNC_INTERVAL must be positive"))
	}
	if c.SyncIntervalJitter < 0 || c.SyncIntervalJitter > 1 {
		errs = append(errs, errors.New("RELAYTRAIL_SYNC_INTERVAL_JITTER must be between 0 and 1"))
	}
	if c.SnapshotResetSimilarity <= 0 || c.SnapshotResetSimilarity > 1 {
		errs = append(errs, errors.New("RELAYTRAIL_SNAPSHOT_RESET_SIMILARITY must be in (0, 1]"))
	}
	if c.SnapshotCheckpointEvery <= 0 {
		errs = append(errs, errors.New("RELAYTRAIL_SNAPSHOT_CHECKPOINT_EVERY must be positive"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Storage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Storage is where state lives: ranked key-value DSNs and the document
// store path.
type Storage struct {
	KVDSNs       []string
	DocstorePath string
}

// Storage resolves the backend profile. Explicit DSNs and paths override
// what the profile derives.
func (c Config) Storage() (Storage, error) {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".relaytrail"
	}

	var derived Storage
	switch profile {
	case "", ProfileCustom:
	case ProfileMemory, "inmemory":
		derived = Storage{KVDSNs: []string{"memory://"}, DocstorePath: ":memory:"}
	case ProfileDurableLocal, "local-durable":
		abs, err := filepath.Abs(dataDir)
		if err != nil {
			return Storage{}, fmt.Errorf("resolve data dir: %w", err)
		}
		derived = Storage{
			KVDSNs:       []string{"file://" + filepath.Join(abs, "state.json")},
			DocstorePath: filepath.Join(abs, "relaytrail.db"),
		}
	case ProfileProduction, "prod":
		dsn := strings.TrimSpace(c.ProductionDSN)
		if dsn == "" && len(c.KVDSNs) == 0 {
			return Storage{}, fmt.Errorf("RELAYTRAIL_PRODUCTION_DSN is required when RELAYTRAIL_BACKEND_PROFILE=%s", profile)
		}
		derived = Storage{DocstorePath: filepath.Join(dataDir, "relaytrail.db")}
		if dsn != "" {
			derived.KVDSNs = []string{dsn}
		}
	default:
		return Storage{}, fmt.Errorf("unsupported RELAYTRAIL_BACKEND_PROFILE: %s", profile)
	}

	out := derived
	if dsns := trimAll(c.KVDSNs); len(dsns) > 0 {
		out.KVDSNs = dsns
	}
	if path := strings.TrimSpace(c.DocstorePath); path != "" {
		out.DocstorePath = path
	}
	if len(out.KVDSNs) == 0 {
		return Storage{}, errors.New("no key-value backend configured: set RELAYTRAIL_KV_DSNS or RELAYTRAIL_BACKEND_PROFILE")
	}
	if out.DocstorePath == "" {
		return Storage{}, errors.New("no document store configured: set RELAYTRAIL_DOCSTORE_PATH or RELAYTRAIL_BACKEND_PROFILE")
	}
	return out, nil
}

func (c Config) SnapshotThresholds() snapshot.Thresholds {
	return snapshot.Thresholds{
		MinChangedChars:    c.SnapshotMinChars,
		MinChangedLines:    c.SnapshotMinLines,
		CheckpointInterval: c.SnapshotCheckpointEvery,
		ResetSimilarity:    c.SnapshotResetSimilarity,
	}
}

func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported RELAYTRAIL_LOG_LEVEL: %s", raw)
	}
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
