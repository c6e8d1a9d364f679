package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAYTRAIL_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProfileDurableLocal, cfg.BackendProfile)
	assert.Equal(t, 180*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 90*24*time.Hour, cfg.EnrichHorizon)
	assert.Equal(t, 20, cfg.BackfillBatch)
	assert.Equal(t, snapshot.DefaultThresholds(), cfg.SnapshotThresholds())

	storage, err := cfg.Storage()
	require.NoError(t, err)
	assert.Equal(t, []string{"file://" + filepath.Join(dir, "state.json")}, storage.KVDSNs)
	assert.Equal(t, filepath.Join(dir, "relaytrail.db"), storage.DocstorePath)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RELAYTRAIL_BACKEND_PROFILE", "memory")
	t.Setenv("RELAYTRAIL_USER", "alice")
	t.Setenv("RELAYTRAIL_SYNC_INTERVAL", "90s")
	t.Setenv("RELAYTRAIL_SNAPSHOT_MIN_CHARS", "12")
	t.Setenv("RELAYTRAIL_SNAPSHOT_RESET_SIMILARITY", "0.95")
	t.Setenv("RELAYTRAIL_KV_DSNS", "postgres://u:p@db/relay, memory://")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, 90*time.Second, cfg.SyncInterval)
	assert.Equal(t, 12, cfg.SnapshotThresholds().MinChangedChars)
	assert.InDelta(t, 0.95, cfg.SnapshotThresholds().ResetSimilarity, 1e-9)

	storage, err := cfg.Storage()
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres://u:p@db/relay", "memory://"}, storage.KVDSNs)
	assert.Equal(t, ":memory:", storage.DocstorePath)
}

func TestStorageProfiles(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantKV  []string
		wantDoc string
		wantErr string
	}{
		{
			name:    "memory",
			cfg:     Config{BackendProfile: "inmemory"},
			wantKV:  []string{"memory://"},
			wantDoc: ":memory:",
		},
		{
			name:    "production",
			cfg:     Config{BackendProfile: "prod", ProductionDSN: "postgres://db/relay", DataDir: "/var/lib/relaytrail"},
			wantKV:  []string{"postgres://db/relay"},
			wantDoc: "/var/lib/relaytrail/relaytrail.db",
		},
		{
			name:    "production without dsn",
			cfg:     Config{BackendProfile: "production"},
			wantErr: "RELAYTRAIL_PRODUCTION_DSN is required",
		},
		{
			name:    "custom requires explicit values",
			cfg:     Config{BackendProfile: "custom", DocstorePath: "/tmp/x.db"},
			wantErr: "no key-value backend configured",
		},
		{
			name:    "custom",
			cfg:     Config{BackendProfile: "custom", KVDSNs: []string{" memory:// ", ""}, DocstorePath: "/tmp/x.db"},
			wantKV:  []string{"memory://"},
			wantDoc: "/tmp/x.db",
		},
		{
			name:    "unknown",
			cfg:     Config{BackendProfile: "cloud"},
			wantErr: "unsupported RELAYTRAIL_BACKEND_PROFILE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := tt.cfg.Storage()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKV, storage.KVDSNs)
			assert.Equal(t, tt.wantDoc, storage.DocstorePath)
		})
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Config{
		BackendProfile:          ProfileMemory,
		LeaseTimeout:            0,
		SyncInterval:            time.Minute,
		SyncIntervalJitter:      1.5,
		SnapshotResetSimilarity: 0.98,
		SnapshotCheckpointEvery: 25,
		LogLevel:                "loud",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "RELAYTRAIL_LEASE_TIMEOUT")
	assert.ErrorContains(t, err, "RELAYTRAIL_SYNC_INTERVAL_JITTER")
	assert.ErrorContains(t, err, "RELAYTRAIL_LOG_LEVEL")
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
	level, err = ParseLogLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}
