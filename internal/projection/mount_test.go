package projection

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaytrail/internal/archive"
)

// fuseAvailable skips unless FUSE mounts were explicitly enabled for the
// test run and the device exists.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if os.Getenv("RELAYTRAIL_TEST_FUSE") == "" {
		t.Skip("set RELAYTRAIL_TEST_FUSE=1 to run FUSE mount tests")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func TestMountRequiresOptions(t *testing.T) {
	_, err := Mount(MountOptions{})
	require.Error(t, err)
	_, err = Mount(MountOptions{Mountpoint: t.TempDir()})
	require.Error(t, err)
}

func TestMountExposesManifestAndChunks(t *testing.T) {
	fuseAvailable(t)
	f := newFixture(t)
	f.appendItems(t, "a", 120, testNow.Add(-5*time.Hour))

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(MountOptions{Mountpoint: mountpoint, Source: f.source, UserID: "alice"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Unmount() })

	raw, err := os.ReadFile(filepath.Join(mountpoint, "manifest.json"))
	require.NoError(t, err)
	var manifest archive.Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, 2, manifest.ChunkCount)

	entries, err := os.ReadDir(filepath.Join(mountpoint, "chunks"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "0000.json", entries[0].Name())

	raw, err = os.ReadFile(filepath.Join(mountpoint, "chunks", "0001.json"))
	require.NoError(t, err)
	var items []archive.Item
	require.NoError(t, json.Unmarshal(raw, &items))
	assert.Len(t, items, 20)

	_, err = os.Stat(filepath.Join(mountpoint, "chunks", "0002.json"))
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, os.WriteFile(filepath.Join(mountpoint, "manifest.json"), []byte("{}"), 0o644))
}
