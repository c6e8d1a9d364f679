package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncScheduleDelay(t *testing.T) {
	base := 5 * time.Minute
	flat := newSyncSchedule(base, 0, nil)
	assert.Equal(t, base, flat.delay(0.2))

	spread := newSyncSchedule(base, 0.2, nil)
	assert.Equal(t, 4*time.Minute, spread.delay(0))
	assert.Equal(t, base, spread.delay(0.5))
	assert.Equal(t, 6*time.Minute, spread.delay(1))
	assert.Equal(t, 6*time.Minute, spread.delay(7), "sample is clamped")

	assert.Equal(t, minSyncDelay, newSyncSchedule(base, 1, nil).delay(0))
	assert.Equal(t, 10*time.Minute, newSyncSchedule(base, 3, nil).delay(1), "jitter ratio is clamped to 1")
	assert.Equal(t, minSyncDelay, newSyncSchedule(0, 0.2, nil).delay(0.5))
	assert.Equal(t, minSyncDelay, newSyncSchedule(10*time.Millisecond, 0, nil).delay(0.5))
}

func TestSyncScheduleNextUsesSampler(t *testing.T) {
	samples := []float64{0, 1}
	schedule := newSyncSchedule(time.Minute, 0.5, func() float64 {
		s := samples[0]
		samples = samples[1:]
		return s
	})
	assert.Equal(t, 30*time.Second, schedule.next())
	assert.Equal(t, 90*time.Second, schedule.next())
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"sync", "poll", "serve", "mount"})
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"RELAYTRAIL_USER", "RELAYTRAIL_BACKEND_PROFILE", "RELAYTRAIL_KV_DSNS",
		"RELAYTRAIL_DOCSTORE_PATH", "RELAYTRAIL_DRAFTS_DIR", "RELAYTRAIL_LOG_LEVEL",
	} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestSyncRequiresUser(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "sync", "--once", "--profile", "memory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user is required")
}

func TestInvalidProfileIsRejected(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "sync", "--once", "--user", "alice", "--profile", "floppy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported RELAYTRAIL_BACKEND_PROFILE")
}

func TestPollOnceCapturesDrafts(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two-sum.py"), []byte("class Solution:\n    pass\n"), 0o644))

	out, err := execute(t, "poll", "--once", "--user", "alice", "--profile", "memory", "--drafts-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"written":1`)
}

func TestSyncOnceArchivesFeed(t *testing.T) {
	clearEnv(t)
	feedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/users/alice/submissions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"submissions":[{"id":"s1","titleSlug":"two-sum","status":"Accepted","timestamp":1000}],"totalCount":1}`))
	}))
	defer feedServer.Close()

	out, err := execute(t, "sync", "--once", "--user", "alice", "--profile", "memory", "--feed-url", feedServer.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "sync finished")
	assert.Contains(t, out, `"new":1`)
}
