package docstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "relaytrail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaytrail.db")
	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	items := []archive.Item{
		{ID: "1001", SubjectID: "two-sum", Status: archive.StatusAccepted, Lang: "go", Timestamp: 1000, Enriched: true,
			Subject: &archive.SubjectInfo{Title: "Two Sum", Difficulty: "Easy", Tags: []string{"array"}},
			Detail:  &archive.ItemDetail{Code: "package main\n", RuntimeMs: 4}},
		{ID: "1002", SubjectID: "lru-cache", Status: "Wrong Answer", Timestamp: 2000, Deferred: true},
	}
	require.NoError(t, store.SaveChunk(ctx, "alice", 0, items))

	got, ok, err := store.LoadChunk(ctx, "alice", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, items, got)

	_, ok, err = store.LoadChunk(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	items[1].Enriched = true
	items[1].Deferred = false
	require.NoError(t, store.SaveChunk(ctx, "alice", 0, items))
	got, _, err = store.LoadChunk(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, got[1].Enriched)
}

func TestChunkIndexesSinceAndDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for i := 0; i < 3; i++ {
		items := []archive.Item{{ID: fmt.Sprint(i), Timestamp: int64(i*100 + 10)}, {ID: fmt.Sprint(i, "b"), Timestamp: int64(i*100 + 90)}}
		require.NoError(t, store.SaveChunk(ctx, "alice", i, items))
	}
	require.NoError(t, store.SaveChunk(ctx, "bob", 0, []archive.Item{{ID: "x", Timestamp: 500}}))

	indexes, err := store.ChunkIndexesSince(ctx, "alice", 150)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, indexes)

	require.NoError(t, store.DeleteChunks(ctx, "alice"))
	indexes, err = store.ChunkIndexesSince(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, indexes)

	_, ok, err := store.LoadChunk(ctx, "bob", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSeriesRoundTripCompressesLargeCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	large := strings.Repeat("for i := range nums { total += nums[i] }\n", 40)
	small := "x\n"
	empty := ""
	entries := []snapshot.Snapshot{
		{Seq: 0, Timestamp: 10, ChecksumAfter: snapshot.Checksum(large), FullContent: &large},
		{Seq: 1, Timestamp: 20, Patch: "@@ -1 +1 @@", ChecksumBefore: "a", ChecksumAfter: "b"},
		{Seq: 2, Timestamp: 30, FullContent: &small},
		{Seq: 3, Timestamp: 40, FullContent: &empty},
	}
	for _, entry := range entries {
		require.NoError(t, store.AppendSnapshot(ctx, "alice", "two-sum", entry))
	}

	var codec int
	require.NoError(t, store.sqlDB.QueryRowContext(ctx,
		`SELECT checkpoint_codec FROM snapshots WHERE user_id = ? AND subject_id = ? AND seq = 0`, "alice", "two-sum",
	).Scan(&codec))
	assert.Equal(t, codecLZ4, codec)

	series, err := store.LoadSeries(ctx, "alice", "two-sum")
	require.NoError(t, err)
	require.Len(t, series, 4)
	require.NotNil(t, series[0].FullContent)
	assert.Equal(t, large, *series[0].FullContent)
	assert.Nil(t, series[1].FullContent)
	assert.Equal(t, "@@ -1 +1 @@", series[1].Patch)
	require.NotNil(t, series[2].FullContent)
	assert.Equal(t, small, *series[2].FullContent)
	require.NotNil(t, series[3].FullContent)
	assert.Equal(t, "", *series[3].FullContent)

	require.Error(t, store.AppendSnapshot(ctx, "alice", "two-sum", entries[0]))

	require.NoError(t, store.ClearSeries(ctx, "alice", "two-sum"))
	series, err = store.LoadSeries(ctx, "alice", "two-sum")
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	full := "x\n"
	for i, subject := range []string{"two-sum", "two-sum", "lru-cache"} {
		require.NoError(t, store.AppendSnapshot(ctx, "alice", subject, snapshot.Snapshot{Seq: i, Timestamp: int64(100 * (i + 1)), FullContent: &full}))
	}

	summaries, err := store.Summaries(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []snapshot.SeriesSummary{
		{SubjectID: "lru-cache", Count: 1, FirstAt: 300, LastAt: 300},
		{SubjectID: "two-sum", Count: 2, FirstAt: 100, LastAt: 200},
	}, summaries)

	summaries, err = store.Summaries(ctx, "alice", 250)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "lru-cache", summaries[0].SubjectID)
}

func TestEngineOverSQLite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	fake := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	engine, err := snapshot.NewEngine(snapshot.Options{Store: store, Clock: fake})
	require.NoError(t, err)

	var versions []string
	content := "class Solution:\n"
	for i := 0; i < 30; i++ {
		content += fmt.Sprintf("    def helper_%02d(self, nums): return sorted(nums)[%d]\n", i, i)
		versions = append(versions, content)
		result, err := engine.Capture(ctx, "alice", "kth-largest", content)
		require.NoError(t, err)
		require.Equal(t, snapshot.StatusWritten, result.Status)
		fake.Advance(3 * time.Second)
	}

	series, err := store.LoadSeries(ctx, "alice", "kth-largest")
	require.NoError(t, err)
	require.Len(t, series, 30)
	assert.True(t, series[0].IsCheckpoint())
	assert.True(t, series[25].IsCheckpoint())
	assert.False(t, series[24].IsCheckpoint())
	for _, target := range []int{3, 26, 29} {
		got, err := snapshot.Reconstruct(series, target)
		require.NoError(t, err)
		assert.Equal(t, versions[target], got)
	}
}
