package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/kvstore"
	"github.com/agentworkforce/relaytrail/internal/lease"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

var testNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	kv     *kvstore.Memory
	repo   *archive.Repository
	clock  *clock.Fake
	engine *snapshot.Engine
	source *Source
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(testNow)
	kv := kvstore.NewMemory()
	repo := archive.NewRepository(kv, archive.NewMemoryChunks(), fake, nil)
	engine, err := snapshot.NewEngine(snapshot.Options{Store: snapshot.NewMemorySeries(), Clock: fake})
	require.NoError(t, err)
	source, err := NewSource(SourceOptions{
		Repo:      repo,
		Summaries: engine,
		Leases: func(userID string) (LeaseInspector, error) {
			l, err := lease.New(kv, userID, lease.Options{Clock: fake})
			if err != nil {
				return nil, err
			}
			return l, nil
		},
		Now: fake.Now,
	})
	require.NoError(t, err)
	return &fixture{kv: kv, repo: repo, clock: fake, engine: engine, source: source}
}

// appendItems archives n items one minute apart starting at start.
func (f *fixture) appendItems(t *testing.T, prefix string, n int, start time.Time) {
	t.Helper()
	ctx := context.Background()
	manifest, err := f.repo.LoadManifest(ctx, "alice")
	require.NoError(t, err)
	w, err := f.repo.OpenWriter(ctx, "alice", &manifest)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := w.Append(ctx, archive.Item{
			ID:        fmt.Sprintf("%s-%03d", prefix, i),
			SubjectID: "two-sum",
			Status:    archive.StatusAccepted,
			Timestamp: start.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Enriched:  true,
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush(ctx))
}

func TestSinceFiltersItemsAcrossChunks(t *testing.T) {
	f := newFixture(t)
	start := testNow.Add(-5 * time.Hour)
	f.appendItems(t, "a", 130, start)

	all, err := f.source.Since(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all.Items, 130)
	assert.Equal(t, 2, all.Manifest.ChunkCount)
	assert.Equal(t, start.Add(129*time.Minute).UnixMilli(), all.Cursor)

	since := start.Add(119 * time.Minute).UnixMilli()
	recent, err := f.source.Since(context.Background(), "alice", since)
	require.NoError(t, err)
	require.Len(t, recent.Items, 10)
	assert.Equal(t, "a-120", recent.Items[0].ID)
	assert.Equal(t, all.Cursor, recent.Cursor)

	none, err := f.source.Since(context.Background(), "alice", all.Cursor)
	require.NoError(t, err)
	assert.Empty(t, none.Items)
	assert.Equal(t, all.Cursor, none.Cursor)
}

type allChunks struct{ indexes []int }

func (a allChunks) ChunkIndexesSince(context.Context, string, int64) ([]int, error) {
	return a.indexes, nil
}

func TestSinceServesOnlyCommittedItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := testNow.Add(-5 * time.Hour)
	f.appendItems(t, "a", 130, start)

	// A run that died after writing chunks but before its manifest update.
	active, err := f.repo.LoadChunk(ctx, "alice", 1)
	require.NoError(t, err)
	stray := archive.Item{ID: "stray", SubjectID: "two-sum", Timestamp: testNow.UnixMilli()}
	require.NoError(t, f.repo.SaveChunk(ctx, "alice", 1, append(append([]archive.Item{}, active...), stray)))
	require.NoError(t, f.repo.SaveChunk(ctx, "alice", 2, []archive.Item{stray}))

	indexed, err := NewSource(SourceOptions{Repo: f.repo, Indexer: allChunks{indexes: []int{0, 1, 2}}})
	require.NoError(t, err)
	for name, source := range map[string]*Source{"manifest ranges": f.source, "indexer": indexed} {
		t.Run(name, func(t *testing.T) {
			view, err := source.Since(ctx, "alice", 0)
			require.NoError(t, err)
			require.Len(t, view.Items, 130)
			for _, item := range view.Items {
				assert.NotEqual(t, "stray", item.ID)
			}

			chunk, err := source.Chunk(ctx, "alice", 1)
			require.NoError(t, err)
			assert.Len(t, chunk, 30)
			_, err = source.Chunk(ctx, "alice", 2)
			require.ErrorIs(t, err, archive.ErrChunkNotFound)
		})
	}
}

func TestSinceIncludesActiveSnapshotSeries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Capture(ctx, "alice", "two-sum", "func twoSum() {}\n")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.engine.Capture(ctx, "alice", "lru-cache", "type LRUCache struct{}\n")
	require.NoError(t, err)

	view, err := f.source.Since(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, view.Snapshots, 2)

	view, err = f.source.Since(ctx, "alice", testNow.Add(30*time.Minute).UnixMilli())
	require.NoError(t, err)
	require.Len(t, view.Snapshots, 1)
	assert.Equal(t, "lru-cache", view.Snapshots[0].SubjectID)
}

func TestStatusReportsLeaseAndQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.appendItems(t, "a", 3, testNow.Add(-time.Hour))
	require.NoError(t, f.repo.EnqueueBackfill(ctx, "alice", archive.BackfillItem{ItemID: "a-000"}))
	require.NoError(t, kvstore.SetJSON(ctx, f.kv, lease.Key("alice"), lease.Record{
		HolderID:      "holder-1",
		LastHeartbeat: testNow.Add(-10 * time.Second).UnixMilli(),
		IsLocked:      true,
	}))

	status, err := f.source.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, status.TotalItems)
	assert.Equal(t, 1, status.BackfillQueued)
	assert.True(t, status.LeaseHeld)
	require.NotNil(t, status.Lease)
	assert.Equal(t, "holder-1", status.Lease.HolderID)

	f.clock.Advance(lease.DefaultTimeout)
	status, err = f.source.Status(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, status.LeaseHeld)
}

func TestServerRoutes(t *testing.T) {
	f := newFixture(t)
	f.appendItems(t, "a", 4, testNow.Add(-time.Hour))
	reg := prometheus.NewRegistry()
	snapshot.NewMetrics(reg)
	srv := httptest.NewServer(NewServer(f.source, ServerConfig{Token: "secret", Gatherer: reg}))
	defer srv.Close()

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("X-Correlation-Id", "corr-1")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/health", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/v1/users/alice/archive", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/v1/users/alice/archive", "wrong").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/v1/users/alice/nope", "secret").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/v1/workspaces/alice/archive", "secret").StatusCode)

	bad := get("/v1/users/alice/archive?since=-4", "secret")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(bad.Body).Decode(&errBody))
	assert.Equal(t, "bad_request", errBody["code"])
	assert.Equal(t, "corr-1", errBody["correlationId"])

	resp := get("/v1/users/alice/archive", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Len(t, view.Items, 4)

	resp = get("/v1/users/alice/status", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 4, status.TotalItems)
	assert.False(t, status.LeaseHeld)

	metrics := get("/metrics", "")
	require.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestStreamPushesNewItems(t *testing.T) {
	f := newFixture(t)
	f.appendItems(t, "a", 3, testNow.Add(-time.Hour))
	srv := httptest.NewServer(NewServer(f.source, ServerConfig{StreamInterval: 10 * time.Millisecond, Clock: clock.Real()}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/users/alice/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first View
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.Len(t, first.Items, 3)

	f.appendItems(t, "b", 2, testNow.Add(-30*time.Minute))
	var second View
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	require.Len(t, second.Items, 2)
	assert.Equal(t, "b-000", second.Items[0].ID)
	assert.Equal(t, first.Cursor, second.Since)
}

func TestChunkFileNames(t *testing.T) {
	assert.Equal(t, "0000.json", chunkFileName(0))
	assert.Equal(t, "0012.json", chunkFileName(12))

	index, ok := parseChunkFileName("0012.json")
	require.True(t, ok)
	assert.Equal(t, 12, index)
	for _, name := range []string{"", ".json", "abc.json", "0001.txt", "-1.json"} {
		_, ok := parseChunkFileName(name)
		assert.False(t, ok, name)
	}
}

func TestSliceAt(t *testing.T) {
	data := []byte("0123456789")
	assert.Equal(t, []byte("234"), sliceAt(data, 2, 3))
	assert.Equal(t, []byte("89"), sliceAt(data, 8, 5))
	assert.Nil(t, sliceAt(data, 10, 4))
	assert.Nil(t, sliceAt(data, -1, 4))
}
