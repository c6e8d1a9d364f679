package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/feed"
	"github.com/agentworkforce/relaytrail/internal/kvstore"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

type fixedTiming struct {
	timing snapshot.Timing
	until  time.Time
}

func (f *fixedTiming) Timing(ctx context.Context, userID, subjectID string, until time.Time) (snapshot.Timing, error) {
	f.until = until
	return f.timing, nil
}

func TestEnrichDerivesWorkingTimeAndTiming(t *testing.T) {
	fake := clock.NewFake(testNow)
	timing := &fixedTiming{timing: snapshot.Timing{FirstAt: 100, LastAt: 900, Count: 3}}
	e := NewEnricher(EnricherOptions{Collaborators: newFakeCollab(), Timing: timing, Clock: fake})

	itemAt := testNow.Add(-time.Hour)
	visits := archive.VisitLog{}.
		Add("two-sum", itemAt.Add(-25*time.Minute)).
		Add("two-sum", itemAt.Add(-5*time.Minute)).
		Add("lru-cache", itemAt.Add(-2*time.Minute)).
		Add("two-sum", itemAt.Add(time.Minute))
	item := archive.Item{ID: "s1", SubjectID: "two-sum", Status: archive.StatusAccepted, Timestamp: itemAt.UnixMilli(), Deferred: true}
	seen := archive.SeenCache{}

	require.NoError(t, e.Enrich(context.Background(), "alice", &item, seen, visits))
	assert.True(t, item.Enriched)
	assert.False(t, item.Deferred)
	assert.Equal(t, testNow.UnixMilli(), item.EnrichedAt)
	assert.Equal(t, (5 * time.Minute).Milliseconds(), item.WorkingTimeMs)
	require.NotNil(t, item.Timing)
	assert.Equal(t, 3, item.Timing.Snapshots)
	assert.Equal(t, itemAt.UnixMilli(), timing.until.UnixMilli())
	assert.Empty(t, item.FailureCodes)
	assert.True(t, seen["two-sum"].DetailFetched)
}

func TestEnrichKeepsGoingWhenOneSourceFails(t *testing.T) {
	collab := newFakeCollab()
	collab.noteErr = &feed.HTTPError{StatusCode: 429, Message: "slow down"}
	metrics := NewMetrics(nil)
	e := NewEnricher(EnricherOptions{Collaborators: collab, Clock: clock.NewFake(testNow), Metrics: metrics})

	item := archive.Item{ID: "s2", SubjectID: "lru-cache", Timestamp: testNow.UnixMilli()}
	require.NoError(t, e.Enrich(context.Background(), "alice", &item, archive.SeenCache{}, nil))
	assert.True(t, item.Enriched)
	assert.Empty(t, item.Note)
	require.NotNil(t, item.Detail)
	require.NotNil(t, item.Subject)
	assert.Equal(t, []string{"note:rate_limited"}, item.FailureCodes)
	assert.Zero(t, item.WorkingTimeMs)
	assert.Nil(t, item.Timing)
}

func TestEnrichUsesSeenCache(t *testing.T) {
	collab := newFakeCollab()
	e := NewEnricher(EnricherOptions{Collaborators: collab, Clock: clock.NewFake(testNow)})
	seen := archive.SeenCache{"two-sum": {DetailFetched: true, Title: "Two Sum", Difficulty: "Easy"}}

	item := archive.Item{ID: "s3", SubjectID: "two-sum", Timestamp: testNow.UnixMilli()}
	require.NoError(t, e.Enrich(context.Background(), "alice", &item, seen, nil))
	assert.Zero(t, collab.subjectCalls["two-sum"])
	assert.Equal(t, "Two Sum", item.Subject.Title)
}

func TestEnrichItemPersistsSeenCache(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(testNow)
	repo := archive.NewRepository(kvstore.NewMemory(), archive.NewMemoryChunks(), fake, nil)
	require.NoError(t, repo.RecordVisit(ctx, "alice", "word-ladder", testNow.Add(-10*time.Minute)))
	e := NewEnricher(EnricherOptions{Collaborators: newFakeCollab(), Repo: repo, Clock: fake})

	item := archive.Item{ID: "s4", SubjectID: "word-ladder", Timestamp: testNow.UnixMilli(), Deferred: true}
	require.NoError(t, e.EnrichItem(ctx, "alice", &item))
	assert.Equal(t, (10 * time.Minute).Milliseconds(), item.WorkingTimeMs)

	seen, err := repo.LoadSeen(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Title word-ladder", seen["word-ladder"].Title)
}

func TestEnrichReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEnricher(EnricherOptions{Collaborators: newFakeCollab(), Clock: clock.NewFake(testNow)})
	item := archive.Item{ID: "s5", SubjectID: "two-sum", Timestamp: testNow.UnixMilli()}
	require.ErrorIs(t, e.Enrich(ctx, "alice", &item, archive.SeenCache{}, nil), context.Canceled)
	assert.False(t, item.Enriched)
}
