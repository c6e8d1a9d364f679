package mirror

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/feed"
	"github.com/agentworkforce/relaytrail/internal/kvstore"
	"github.com/agentworkforce/relaytrail/internal/lease"
)

var testNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

// fakeFeed serves items newest first, pageSize at a time.
type fakeFeed struct {
	mu          sync.Mutex
	items       []feed.Submission
	total       *int
	pageSize    int
	listErr     error
	listCalls   int
	statuses    []feed.StatusCheck
	statusCalls int
}

func (f *fakeFeed) ListSince(ctx context.Context, userID string, after time.Time, cursor string) (feed.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return feed.Page{}, f.listErr
	}
	var filtered []feed.Submission
	for i := len(f.items) - 1; i >= 0; i-- {
		if after.IsZero() || f.items[i].Timestamp > after.UnixMilli() {
			filtered = append(filtered, f.items[i])
		}
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+f.pageSize, len(filtered))
	page := feed.Page{Items: filtered[start:end], TotalCount: f.total}
	if end < len(filtered) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeFeed) CheckStatus(ctx context.Context, itemID string) (feed.StatusCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusCalls >= len(f.statuses) {
		return feed.StatusCheck{}, errors.New("no status scripted")
	}
	check := f.statuses[f.statusCalls]
	f.statusCalls++
	return check, nil
}

func (f *fakeFeed) setTotal(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = &n
}

type fakeCollab struct {
	mu           sync.Mutex
	subjectCalls map[string]int
	sessionCalls int
	detailCalls  int
	noteErr      error
	onDetail     func(itemID string)
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{subjectCalls: map[string]int{}}
}

func (c *fakeCollab) SubjectDetail(ctx context.Context, subjectID string) (feed.SubjectDetail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjectCalls[subjectID]++
	return feed.SubjectDetail{Title: "Title " + subjectID, Difficulty: "Easy", Tags: []string{"array"}}, nil
}

func (c *fakeCollab) UserNote(ctx context.Context, subjectID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noteErr != nil {
		return "", c.noteErr
	}
	return "note for " + subjectID, nil
}

func (c *fakeCollab) ItemDetail(ctx context.Context, itemID string) (feed.SubmissionDetail, error) {
	c.mu.Lock()
	c.detailCalls++
	hook := c.onDetail
	c.mu.Unlock()
	if hook != nil {
		hook(itemID)
	}
	return feed.SubmissionDetail{Code: "class Solution {}", RuntimeMs: 4, TotalCases: 10, PassedCases: 10}, nil
}

func (c *fakeCollab) Session(ctx context.Context) (feed.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCalls++
	return feed.Session{ID: "s-1", Name: "default"}, nil
}

type fixture struct {
	kv      *kvstore.Memory
	chunks  *archive.MemoryChunks
	repo    *archive.Repository
	clock   *clock.Fake
	feed    *fakeFeed
	collab  *fakeCollab
	metrics *Metrics
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(testNow)
	kv := kvstore.NewMemory()
	chunks := archive.NewMemoryChunks()
	repo := archive.NewRepository(kv, chunks, fake, nil)
	f := &fixture{
		kv:      kv,
		chunks:  chunks,
		repo:    repo,
		clock:   fake,
		feed:    &fakeFeed{pageSize: 50},
		collab:  newFakeCollab(),
		metrics: NewMetrics(nil),
	}
	enricher := NewEnricher(EnricherOptions{Collaborators: f.collab, Repo: repo, Clock: fake, Metrics: f.metrics})
	orch, err := NewOrchestrator(Options{
		Repo:     repo,
		Feed:     f.feed,
		Enricher: enricher,
		Clock:    fake,
		Metrics:  f.metrics,
		NewLease: func(userID string) (Lease, error) {
			l, err := lease.New(kv, userID, lease.Options{Clock: fake, Rand: mathrand.New(mathrand.NewSource(7))})
			if err != nil {
				return nil, err
			}
			return l, nil
		},
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

// addItems appends n submissions spaced one minute apart starting at
// start, cycling over three subjects. Even-numbered items are accepted.
func (f *fixture) addItems(prefix string, n int, start time.Time) {
	f.feed.mu.Lock()
	defer f.feed.mu.Unlock()
	subjects := []string{"two-sum", "lru-cache", "word-ladder"}
	for i := 0; i < n; i++ {
		status := "Wrong Answer"
		if i%2 == 0 {
			status = archive.StatusAccepted
		}
		f.feed.items = append(f.feed.items, feed.Submission{
			ID:        fmt.Sprintf("%s-%03d", prefix, i),
			SubjectID: subjects[i%len(subjects)],
			Status:    status,
			Lang:      "golang",
			Timestamp: start.Add(time.Duration(i) * time.Minute).UnixMilli(),
		})
	}
}

func (f *fixture) leaseRecord(t *testing.T) lease.Record {
	t.Helper()
	var record lease.Record
	_, err := kvstore.GetJSON(context.Background(), f.kv, lease.Key("alice"), &record)
	require.NoError(t, err)
	return record
}

func countSleeps(sleeps []time.Duration, d time.Duration) int {
	n := 0
	for _, s := range sleeps {
		if s == d {
			n++
		}
	}
	return n
}
