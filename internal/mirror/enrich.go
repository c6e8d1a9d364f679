package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/feed"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

// ErrEnrichmentPartial marks an item stored with some enrichment missing.
// It is logged and never ends a run.
var ErrEnrichmentPartial = errors.New("enrichment partially failed")

// TimingSource reports the editing history captured for a subject.
type TimingSource interface {
	Timing(ctx context.Context, userID, subjectID string, until time.Time) (snapshot.Timing, error)
}

type EnricherOptions struct {
	Collaborators feed.Collaborators
	Timing        TimingSource
	Repo          *archive.Repository
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Enricher fills in the supplementary fields of an item. Each collaborator
// is tried independently; a failing one is recorded on the item and the
// rest still run.
type Enricher struct {
	collab  feed.Collaborators
	timing  TimingSource
	repo    *archive.Repository
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	sessionMu sync.Mutex
	session   *archive.SessionInfo
}

func NewEnricher(opts EnricherOptions) *Enricher {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Enricher{
		collab:  opts.Collaborators,
		timing:  opts.Timing,
		repo:    opts.Repo,
		clock:   clock.OrReal(opts.Clock),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Enrich updates item in place using the run's seen cache and visit log.
// seen is updated with newly fetched subject details. The returned error
// is non-nil only when ctx ended.
func (e *Enricher) Enrich(ctx context.Context, userID string, item *archive.Item, seen archive.SeenCache, visits archive.VisitLog) error {
	var failures []string
	fail := func(source string, err error) {
		failures = append(failures, source+":"+feed.FailureCode(err))
		e.logger.Debug("enrichment source failed", "user", userID, "item", item.ID, "op", source, "err", err)
	}

	if info, ok := seen[item.SubjectID]; ok && info.DetailFetched {
		item.Subject = subjectFromSeen(info)
	} else if e.collab != nil {
		detail, err := e.collab.SubjectDetail(ctx, item.SubjectID)
		if err != nil {
			fail("subject", err)
		} else {
			info := archive.SeenSubject{
				Premium:       detail.Premium,
				DetailFetched: true,
				Title:         detail.Title,
				Difficulty:    detail.Difficulty,
				Tags:          detail.Tags,
				CheckedAt:     e.clock.Now().UnixMilli(),
			}
			if seen != nil {
				seen[item.SubjectID] = info
			}
			item.Subject = subjectFromSeen(info)
		}
	}

	if e.collab != nil {
		if note, err := e.collab.UserNote(ctx, item.SubjectID); err != nil {
			fail("note", err)
		} else {
			item.Note = note
		}

		if detail, err := e.collab.ItemDetail(ctx, item.ID); err != nil {
			fail("detail", err)
		} else {
			item.Detail = &archive.ItemDetail{
				Code:          detail.Code,
				RuntimeMs:     detail.RuntimeMs,
				MemoryKB:      detail.MemoryKB,
				RuntimeRank:   detail.RuntimePercentile,
				PassedCases:   detail.PassedCases,
				TotalCases:    detail.TotalCases,
				CompileError:  detail.CompileError,
				LastTestInput: detail.LastTestcase,
			}
		}

		if session, err := e.currentSession(ctx); err != nil {
			fail("session", err)
		} else {
			item.Session = session
		}
	}

	if e.timing != nil {
		timing, err := e.timing.Timing(ctx, userID, item.SubjectID, time.UnixMilli(item.Timestamp))
		if err != nil {
			fail("timing", err)
		} else if timing.Count > 0 {
			item.Timing = &archive.Timing{
				FirstSnapshotAt: timing.FirstAt,
				LastSnapshotAt:  timing.LastAt,
				Snapshots:       timing.Count,
			}
		}
	}

	if visit, ok := visits.LatestBefore(item.SubjectID, item.Timestamp); ok {
		item.WorkingTimeMs = item.Timestamp - visit.Ts
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	item.Enriched = true
	item.Deferred = false
	item.EnrichedAt = e.clock.Now().UnixMilli()
	item.FailureCodes = failures
	if len(failures) > 0 {
		e.metrics.incPartial()
		e.logger.Warn("item stored with partial enrichment", "user", userID, "item", item.ID,
			"err", fmt.Errorf("%w: %v", ErrEnrichmentPartial, failures))
	}
	return nil
}

// EnrichItem enriches a single archived item, loading and saving the
// user's seen cache and visit log around it. Backfill uses it.
func (e *Enricher) EnrichItem(ctx context.Context, userID string, item *archive.Item) error {
	if e.repo == nil {
		return e.Enrich(ctx, userID, item, archive.SeenCache{}, nil)
	}
	seen, err := e.repo.LoadSeen(ctx, userID)
	if err != nil {
		return fmt.Errorf("load seen cache: %w", err)
	}
	visits, err := e.repo.LoadVisits(ctx, userID)
	if err != nil {
		return fmt.Errorf("load visits: %w", err)
	}
	before := len(seen)
	if err := e.Enrich(ctx, userID, item, seen, visits); err != nil {
		return err
	}
	if len(seen) != before {
		if err := e.repo.SaveSeen(ctx, userID, seen); err != nil {
			return fmt.Errorf("save seen cache: %w", err)
		}
	}
	return nil
}

// forgetSession drops the cached session so the next run fetches it again.
func (e *Enricher) forgetSession() {
	e.sessionMu.Lock()
	e.session = nil
	e.sessionMu.Unlock()
}

func (e *Enricher) currentSession(ctx context.Context) (*archive.SessionInfo, error) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	if e.session != nil {
		copied := *e.session
		return &copied, nil
	}
	session, err := e.collab.Session(ctx)
	if err != nil {
		return nil, err
	}
	e.session = &archive.SessionInfo{ID: session.ID, Name: session.Name}
	copied := *e.session
	return &copied, nil
}

func subjectFromSeen(info archive.SeenSubject) *archive.SubjectInfo {
	return &archive.SubjectInfo{
		Title:      info.Title,
		Difficulty: info.Difficulty,
		Premium:    info.Premium,
		Tags:       info.Tags,
	}
}
