// Package mirror runs a user's sync: it takes the lease, pulls new feed
// items, enriches the recent ones, appends everything to the archive and
// falls back to backfill when there is nothing new.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/backfill"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/feed"
	"github.com/agentworkforce/relaytrail/internal/lease"
)

const (
	DefaultHorizon         = 90 * 24 * time.Hour
	DefaultResetTolerance  = 5
	DefaultRecentWindow    = 60 * time.Second
	DefaultConfirmInterval = 2 * time.Second
	DefaultConfirmTimeout  = 30 * time.Second
	DefaultSafetyMargin    = 30 * time.Second
	DefaultPauseEvery      = 20
	DefaultPause           = 2 * time.Second
	releaseTimeout         = 10 * time.Second
)

var (
	// ErrDataSourceInconsistency means the platform reported fewer items
	// than were already mirrored. Local state is purged when it happens.
	ErrDataSourceInconsistency = errors.New("remote total shrank below mirrored total")
	// ErrItemBudgetExceeded means enriching one item took long enough that
	// the lease may have expired underneath it.
	ErrItemBudgetExceeded = errors.New("item enrichment exceeded lease budget")
)

type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeLockHeld       Outcome = "lock_held"
	OutcomeResetMismatch  Outcome = "reset_due_to_mismatch"
	OutcomeLockLost       Outcome = "lock_lost"
	OutcomeFetchExhausted Outcome = "fetch_exhausted"
	OutcomeFailed         Outcome = "failed"
)

type Result struct {
	Success     bool
	NewCount    int
	IsFirstSync bool
	Solves      int
	Outcome     Outcome
	Backfill    *backfill.Result
	Err         error
}

// Lease is the subset of lease.Lock a run needs.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	HeartbeatOrFail(ctx context.Context, op string) error
	Release(ctx context.Context) error
	Timeout() time.Duration
}

type Options struct {
	Repo     *archive.Repository
	Feed     feed.Feed
	Enricher *Enricher
	// NewLease builds the lease guarding userID's sync.
	NewLease func(userID string) (Lease, error)

	Horizon         time.Duration
	ResetTolerance  int
	RecentWindow    time.Duration
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
	SafetyMargin    time.Duration
	PauseEvery      int
	Pause           time.Duration
	BackfillBatch   int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

type Orchestrator struct {
	repo     *archive.Repository
	feed     feed.Feed
	enricher *Enricher
	newLease func(userID string) (Lease, error)
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics

	mu     sync.Mutex
	leases map[string]Lease
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Repo == nil || opts.Feed == nil || opts.NewLease == nil {
		return nil, errors.New("orchestrator requires a repository, a feed and a lease factory")
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.ResetTolerance < 0 {
		opts.ResetTolerance = 0
	} else if opts.ResetTolerance == 0 {
		opts.ResetTolerance = DefaultResetTolerance
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	if opts.ConfirmInterval <= 0 {
		opts.ConfirmInterval = DefaultConfirmInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.PauseEvery <= 0 {
		opts.PauseEvery = DefaultPauseEvery
	}
	if opts.Pause <= 0 {
		opts.Pause = DefaultPause
	}
	if opts.BackfillBatch <= 0 {
		opts.BackfillBatch = backfill.DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := clock.OrReal(opts.Clock)
	enricher := opts.Enricher
	if enricher == nil {
		enricher = NewEnricher(EnricherOptions{Repo: opts.Repo, Clock: clk, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	return &Orchestrator{
		repo:     opts.Repo,
		feed:     opts.Feed,
		enricher: enricher,
		newLease: opts.NewLease,
		opts:     opts,
		clock:    clk,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		leases:   map[string]Lease{},
	}, nil
}

// Sync runs one sync for userID. It never panics on a lost lease; the
// outcome is reported in the Result and the lease is always released.
func (o *Orchestrator) Sync(ctx context.Context, userID string) Result {
	result := o.sync(ctx, userID)
	o.metrics.observeRun(result.Outcome)
	attrs := []any{"user", userID, "outcome", result.Outcome, "new", result.NewCount, "solves", result.Solves}
	switch {
	case result.Err == nil:
		o.logger.Info("sync finished", attrs...)
	case result.Outcome == OutcomeLockHeld:
		o.logger.Debug("sync skipped", attrs...)
	default:
		o.logger.Error("sync failed", append(attrs, "err", result.Err)...)
	}
	return result
}

func (o *Orchestrator) sync(ctx context.Context, userID string) Result {
	lock, err := o.leaseFor(userID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return Result{Outcome: classify(err), Err: fmt.Errorf("acquire lease: %w", err)}
	}
	if !acquired {
		return Result{Outcome: OutcomeLockHeld, Err: lease.ErrLockUnavailable}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			o.logger.Warn("lease release failed", "user", userID, "err", err)
		}
	}()

	o.enricher.forgetSession()
	result, err := o.run(ctx, userID, lock)
	if err != nil {
		result.Success = false
		result.Err = err
		if result.Outcome == "" {
			result.Outcome = classify(err)
		}
		return result
	}
	result.Success = true
	result.Outcome = OutcomeOK
	return result
}

func (o *Orchestrator) run(ctx context.Context, userID string, lock Lease) (Result, error) {
	manifest, err := o.repo.LoadManifest(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load manifest: %w", err)
	}
	seen, err := o.repo.LoadSeen(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load seen cache: %w", err)
	}
	visits, err := o.repo.LoadVisits(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load visits: %w", err)
	}
	result := Result{IsFirstSync: manifest.IsEmpty()}

	items, remoteTotal, err := o.fetch(ctx, userID, manifest.Cursor, lock)
	if err != nil {
		return result, err
	}

	if remoteTotal != nil && manifest.RemoteTotal > 0 && *remoteTotal < manifest.RemoteTotal-o.opts.ResetTolerance {
		o.logger.Warn("remote total shrank, purging mirror", "user", userID, "remote_total", *remoteTotal, "recorded_total", manifest.RemoteTotal)
		if err := o.repo.Purge(ctx, userID); err != nil {
			return result, fmt.Errorf("purge after mismatch: %w", err)
		}
		result.Outcome = OutcomeResetMismatch
		return result, fmt.Errorf("%w: remote %d, recorded %d", ErrDataSourceInconsistency, *remoteTotal, manifest.RemoteTotal)
	}

	if len(items) == 0 {
		manifest.LastSyncAt = o.clock.Now().UnixMilli()
		if remoteTotal != nil {
			manifest.RemoteTotal = *remoteTotal
		}
		if err := o.repo.SaveManifest(ctx, userID, manifest); err != nil {
			return result, fmt.Errorf("save manifest: %w", err)
		}
		processor := backfill.NewProcessor(o.repo, lock, o.enricher, o.clock, o.logger)
		processed, err := processor.Process(ctx, userID, o.opts.BackfillBatch)
		o.metrics.addBackfilled(processed.Processed)
		result.Backfill = &processed
		if err != nil {
			return result, fmt.Errorf("backfill: %w", err)
		}
		return result, nil
	}

	o.confirmRecent(ctx, items)

	if err := o.archive(ctx, userID, lock, &manifest, seen, visits, items, &result); err != nil {
		return result, err
	}
	if remoteTotal != nil {
		manifest.RemoteTotal = *remoteTotal
	}
	manifest.LastSyncAt = o.clock.Now().UnixMilli()
	if err := o.repo.SaveManifest(ctx, userID, manifest); err != nil {
		return result, fmt.Errorf("save manifest: %w", err)
	}
	if err := o.repo.SaveSeen(ctx, userID, seen); err != nil {
		return result, fmt.Errorf("save seen cache: %w", err)
	}
	return result, nil
}

// archive appends items in ascending timestamp order. Items inside the
// horizon are enriched between two lease heartbeats; older ones are stored
// bare and queued for backfill by the writer.
func (o *Orchestrator) archive(ctx context.Context, userID string, lock Lease, manifest *archive.Manifest, seen archive.SeenCache, visits archive.VisitLog, items []feed.Submission, result *Result) error {
	writer, err := o.repo.OpenWriter(ctx, userID, manifest)
	if err != nil {
		return err
	}
	cutoff := o.clock.Now().Add(-o.opts.Horizon).UnixMilli()
	budget := lock.Timeout() - o.opts.SafetyMargin
	var enriched, deferred int

	for _, sub := range items {
		item := archive.Item{
			ID:        sub.ID,
			SubjectID: sub.SubjectID,
			Status:    sub.Status,
			Lang:      sub.Lang,
			Timestamp: sub.Timestamp,
		}
		if item.Timestamp < cutoff {
			item.Deferred = true
			deferred++
		} else {
			if err := o.enrichGuarded(ctx, userID, lock, budget, &item, seen, visits); err != nil {
				return err
			}
			enriched++
			if enriched%o.opts.PauseEvery == 0 {
				if err := o.clock.Sleep(ctx, o.opts.Pause); err != nil {
					return err
				}
			}
		}
		if item.Accepted() {
			result.Solves++
		}

		index, err := writer.Append(ctx, item)
		if err != nil {
			return fmt.Errorf("append item %s: %w", item.ID, err)
		}
		result.NewCount++
		if writer.ActiveIndex() != index {
			if err := o.repo.SaveSeen(ctx, userID, seen); err != nil {
				return fmt.Errorf("save seen cache: %w", err)
			}
		}
	}
	if err := writer.Flush(ctx); err != nil {
		return err
	}
	o.metrics.addEnriched(enriched)
	o.metrics.addDeferred(deferred)
	return nil
}

func (o *Orchestrator) enrichGuarded(ctx context.Context, userID string, lock Lease, budget time.Duration, item *archive.Item, seen archive.SeenCache, visits archive.VisitLog) error {
	op := "enrich item " + item.ID
	if err := lock.HeartbeatOrFail(ctx, op); err != nil {
		return err
	}
	started := o.clock.Now()
	itemCtx, cancel := context.WithTimeout(ctx, budget)
	err := o.enricher.Enrich(itemCtx, userID, item, seen, visits)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil || o.clock.Now().Sub(started) > budget {
		return fmt.Errorf("%w: item %s", ErrItemBudgetExceeded, item.ID)
	}
	return lock.HeartbeatOrFail(ctx, op)
}

// fetch pages through the feed from cursor and returns new items sorted
// oldest first, along with the first total count the feed reported.
func (o *Orchestrator) fetch(ctx context.Context, userID string, cursor int64, lock Lease) ([]feed.Submission, *int, error) {
	var (
		items []feed.Submission
		total *int
		token string
		seen  = map[string]bool{}
	)
	var after time.Time
	if cursor > 0 {
		after = time.UnixMilli(cursor).UTC()
	}
	for page := 0; ; page++ {
		if page > 0 {
			if err := lock.HeartbeatOrFail(ctx, "fetch page"); err != nil {
				return nil, nil, err
			}
		}
		resp, err := o.feed.ListSince(ctx, userID, after, token)
		if err != nil {
			return nil, nil, fmt.Errorf("list feed: %w", err)
		}
		if total == nil && resp.TotalCount != nil {
			count := *resp.TotalCount
			total = &count
		}
		for _, sub := range resp.Items {
			if sub.Timestamp <= cursor || seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			items = append(items, sub)
		}
		if resp.NextCursor == "" || resp.NextCursor == token {
			break
		}
		token = resp.NextCursor
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp < items[j].Timestamp })
	return items, total, nil
}

// confirmRecent re-checks the newest item when it is young enough that
// its status may still be pending, polling until the judge finishes or
// the confirm timeout passes. Failures keep the reported status.
func (o *Orchestrator) confirmRecent(ctx context.Context, items []feed.Submission) {
	newest := &items[len(items)-1]
	if o.clock.Now().Sub(newest.Time()) >= o.opts.RecentWindow {
		return
	}
	deadline := o.clock.Now().Add(o.opts.ConfirmTimeout)
	for {
		check, err := o.feed.CheckStatus(ctx, newest.ID)
		if err != nil {
			o.logger.Warn("status confirmation failed", "item", newest.ID, "err", err)
			return
		}
		if check.Terminal() {
			if check.Status != "" && check.Status != newest.Status {
				o.logger.Info("item status corrected", "item", newest.ID, "from", newest.Status, "to", check.Status)
				newest.Status = check.Status
			}
			return
		}
		if !o.clock.Now().Add(o.opts.ConfirmInterval).Before(deadline) {
			o.logger.Warn("status still pending after confirm timeout", "item", newest.ID)
			return
		}
		if err := o.clock.Sleep(ctx, o.opts.ConfirmInterval); err != nil {
			return
		}
	}
}

func (o *Orchestrator) leaseFor(userID string) (Lease, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.leases[userID]; ok {
		return l, nil
	}
	l, err := o.newLease(userID)
	if err != nil {
		return nil, fmt.Errorf("build lease: %w", err)
	}
	o.leases[userID] = l
	return l, nil
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, lease.ErrLockLost), errors.Is(err, ErrItemBudgetExceeded):
		return OutcomeLockLost
	case errors.Is(err, feed.ErrFetchExhausted):
		return OutcomeFetchExhausted
	case errors.Is(err, ErrDataSourceInconsistency):
		return OutcomeResetMismatch
	default:
		return OutcomeFailed
	}
}
