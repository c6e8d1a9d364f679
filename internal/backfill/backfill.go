// Package backfill enriches archived items that were older than the
// enrichment horizon when they were first synced.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/lease"
)

const DefaultBatchSize = 20

// Guard confirms the caller still holds the sync lease.
type Guard interface {
	HeartbeatOrFail(ctx context.Context, op string) error
}

// Enricher fills in an archived item in place. Partial enrichment is not
// an error; only conditions that must stop the batch are returned.
type Enricher interface {
	EnrichItem(ctx context.Context, userID string, item *archive.Item) error
}

type Result struct {
	Processed int
	NotFound  int
	Remaining int
}

type Processor struct {
	repo     *archive.Repository
	guard    Guard
	enricher Enricher
	clock    clock.Clock
	logger   *slog.Logger
}

func NewProcessor(repo *archive.Repository, guard Guard, enricher Enricher, clk clock.Clock, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{repo: repo, guard: guard, enricher: enricher, clock: clock.OrReal(clk), logger: logger}
}

type chunkGroup struct {
	index   int
	entries []archive.BackfillItem
}

// Process enriches up to maxBatch of the oldest queued items. Items are
// grouped by chunk so each chunk is read and written once. Only items
// whose chunk was written back, or whose chunk or item no longer exists,
// leave the queue. A lost lease stops the batch and is returned without
// touching the queue or the manifest.
func (p *Processor) Process(ctx context.Context, userID string, maxBatch int) (Result, error) {
	if maxBatch <= 0 {
		maxBatch = DefaultBatchSize
	}
	queue, err := p.repo.LoadBackfill(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load backfill queue: %w", err)
	}
	if len(queue) == 0 {
		return Result{}, nil
	}
	batch := queue[:min(maxBatch, len(queue))]

	var result Result
	done := map[string]bool{}
	runErr := p.processGroups(ctx, userID, groupByChunk(batch), done, &result)
	if errors.Is(runErr, lease.ErrLockLost) {
		// The new holder owns the queue and manifest now. Entries of chunks
		// already saved stay queued and are re-run harmlessly.
		result.Remaining = len(queue) - len(done)
		p.logger.Warn("backfill stopped, lease lost", "user", userID, "processed", result.Processed)
		return result, runErr
	}

	remaining := make([]archive.BackfillItem, 0, len(queue))
	for _, entry := range queue {
		if !done[entry.ItemID] {
			remaining = append(remaining, entry)
		}
	}
	result.Remaining = len(remaining)
	if len(done) > 0 {
		if err := p.repo.SaveBackfill(ctx, userID, remaining); err != nil {
			return result, errors.Join(runErr, fmt.Errorf("save backfill queue: %w", err))
		}
	}

	if result.Processed > 0 {
		manifest, err := p.repo.LoadManifest(ctx, userID)
		if err != nil {
			return result, errors.Join(runErr, err)
		}
		manifest.LastBackfillAt = p.clock.Now().UnixMilli()
		manifest.TotalEnriched += result.Processed
		if err := p.repo.SaveManifest(ctx, userID, manifest); err != nil {
			return result, errors.Join(runErr, fmt.Errorf("save manifest: %w", err))
		}
	}
	p.logger.Info("backfill batch finished", "user", userID, "processed", result.Processed, "not_found", result.NotFound, "remaining", result.Remaining)
	return result, runErr
}

func (p *Processor) processGroups(ctx context.Context, userID string, groups []chunkGroup, done map[string]bool, result *Result) error {
	for _, group := range groups {
		items, err := p.repo.LoadChunk(ctx, userID, group.index)
		if errors.Is(err, archive.ErrChunkNotFound) {
			p.logger.Warn("backfill chunk missing", "user", userID, "chunk", group.index)
			for _, entry := range group.entries {
				done[entry.ItemID] = true
				result.NotFound++
			}
			continue
		}
		if err != nil {
			return err
		}

		position := make(map[string]int, len(items))
		for i, item := range items {
			position[item.ID] = i
		}
		var attempted []string
		var enriched int
		var abortErr error
		for _, entry := range group.entries {
			if err := p.guard.HeartbeatOrFail(ctx, "backfill item "+entry.ItemID); err != nil {
				abortErr = err
				break
			}
			i, ok := position[entry.ItemID]
			if !ok {
				p.logger.Warn("backfill item missing from chunk", "user", userID, "chunk", group.index, "item", entry.ItemID)
				done[entry.ItemID] = true
				result.NotFound++
				continue
			}
			if err := p.enricher.EnrichItem(ctx, userID, &items[i]); err != nil {
				abortErr = err
				break
			}
			if err := p.guard.HeartbeatOrFail(ctx, "backfill item "+entry.ItemID); err != nil {
				abortErr = err
				break
			}
			attempted = append(attempted, entry.ItemID)
			enriched++
		}

		// A lost lease means another holder may be writing this chunk.
		if abortErr != nil && !safeToPersist(abortErr) {
			return abortErr
		}
		if enriched > 0 {
			if err := p.repo.SaveChunk(ctx, userID, group.index, items); err != nil {
				return errors.Join(abortErr, err)
			}
			for _, id := range attempted {
				done[id] = true
			}
			result.Processed += enriched
		}
		if abortErr != nil {
			return abortErr
		}
	}
	return nil
}

// safeToPersist reports whether work done before err may still be
// written. Only cancellation qualifies; the lease is still ours then.
func safeToPersist(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func groupByChunk(batch []archive.BackfillItem) []chunkGroup {
	byIndex := map[int]*chunkGroup{}
	var order []int
	for _, entry := range batch {
		group, ok := byIndex[entry.ChunkIndex]
		if !ok {
			group = &chunkGroup{index: entry.ChunkIndex}
			byIndex[entry.ChunkIndex] = group
			order = append(order, entry.ChunkIndex)
		}
		group.entries = append(group.entries, entry)
	}
	sort.Ints(order)
	groups := make([]chunkGroup, 0, len(order))
	for _, index := range order {
		groups = append(groups, *byIndex[index])
	}
	return groups
}
