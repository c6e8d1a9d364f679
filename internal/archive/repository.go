package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/kvstore"
)

var ErrChunkNotFound = errors.New("chunk not found")

// ChunkStore persists chunks. Chunks can grow large, so they live in the
// document store rather than the key-value store.
type ChunkStore interface {
	LoadChunk(ctx context.Context, userID string, index int) ([]Item, bool, error)
	SaveChunk(ctx context.Context, userID string, index int, items []Item) error
	DeleteChunks(ctx context.Context, userID string) error
}

func ManifestKey(userID string) string { return "manifest:" + userID }
func SeenKey(userID string) string     { return "seen:" + userID }
func BackfillKey(userID string) string { return "backfill:" + userID }
func VisitsKey(userID string) string   { return "visits:" + userID }

type Repository struct {
	kv     kvstore.Store
	chunks ChunkStore
	clock  clock.Clock
	logger *slog.Logger
}

func NewRepository(kv kvstore.Store, chunks ChunkStore, clk clock.Clock, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Repository{kv: kv, chunks: chunks, clock: clock.OrReal(clk), logger: logger}
}

func (r *Repository) LoadManifest(ctx context.Context, userID string) (Manifest, error) {
	manifest := Manifest{ChunkRanges: []ChunkRange{}}
	if _, err := kvstore.GetJSON(ctx, r.kv, ManifestKey(userID), &manifest); err != nil {
		return Manifest{}, err
	}
	if manifest.ChunkRanges == nil {
		manifest.ChunkRanges = []ChunkRange{}
	}
	return manifest, nil
}

func (r *Repository) SaveManifest(ctx context.Context, userID string, manifest Manifest) error {
	return kvstore.SetJSON(ctx, r.kv, ManifestKey(userID), manifest)
}

func (r *Repository) LoadSeen(ctx context.Context, userID string) (SeenCache, error) {
	seen := SeenCache{}
	if _, err := kvstore.GetJSON(ctx, r.kv, SeenKey(userID), &seen); err != nil {
		return nil, err
	}
	if seen == nil {
		seen = SeenCache{}
	}
	return seen, nil
}

func (r *Repository) SaveSeen(ctx context.Context, userID string, seen SeenCache) error {
	return kvstore.SetJSON(ctx, r.kv, SeenKey(userID), seen)
}

func (r *Repository) LoadBackfill(ctx context.Context, userID string) ([]BackfillItem, error) {
	queue := []BackfillItem{}
	if _, err := kvstore.GetJSON(ctx, r.kv, BackfillKey(userID), &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (r *Repository) SaveBackfill(ctx context.Context, userID string, queue []BackfillItem) error {
	if queue == nil {
		queue = []BackfillItem{}
	}
	return kvstore.SetJSON(ctx, r.kv, BackfillKey(userID), queue)
}

// EnqueueBackfill appends items to the tail of the queue, skipping ids
// that are already queued.
func (r *Repository) EnqueueBackfill(ctx context.Context, userID string, items ...BackfillItem) error {
	if len(items) == 0 {
		return nil
	}
	queue, err := r.LoadBackfill(ctx, userID)
	if err != nil {
		return err
	}
	queued := make(map[string]bool, len(queue))
	for _, item := range queue {
		queued[item.ItemID] = true
	}
	for _, item := range items {
		if queued[item.ItemID] {
			continue
		}
		queued[item.ItemID] = true
		queue = append(queue, item)
	}
	return r.SaveBackfill(ctx, userID, queue)
}

// LoadVisits returns the visit log pruned to the rolling window.
func (r *Repository) LoadVisits(ctx context.Context, userID string) (VisitLog, error) {
	visits := VisitLog{}
	if _, err := kvstore.GetJSON(ctx, r.kv, VisitsKey(userID), &visits); err != nil {
		return nil, err
	}
	return visits.Prune(r.clock.Now()), nil
}

// RecordVisit appends a visit to subjectID and prunes the log.
func (r *Repository) RecordVisit(ctx context.Context, userID, subjectID string, at time.Time) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return kvstore.ErrInvalidInput
	}
	visits, err := r.LoadVisits(ctx, userID)
	if err != nil {
		return err
	}
	visits = visits.Add(subjectID, at).Prune(r.clock.Now())
	return kvstore.SetJSON(ctx, r.kv, VisitsKey(userID), visits)
}

func (r *Repository) LoadChunk(ctx context.Context, userID string, index int) ([]Item, error) {
	items, ok, err := r.chunks.LoadChunk(ctx, userID, index)
	if err != nil {
		return nil, fmt.Errorf("load chunk %d: %w", index, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChunkNotFound, index)
	}
	return items, nil
}

func (r *Repository) SaveChunk(ctx context.Context, userID string, index int, items []Item) error {
	if len(items) > ChunkCapacity {
		return fmt.Errorf("%w: chunk %d holds %d items", kvstore.ErrInvalidInput, index, len(items))
	}
	if err := r.chunks.SaveChunk(ctx, userID, index, items); err != nil {
		return fmt.Errorf("save chunk %d: %w", index, err)
	}
	return nil
}

// Purge removes the manifest, chunks, backfill queue and seen cache. The
// visit log is kept because it describes the local user, not the feed.
func (r *Repository) Purge(ctx context.Context, userID string) error {
	if err := r.chunks.DeleteChunks(ctx, userID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := r.kv.Remove(ctx, ManifestKey(userID), BackfillKey(userID), SeenKey(userID)); err != nil {
		return fmt.Errorf("remove archive keys: %w", err)
	}
	r.logger.Warn("archive purged", "user", userID)
	return nil
}
