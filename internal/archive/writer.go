package archive

import (
	"context"
	"fmt"
)

// Writer appends items to a user's active chunk. Items must be appended
// in ascending timestamp order. Flush persists the active chunk, then
// queued backfill entries, then the manifest with the advanced cursor.
type Writer struct {
	repo     *Repository
	userID   string
	manifest *Manifest

	index   int
	items   []Item
	ids     map[string]bool
	pending pendingCounters
	backlog []BackfillItem
}

type pendingCounters struct {
	appended int
	enriched int
	deferred int
	cursor   int64
}

// OpenWriter positions a writer on the last chunk named by the manifest,
// or on a fresh chunk when that one is full. A chunk left behind by an
// interrupted run beyond the manifest's count is overwritten, and items
// beyond the recorded count of the active chunk are dropped because the
// cursor never covered them.
func (r *Repository) OpenWriter(ctx context.Context, userID string, manifest *Manifest) (*Writer, error) {
	w := &Writer{repo: r, userID: userID, manifest: manifest, ids: map[string]bool{}}
	if manifest.ChunkCount == 0 {
		return w, nil
	}
	last := manifest.ChunkCount - 1
	rng, ok := manifest.Range(last)
	if !ok || rng.Count >= ChunkCapacity {
		w.index = manifest.ChunkCount
		return w, nil
	}
	items, found, err := r.chunks.LoadChunk(ctx, userID, last)
	if err != nil {
		return nil, fmt.Errorf("load active chunk %d: %w", last, err)
	}
	if !found {
		r.logger.Warn("active chunk missing, starting fresh", "user", userID, "chunk", last)
		items = nil
	}
	if len(items) > rng.Count {
		r.logger.Warn("dropping uncommitted items from active chunk", "user", userID, "chunk", last, "extra", len(items)-rng.Count)
		items = items[:rng.Count]
	}
	w.index = last
	w.items = items
	for _, it := range items {
		w.ids[it.ID] = true
	}
	return w, nil
}

// ActiveIndex is the chunk the next appended item lands in.
func (w *Writer) ActiveIndex() int { return w.index }

// Append adds item to the active chunk and returns the chunk index it was
// stored in. A full chunk is flushed before Append returns.
func (w *Writer) Append(ctx context.Context, item Item) (int, error) {
	if w.ids[item.ID] {
		return w.index, nil
	}
	index := w.index
	w.items = append(w.items, item)
	w.ids[item.ID] = true
	w.pending.appended++
	if item.Enriched {
		w.pending.enriched++
	}
	if item.Deferred {
		w.pending.deferred++
		w.backlog = append(w.backlog, BackfillItem{
			ItemID:     item.ID,
			ChunkIndex: index,
			QueuedAt:   w.repo.clock.Now().UnixMilli(),
		})
	}
	if item.Timestamp > w.pending.cursor {
		w.pending.cursor = item.Timestamp
	}
	if len(w.items) >= ChunkCapacity {
		if err := w.Flush(ctx); err != nil {
			return index, err
		}
		w.index++
		w.items = nil
		w.ids = map[string]bool{}
	}
	return index, nil
}

// Flush persists pending work. It is a no-op when nothing was appended
// since the last flush.
func (w *Writer) Flush(ctx context.Context) error {
	if w.pending.appended == 0 {
		return nil
	}
	if err := w.repo.SaveChunk(ctx, w.userID, w.index, w.items); err != nil {
		return err
	}

	rng := ChunkRange{Index: w.index, Count: len(w.items)}
	if len(w.items) > 0 {
		rng.FromTs = w.items[0].Timestamp
		rng.ToTs = w.items[len(w.items)-1].Timestamp
	}
	next := *w.manifest
	next.ChunkRanges = append([]ChunkRange(nil), w.manifest.ChunkRanges...)
	next.recordRange(rng)

	if len(w.backlog) > 0 {
		if err := w.repo.EnqueueBackfill(ctx, w.userID, w.backlog...); err != nil {
			return fmt.Errorf("queue backfill: %w", err)
		}
	}

	next.TotalItems += w.pending.appended
	next.TotalEnriched += w.pending.enriched
	next.SkippedForBackfill += w.pending.deferred
	next.AdvanceCursor(w.pending.cursor)
	if err := w.repo.SaveManifest(ctx, w.userID, next); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	*w.manifest = next
	w.pending = pendingCounters{}
	w.backlog = nil
	return nil
}
