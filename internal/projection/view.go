// Package projection is the read-only outbound view of a user's mirror:
// an HTTP API, a websocket stream of new entries and a FUSE mount.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/lease"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

// ChunkIndexer narrows which chunks may hold items at or after since.
// Without one the manifest's chunk ranges are used.
type ChunkIndexer interface {
	ChunkIndexesSince(ctx context.Context, userID string, since int64) ([]int, error)
}

// SummarySource lists snapshot series active since a time.
type SummarySource interface {
	Summaries(ctx context.Context, userID string, since time.Time) ([]snapshot.SeriesSummary, error)
}

// LeaseInspector reads the stored lease without taking it.
type LeaseInspector interface {
	Current(ctx context.Context) (lease.Record, bool, error)
}

// View is everything recorded after Since.
type View struct {
	UserID    string                   `json:"userId"`
	Since     int64                    `json:"since"`
	Cursor    int64                    `json:"cursor"`
	Manifest  archive.Manifest         `json:"manifest"`
	Items     []archive.Item           `json:"items"`
	Snapshots []snapshot.SeriesSummary `json:"snapshots"`
}

type Status struct {
	UserID         string        `json:"userId"`
	Lease          *lease.Record `json:"lease,omitempty"`
	LeaseHeld      bool          `json:"leaseHeld"`
	Cursor         int64         `json:"cursor"`
	ChunkCount     int           `json:"chunkCount"`
	TotalItems     int           `json:"totalItems"`
	TotalEnriched  int           `json:"totalEnriched"`
	BackfillQueued int           `json:"backfillQueued"`
	LastSyncAt     int64         `json:"lastSyncAt,omitempty"`
	LastBackfillAt int64         `json:"lastBackfillAt,omitempty"`
}

type SourceOptions struct {
	Repo      *archive.Repository
	Indexer   ChunkIndexer
	Summaries SummarySource
	// Leases returns the lease of userID for inspection.
	Leases       func(userID string) (LeaseInspector, error)
	LeaseTimeout time.Duration
	Now          func() time.Time
}

// Source assembles views from the archive and the snapshot engine.
type Source struct {
	opts SourceOptions
}

func NewSource(opts SourceOptions) (*Source, error) {
	if opts.Repo == nil {
		return nil, errors.New("projection source requires a repository")
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = lease.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Source{opts: opts}, nil
}

// Since returns items with a timestamp after since, oldest first, and
// snapshot series active at or after it. since 0 returns everything.
func (s *Source) Since(ctx context.Context, userID string, since int64) (View, error) {
	manifest, err := s.opts.Repo.LoadManifest(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("load manifest: %w", err)
	}
	view := View{UserID: userID, Since: since, Cursor: since, Manifest: manifest, Items: []archive.Item{}, Snapshots: []snapshot.SeriesSummary{}}

	indexes, err := s.chunkIndexes(ctx, userID, manifest, since)
	if err != nil {
		return View{}, err
	}
	for _, index := range indexes {
		items, err := s.opts.Repo.LoadChunk(ctx, userID, index)
		if errors.Is(err, archive.ErrChunkNotFound) {
			continue
		}
		if err != nil {
			return View{}, err
		}
		for _, item := range committed(manifest, index, items) {
			if item.Timestamp <= since {
				continue
			}
			view.Items = append(view.Items, item)
			if item.Timestamp > view.Cursor {
				view.Cursor = item.Timestamp
			}
		}
	}

	view.Snapshots, err = s.SnapshotsSince(ctx, userID, since)
	if err != nil {
		return View{}, err
	}
	return view, nil
}

// SnapshotsSince lists snapshot series with activity after since.
func (s *Source) SnapshotsSince(ctx context.Context, userID string, since int64) ([]snapshot.SeriesSummary, error) {
	out := []snapshot.SeriesSummary{}
	if s.opts.Summaries == nil {
		return out, nil
	}
	var from time.Time
	if since > 0 {
		from = time.UnixMilli(since + 1).UTC()
	}
	summaries, err := s.opts.Summaries.Summaries(ctx, userID, from)
	if err != nil {
		return nil, fmt.Errorf("list snapshot series: %w", err)
	}
	return append(out, summaries...), nil
}

func (s *Source) chunkIndexes(ctx context.Context, userID string, manifest archive.Manifest, since int64) ([]int, error) {
	if s.opts.Indexer != nil {
		indexes, err := s.opts.Indexer.ChunkIndexesSince(ctx, userID, since+1)
		if err != nil {
			return nil, fmt.Errorf("index chunks: %w", err)
		}
		// A chunk written by a run that died before its manifest update is
		// not part of the archive yet.
		kept := indexes[:0]
		for _, index := range indexes {
			if index < manifest.ChunkCount {
				kept = append(kept, index)
			}
		}
		return kept, nil
	}
	var indexes []int
	for i := 0; i < manifest.ChunkCount; i++ {
		if rng, ok := manifest.Range(i); ok && rng.Count > 0 && rng.ToTs <= since {
			continue
		}
		indexes = append(indexes, i)
	}
	return indexes, nil
}

// Manifest returns the stored manifest of userID.
func (s *Source) Manifest(ctx context.Context, userID string) (archive.Manifest, error) {
	return s.opts.Repo.LoadManifest(ctx, userID)
}

// Chunk returns the committed items of one stored chunk.
func (s *Source) Chunk(ctx context.Context, userID string, index int) ([]archive.Item, error) {
	manifest, err := s.opts.Repo.LoadManifest(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if index >= manifest.ChunkCount {
		return nil, fmt.Errorf("%w: %d", archive.ErrChunkNotFound, index)
	}
	items, err := s.opts.Repo.LoadChunk(ctx, userID, index)
	if err != nil {
		return nil, err
	}
	return committed(manifest, index, items), nil
}

// committed trims items to the count the manifest recorded for the chunk.
func committed(manifest archive.Manifest, index int, items []archive.Item) []archive.Item {
	rng, ok := manifest.Range(index)
	if !ok || index >= manifest.ChunkCount {
		return nil
	}
	if len(items) > rng.Count {
		return items[:rng.Count]
	}
	return items
}

func (s *Source) Status(ctx context.Context, userID string) (Status, error) {
	manifest, err := s.opts.Repo.LoadManifest(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("load manifest: %w", err)
	}
	queue, err := s.opts.Repo.LoadBackfill(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("load backfill queue: %w", err)
	}
	status := Status{
		UserID:         userID,
		Cursor:         manifest.Cursor,
		ChunkCount:     manifest.ChunkCount,
		TotalItems:     manifest.TotalItems,
		TotalEnriched:  manifest.TotalEnriched,
		BackfillQueued: len(queue),
		LastSyncAt:     manifest.LastSyncAt,
		LastBackfillAt: manifest.LastBackfillAt,
	}
	if s.opts.Leases == nil {
		return status, nil
	}
	inspector, err := s.opts.Leases(userID)
	if err != nil {
		return Status{}, fmt.Errorf("open lease: %w", err)
	}
	record, found, err := inspector.Current(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read lease: %w", err)
	}
	if found {
		status.Lease = &record
		status.LeaseHeld = record.Fresh(s.opts.Now(), s.opts.LeaseTimeout)
	}
	return status, nil
}
