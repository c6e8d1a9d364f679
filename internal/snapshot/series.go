package snapshot

import (
	"context"
	"sort"
	"sync"
)

// Snapshot is one entry of a (user, subject) version series. Entry 0 and
// every checkpoint entry carry FullContent; every other entry carries a
// patch against its predecessor.
type Snapshot struct {
	Seq            int     `json:"seq"`
	Timestamp      int64   `json:"timestamp"`
	Patch          string  `json:"patch,omitempty"`
	ChecksumBefore string  `json:"checksumBefore,omitempty"`
	ChecksumAfter  string  `json:"checksumAfter,omitempty"`
	FullContent    *string `json:"fullContent,omitempty"`
}

func (s Snapshot) IsCheckpoint() bool { return s.FullContent != nil }

// SeriesSummary describes a stored series without its contents.
type SeriesSummary struct {
	SubjectID string `json:"subjectId"`
	Count     int    `json:"count"`
	FirstAt   int64  `json:"firstAt"`
	LastAt    int64  `json:"lastAt"`
}

// SeriesStore persists snapshot series. Series are returned ordered by
// Seq.
type SeriesStore interface {
	LoadSeries(ctx context.Context, userID, subjectID string) ([]Snapshot, error)
	AppendSnapshot(ctx context.Context, userID, subjectID string, snap Snapshot) error
	ClearSeries(ctx context.Context, userID, subjectID string) error
	// Summaries lists series with activity at or after since (Unix ms).
	Summaries(ctx context.Context, userID string, since int64) ([]SeriesSummary, error)
}

type seriesKey struct {
	user    string
	subject string
}

// MemorySeries is a process-local SeriesStore.
type MemorySeries struct {
	mu     sync.Mutex
	series map[seriesKey][]Snapshot
}

func NewMemorySeries() *MemorySeries {
	return &MemorySeries{series: map[seriesKey][]Snapshot{}}
}

func (m *MemorySeries) LoadSeries(ctx context.Context, userID, subjectID string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.series[seriesKey{userID, subjectID}]
	out := make([]Snapshot, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemorySeries) AppendSnapshot(ctx context.Context, userID, subjectID string, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey{userID, subjectID}
	m.series[key] = append(m.series[key], snap)
	return nil
}

func (m *MemorySeries) ClearSeries(ctx context.Context, userID, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.series, seriesKey{userID, subjectID})
	return nil
}

func (m *MemorySeries) Summaries(ctx context.Context, userID string, since int64) ([]SeriesSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SeriesSummary
	for key, entries := range m.series {
		if key.user != userID || len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1].Timestamp
		if last < since {
			continue
		}
		out = append(out, SeriesSummary{
			SubjectID: key.subject,
			Count:     len(entries),
			FirstAt:   entries[0].Timestamp,
			LastAt:    last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}
