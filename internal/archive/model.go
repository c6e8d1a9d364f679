// Package archive holds the durable per-user archive: the manifest,
// fixed-capacity chunks of items, the backfill queue, the seen-subject
// cache and the rolling visit log.
package archive

import (
	"sort"
	"time"
)

// ChunkCapacity is the maximum number of items in one chunk.
const ChunkCapacity = 100

// VisitWindow bounds how long visits are retained.
const VisitWindow = 24 * time.Hour

type ChunkRange struct {
	Index  int   `json:"index"`
	FromTs int64 `json:"fromTs"`
	ToTs   int64 `json:"toTs"`
	Count  int   `json:"count"`
}

// Manifest is the index of a user's archive. Timestamps are Unix
// milliseconds.
type Manifest struct {
	Cursor             int64        `json:"cursor"`
	ChunkCount         int          `json:"chunkCount"`
	ChunkRanges        []ChunkRange `json:"chunkRanges"`
	TotalItems         int          `json:"totalItems"`
	TotalEnriched      int          `json:"totalEnriched"`
	SkippedForBackfill int          `json:"skippedForBackfill"`
	RemoteTotal        int          `json:"remoteTotal,omitempty"`
	LastSyncAt         int64        `json:"lastSyncAt,omitempty"`
	LastBackfillAt     int64        `json:"lastBackfillAt,omitempty"`
}

// IsEmpty reports whether nothing has been archived yet.
func (m Manifest) IsEmpty() bool {
	return m.ChunkCount == 0 && m.TotalItems == 0 && m.Cursor == 0
}

// AdvanceCursor moves the cursor forward to ts. It never moves backwards.
func (m *Manifest) AdvanceCursor(ts int64) {
	if ts > m.Cursor {
		m.Cursor = ts
	}
}

// Range returns the range recorded for chunk index.
func (m Manifest) Range(index int) (ChunkRange, bool) {
	for _, r := range m.ChunkRanges {
		if r.Index == index {
			return r, true
		}
	}
	return ChunkRange{}, false
}

// recordRange appends a new range or widens the existing one in place.
func (m *Manifest) recordRange(r ChunkRange) {
	for i := range m.ChunkRanges {
		if m.ChunkRanges[i].Index == r.Index {
			m.ChunkRanges[i] = r
			return
		}
	}
	m.ChunkRanges = append(m.ChunkRanges, r)
	if r.Index+1 > m.ChunkCount {
		m.ChunkCount = r.Index + 1
	}
}

type SubjectInfo struct {
	Title      string   `json:"title,omitempty"`
	Difficulty string   `json:"difficulty,omitempty"`
	Premium    bool     `json:"premium,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type ItemDetail struct {
	Code          string  `json:"code,omitempty"`
	RuntimeMs     int     `json:"runtimeMs,omitempty"`
	MemoryKB      int     `json:"memoryKb,omitempty"`
	RuntimeRank   float64 `json:"runtimeRank,omitempty"`
	PassedCases   int     `json:"passedCases,omitempty"`
	TotalCases    int     `json:"totalCases,omitempty"`
	CompileError  string  `json:"compileError,omitempty"`
	LastTestInput string  `json:"lastTestInput,omitempty"`
}

type SessionInfo struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Timing summarizes the editing history captured before an item.
type Timing struct {
	FirstSnapshotAt int64 `json:"firstSnapshotAt,omitempty"`
	LastSnapshotAt  int64 `json:"lastSnapshotAt,omitempty"`
	Snapshots       int   `json:"snapshots"`
}

// Item is one archived activity entry. Items older than the enrichment
// horizon are stored with only the minimal fields and Deferred set until
// backfill enriches them.
type Item struct {
	ID            string       `json:"id"`
	SubjectID     string       `json:"subjectId"`
	Status        string       `json:"status"`
	Lang          string       `json:"lang,omitempty"`
	Timestamp     int64        `json:"timestamp"`
	Enriched      bool         `json:"enriched"`
	Deferred      bool         `json:"deferred,omitempty"`
	EnrichedAt    int64        `json:"enrichedAt,omitempty"`
	Subject       *SubjectInfo `json:"subject,omitempty"`
	Note          string       `json:"note,omitempty"`
	Detail        *ItemDetail  `json:"detail,omitempty"`
	Session       *SessionInfo `json:"session,omitempty"`
	WorkingTimeMs int64        `json:"workingTimeMs,omitempty"`
	Timing        *Timing      `json:"timing,omitempty"`
	FailureCodes  []string     `json:"failureCodes,omitempty"`
}

// Accepted reports whether the item counts as a solve.
func (it Item) Accepted() bool { return it.Status == StatusAccepted }

const StatusAccepted = "Accepted"

type BackfillItem struct {
	ItemID     string `json:"itemId"`
	ChunkIndex int    `json:"chunkIndex"`
	QueuedAt   int64  `json:"queuedAt,omitempty"`
}

type SeenSubject struct {
	Premium       bool     `json:"premium"`
	DetailFetched bool     `json:"detailFetched"`
	Title         string   `json:"title,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	CheckedAt     int64    `json:"checkedAt,omitempty"`
}

// SeenCache maps subject id to what is already known about it.
type SeenCache map[string]SeenSubject

type Visit struct {
	SubjectID string `json:"subjectId"`
	Ts        int64  `json:"ts"`
}

// VisitLog is ordered by timestamp, oldest first.
type VisitLog []Visit

// Prune drops visits older than VisitWindow relative to now.
func (v VisitLog) Prune(now time.Time) VisitLog {
	cutoff := now.Add(-VisitWindow).UnixMilli()
	out := v[:0:0]
	for _, visit := range v {
		if visit.Ts >= cutoff {
			out = append(out, visit)
		}
	}
	return out
}

// Add appends a visit keeping timestamp order.
func (v VisitLog) Add(subjectID string, at time.Time) VisitLog {
	out := append(v[:len(v):len(v)], Visit{SubjectID: subjectID, Ts: at.UnixMilli()})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out
}

// LatestBefore returns the most recent visit to subjectID at or before ts.
func (v VisitLog) LatestBefore(subjectID string, ts int64) (Visit, bool) {
	var (
		best  Visit
		found bool
	)
	for _, visit := range v {
		if visit.SubjectID != subjectID || visit.Ts > ts {
			continue
		}
		if !found || visit.Ts > best.Ts {
			best = visit
			found = true
		}
	}
	return best, found
}
