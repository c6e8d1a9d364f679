// Package snapshot records a fine-grained version history of editor
// content per (user, subject) as a chain of patches with periodic full
// checkpoints, and reconstructs any version on demand.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaytrail/internal/clock"
)

const (
	DefaultMinChangedChars    = 30
	DefaultMinChangedLines    = 2
	DefaultCheckpointInterval = 25
	DefaultResetSimilarity    = 0.98
)

var (
	ErrPartialReconstruction = errors.New("partial reconstruction")
	ErrNoCheckpoint          = errors.New("series has no checkpoint")
	ErrIndexOutOfRange       = errors.New("snapshot index out of range")
)

// PartialError reports where replay stopped. Content holds the last
// version that could be rebuilt.
type PartialError struct {
	Index int
	Err   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("reconstruction stopped at entry %d: %v", e.Index, e.Err)
}

func (e *PartialError) Is(target error) bool { return target == ErrPartialReconstruction }

func (e *PartialError) Unwrap() error { return e.Err }

// CaptureStatus is the outcome of one capture.
type CaptureStatus string

const (
	StatusWritten   CaptureStatus = "written"
	StatusBusy      CaptureStatus = "skipped_busy"
	StatusTrivial   CaptureStatus = "skipped_trivial"
	StatusDiscarded CaptureStatus = "discarded_invalid"
)

type CaptureResult struct {
	Status     CaptureStatus
	Seq        int
	Checkpoint bool
	Change     Change
}

// Thresholds tune debouncing, checkpoint spacing and template reset.
type Thresholds struct {
	MinChangedChars    int     `json:"minChangedChars"`
	MinChangedLines    int     `json:"minChangedLines"`
	CheckpointInterval int     `json:"checkpointInterval"`
	ResetSimilarity    float64 `json:"resetSimilarity"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinChangedChars:    DefaultMinChangedChars,
		MinChangedLines:    DefaultMinChangedLines,
		CheckpointInterval: DefaultCheckpointInterval,
		ResetSimilarity:    DefaultResetSimilarity,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinChangedChars <= 0 {
		t.MinChangedChars = d.MinChangedChars
	}
	if t.MinChangedLines <= 0 {
		t.MinChangedLines = d.MinChangedLines
	}
	if t.CheckpointInterval <= 0 {
		t.CheckpointInterval = d.CheckpointInterval
	}
	if t.ResetSimilarity <= 0 || t.ResetSimilarity > 1 {
		t.ResetSimilarity = d.ResetSimilarity
	}
	return t
}

// VisitRecorder is notified when a template reset marks a fresh visit.
type VisitRecorder interface {
	RecordVisit(ctx context.Context, userID, subjectID string, at time.Time) error
}

// TemplateSource returns the starter content a subject opens with.
type TemplateSource interface {
	Template(ctx context.Context, subjectID, lang string) (string, bool, error)
}

type Options struct {
	Store      SeriesStore
	Thresholds Thresholds
	Visits     VisitRecorder
	Templates  TemplateSource
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Engine is the snapshot context. One Engine is shared by every capture
// path of a process so the keyed mutex table covers all of them.
type Engine struct {
	store      SeriesStore
	thresholds Thresholds
	visits     VisitRecorder
	templates  TemplateSource
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics
	locks      KeyedMutex

	cacheMu sync.Mutex
	last    map[string]string
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("snapshot engine requires a series store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:      opts.Store,
		thresholds: opts.Thresholds.withDefaults(),
		visits:     opts.Visits,
		templates:  opts.Templates,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		last:       map[string]string{},
	}, nil
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }

func seriesLockKey(userID, subjectID string) string {
	return userID + "\x00" + subjectID
}

// Capture records content as the next version of the (user, subject)
// series unless the change is too small, the key is busy, or the patch
// fails validation. Only storage failures are returned as errors.
func (e *Engine) Capture(ctx context.Context, userID, subjectID, content string) (CaptureResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(subjectID) == "" {
		return CaptureResult{}, errors.New("capture requires user and subject")
	}
	key := seriesLockKey(userID, subjectID)
	release, ok := e.locks.TryLock(key)
	if !ok {
		e.observe(StatusBusy)
		return CaptureResult{Status: StatusBusy}, nil
	}
	defer release()

	result, err := e.capture(ctx, key, userID, subjectID, Normalize(content))
	if err != nil {
		return result, err
	}
	e.observe(result.Status)
	return result, nil
}

func (e *Engine) capture(ctx context.Context, key, userID, subjectID, content string) (CaptureResult, error) {
	series, err := e.store.LoadSeries(ctx, userID, subjectID)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("load series: %w", err)
	}
	now := e.clock.Now().UnixMilli()

	if len(series) == 0 {
		if content == "" {
			return CaptureResult{Status: StatusTrivial}, nil
		}
		full := content
		snap := Snapshot{Seq: 0, Timestamp: now, ChecksumAfter: Checksum(content), FullContent: &full}
		if err := e.store.AppendSnapshot(ctx, userID, subjectID, snap); err != nil {
			return CaptureResult{}, fmt.Errorf("append snapshot: %w", err)
		}
		e.remember(key, content)
		return CaptureResult{Status: StatusWritten, Seq: 0, Checkpoint: true, Change: Measure("", content)}, nil
	}

	last := series[len(series)-1]
	base, intact := e.baseFor(key, series)
	if content == base {
		return CaptureResult{Status: StatusTrivial, Seq: last.Seq}, nil
	}

	patch := MakePatch(base, content)
	if patch.Change.Chars < e.thresholds.MinChangedChars && patch.Change.Lines < e.thresholds.MinChangedLines {
		return CaptureResult{Status: StatusTrivial, Seq: last.Seq, Change: patch.Change}, nil
	}

	applied, err := ApplyPatch(base, patch.Text)
	if err == nil && applied != content {
		err = fmt.Errorf("%w: applied result differs from target", ErrPatchValidation)
	}
	if err != nil {
		e.logger.Warn("snapshot patch discarded", "user", userID, "subject", subjectID, "err", err)
		return CaptureResult{Status: StatusDiscarded, Seq: last.Seq, Change: patch.Change}, nil
	}

	seq := last.Seq + 1
	snap := Snapshot{
		Seq:            seq,
		Timestamp:      now,
		Patch:          patch.Text,
		ChecksumBefore: Checksum(base),
		ChecksumAfter:  Checksum(content),
	}
	checkpoint := seq%e.thresholds.CheckpointInterval == 0 || !intact
	if checkpoint {
		full := content
		snap.FullContent = &full
	}
	if err := e.store.AppendSnapshot(ctx, userID, subjectID, snap); err != nil {
		return CaptureResult{}, fmt.Errorf("append snapshot: %w", err)
	}
	e.remember(key, content)
	return CaptureResult{Status: StatusWritten, Seq: seq, Checkpoint: checkpoint, Change: patch.Change}, nil
}

// baseFor returns the latest version of series and whether it matches the
// checksum recorded for it.
func (e *Engine) baseFor(key string, series []Snapshot) (string, bool) {
	last := series[len(series)-1]
	e.cacheMu.Lock()
	cached, ok := e.last[key]
	e.cacheMu.Unlock()
	if ok && Checksum(cached) == last.ChecksumAfter {
		return cached, true
	}
	content, err := Reconstruct(series, len(series)-1)
	if err != nil {
		e.logger.Warn("snapshot base rebuilt partially", "err", err)
		return content, false
	}
	if last.ChecksumAfter != "" && Checksum(content) != last.ChecksumAfter {
		return content, false
	}
	return content, true
}

func (e *Engine) remember(key, content string) {
	e.cacheMu.Lock()
	e.last[key] = content
	e.cacheMu.Unlock()
}

func (e *Engine) forget(key string) {
	e.cacheMu.Lock()
	delete(e.last, key)
	e.cacheMu.Unlock()
}

// Reconstruct rebuilds entry target by replaying patches forward from the
// nearest checkpoint at or before it. When a patch fails to apply the
// content rebuilt so far is returned with a *PartialError.
func Reconstruct(series []Snapshot, target int) (string, error) {
	if target < 0 || target >= len(series) {
		return "", fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, target, len(series))
	}
	start := target
	for start >= 0 && !series[start].IsCheckpoint() {
		start--
	}
	if start < 0 {
		return "", ErrNoCheckpoint
	}
	content := *series[start].FullContent
	for i := start + 1; i <= target; i++ {
		entry := series[i]
		if entry.ChecksumBefore != "" && Checksum(content) != entry.ChecksumBefore {
			return content, &PartialError{Index: i, Err: errors.New("checksum mismatch before patch")}
		}
		next, err := ApplyPatch(content, entry.Patch)
		if err != nil {
			return content, &PartialError{Index: i, Err: err}
		}
		content = next
	}
	return content, nil
}

// CheckTemplateReset detects that the editor was reset to the subject's
// starter template. A matching series with history is cleared and a new
// visit is recorded.
func (e *Engine) CheckTemplateReset(ctx context.Context, userID, subjectID, lang, content string) (bool, error) {
	if e.templates == nil {
		return false, nil
	}
	template, ok, err := e.templates.Template(ctx, subjectID, lang)
	if err != nil {
		return false, fmt.Errorf("load template: %w", err)
	}
	if !ok {
		return false, nil
	}
	similarity := Similarity(Normalize(content), Normalize(template))
	if similarity < e.thresholds.ResetSimilarity {
		return false, nil
	}

	key := seriesLockKey(userID, subjectID)
	release, locked := e.locks.TryLock(key)
	if !locked {
		return false, nil
	}
	defer release()

	series, err := e.store.LoadSeries(ctx, userID, subjectID)
	if err != nil {
		return false, fmt.Errorf("load series: %w", err)
	}
	if len(series) <= 1 {
		return false, nil
	}
	if err := e.store.ClearSeries(ctx, userID, subjectID); err != nil {
		return false, fmt.Errorf("clear series: %w", err)
	}
	e.forget(key)
	if e.visits != nil {
		if err := e.visits.RecordVisit(ctx, userID, subjectID, e.clock.Now()); err != nil {
			return true, fmt.Errorf("record visit: %w", err)
		}
	}
	e.logger.Info("snapshot series reset to template", "user", userID, "subject", subjectID, "similarity", similarity, "entries", len(series))
	if e.metrics != nil {
		e.metrics.resets.Inc()
	}
	return true, nil
}

// Timing summarizes the entries captured at or before until.
type Timing struct {
	FirstAt int64
	LastAt  int64
	Count   int
}

func (e *Engine) Timing(ctx context.Context, userID, subjectID string, until time.Time) (Timing, error) {
	series, err := e.store.LoadSeries(ctx, userID, subjectID)
	if err != nil {
		return Timing{}, err
	}
	limit := until.UnixMilli()
	var t Timing
	for _, entry := range series {
		if entry.Timestamp > limit {
			break
		}
		if t.Count == 0 {
			t.FirstAt = entry.Timestamp
		}
		t.LastAt = entry.Timestamp
		t.Count++
	}
	return t, nil
}

// Latest rebuilds the newest version of the series. A partially rebuilt
// version is returned with its error.
func (e *Engine) Latest(ctx context.Context, userID, subjectID string) (string, bool, error) {
	series, err := e.store.LoadSeries(ctx, userID, subjectID)
	if err != nil {
		return "", false, err
	}
	if len(series) == 0 {
		return "", false, nil
	}
	content, err := Reconstruct(series, len(series)-1)
	return content, true, err
}

// Summaries lists the user's series active at or after since.
func (e *Engine) Summaries(ctx context.Context, userID string, since time.Time) ([]SeriesSummary, error) {
	var ms int64
	if !since.IsZero() {
		ms = since.UnixMilli()
	}
	return e.store.Summaries(ctx, userID, ms)
}

func (e *Engine) observe(status CaptureStatus) {
	if e.metrics != nil {
		e.metrics.captures.WithLabelValues(string(status)).Inc()
	}
}
