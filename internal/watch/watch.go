// Package watch feeds the snapshot engine from a drafts directory. Each
// draft is a file named <subjectID>.<ext>; a sibling
// <subjectID>.<ext>.template holds the subject's starter code.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

const (
	DefaultInterval = 10 * time.Second
	templateSuffix  = ".template"
)

var extLangs = map[string]string{
	"c":     "c",
	"cpp":   "cpp",
	"cs":    "csharp",
	"go":    "golang",
	"java":  "java",
	"js":    "javascript",
	"kt":    "kotlin",
	"py":    "python3",
	"rb":    "ruby",
	"rs":    "rust",
	"swift": "swift",
	"ts":    "typescript",
}

// LangForExt maps a file extension without the dot to a language slug.
func LangForExt(ext string) (string, bool) {
	lang, ok := extLangs[strings.ToLower(ext)]
	return lang, ok
}

func ExtForLang(lang string) (string, bool) {
	for ext, candidate := range extLangs {
		if candidate == lang {
			return ext, true
		}
	}
	return "", false
}

// ParseDraftName splits a draft file name into subject and language.
// Template files and unknown extensions are rejected.
func ParseDraftName(name string) (subjectID, lang string, ok bool) {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, templateSuffix) {
		return "", "", false
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return "", "", false
	}
	lang, ok = LangForExt(name[dot+1:])
	if !ok {
		return "", "", false
	}
	return name[:dot], lang, true
}

// FileTemplates serves starter templates from the drafts directory.
type FileTemplates struct {
	Dir string
}

func (t FileTemplates) Template(_ context.Context, subjectID, lang string) (string, bool, error) {
	ext, ok := ExtForLang(lang)
	if !ok {
		return "", false, nil
	}
	data, err := os.ReadFile(filepath.Join(t.Dir, subjectID+"."+ext+templateSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read template: %w", err)
	}
	return string(data), true, nil
}

// Capturer is the part of the snapshot engine the poller drives.
type Capturer interface {
	Capture(ctx context.Context, userID, subjectID, content string) (snapshot.CaptureResult, error)
	CheckTemplateReset(ctx context.Context, userID, subjectID, lang, content string) (bool, error)
}

type Options struct {
	Dir      string
	UserID   string
	Engine   Capturer
	Visits   snapshot.VisitRecorder
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// ScanResult counts what one pass over the directory did.
type ScanResult struct {
	Drafts    int
	Written   int
	Unchanged int
	Resets    int
}

type Poller struct {
	dir      string
	userID   string
	engine   Capturer
	visits   snapshot.VisitRecorder
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	known map[string]string
}

func NewPoller(opts Options) (*Poller, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("drafts directory is required")
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("snapshot engine is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		dir:      filepath.Clean(opts.Dir),
		userID:   opts.UserID,
		engine:   opts.Engine,
		visits:   opts.Visits,
		interval: opts.Interval,
		clock:    clock.OrReal(opts.Clock),
		logger:   opts.Logger,
		known:    map[string]string{},
	}, nil
}

// Scan captures every draft in the directory once.
func (p *Poller) Scan(ctx context.Context) (ScanResult, error) {
	paths, err := p.listDrafts()
	if err != nil {
		return ScanResult{}, err
	}
	var result ScanResult
	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Drafts++
		outcome, err := p.captureFile(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		switch {
		case outcome.unchanged:
			result.Unchanged++
		case outcome.status == snapshot.StatusWritten:
			result.Written++
		}
		if outcome.reset {
			result.Resets++
		}
	}
	return result, errors.Join(errs...)
}

func (p *Poller) listDrafts() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != p.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if _, _, ok := ParseDraftName(d.Name()); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan drafts: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

type captureOutcome struct {
	status    snapshot.CaptureStatus
	unchanged bool
	reset     bool
}

func (p *Poller) captureFile(ctx context.Context, path string) (captureOutcome, error) {
	subjectID, lang, ok := ParseDraftName(filepath.Base(path))
	if !ok {
		return captureOutcome{unchanged: true}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		p.mu.Lock()
		delete(p.known, path)
		p.mu.Unlock()
		return captureOutcome{unchanged: true}, nil
	}
	if err != nil {
		return captureOutcome{}, fmt.Errorf("read draft: %w", err)
	}
	content := string(data)
	sum := snapshot.Checksum(snapshot.Normalize(content))

	p.mu.Lock()
	prev, seen := p.known[path]
	p.mu.Unlock()
	if seen && prev == sum {
		return captureOutcome{unchanged: true}, nil
	}
	if !seen && p.visits != nil {
		if err := p.visits.RecordVisit(ctx, p.userID, subjectID, p.clock.Now()); err != nil {
			p.logger.Warn("record visit failed", "subject", subjectID, "err", err)
		}
	}

	var outcome captureOutcome
	reset, err := p.engine.CheckTemplateReset(ctx, p.userID, subjectID, lang, content)
	if err != nil {
		p.logger.Warn("template reset check failed", "subject", subjectID, "err", err)
	}
	outcome.reset = reset

	result, err := p.engine.Capture(ctx, p.userID, subjectID, content)
	if err != nil {
		return outcome, fmt.Errorf("capture: %w", err)
	}
	outcome.status = result.Status
	if result.Status != snapshot.StatusBusy {
		p.mu.Lock()
		p.known[path] = sum
		p.mu.Unlock()
	}
	if result.Status == snapshot.StatusWritten {
		p.logger.Debug("draft captured", "subject", subjectID, "seq", result.Seq, "checkpoint", result.Checkpoint)
	}
	return outcome, nil
}

// Run scans on every interval and captures a draft as soon as it is
// written. It returns when ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(p.dir); err != nil {
		return fmt.Errorf("watch %s: %w", p.dir, err)
	}

	p.scanAndLog(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.scanAndLog(ctx)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := p.captureFile(ctx, event.Name); err != nil {
				p.logger.Warn("draft capture failed", "path", event.Name, "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("watcher error", "err", err)
		}
	}
}

func (p *Poller) scanAndLog(ctx context.Context) {
	result, err := p.Scan(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("draft scan failed", "err", err)
	}
	if result.Written > 0 || result.Resets > 0 {
		p.logger.Info("draft scan", "drafts", result.Drafts, "written", result.Written, "resets", result.Resets)
	}
}
