// Package lease implements a best-effort mutual-exclusion lease over a
// shared key-value store. There is no compare-and-swap: a holder writes
// its record, waits briefly and re-reads it to confirm it won. Random
// jitter before the write makes simultaneous verification unlikely.
package lease

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/relaytrail/internal/clock"
	"github.com/agentworkforce/relaytrail/internal/kvstore"
)

const (
	DefaultTimeout     = 180 * time.Second
	DefaultJitterMin   = 100 * time.Millisecond
	DefaultJitterMax   = 1100 * time.Millisecond
	DefaultVerifyDelay = 50 * time.Millisecond

	keyPrefix = "lease:"
)

var (
	// ErrLockUnavailable means another holder owns a fresh lease.
	ErrLockUnavailable = errors.New("lease unavailable")
	// ErrLockLost means this holder no longer owns the lease it acquired.
	ErrLockLost = errors.New("lease lost")
)

// LostError reports which guarded operation found the lease gone.
type LostError struct {
	Scope     string
	Operation string
	HolderID  string
}

func (e *LostError) Error() string {
	return fmt.Sprintf("lease lost during %s (scope %s, holder %s)", e.Operation, e.Scope, e.HolderID)
}

func (e *LostError) Is(target error) bool {
	return target == ErrLockLost
}

// Record is the persisted lease document.
type Record struct {
	HolderID      string `json:"holderId"`
	AcquiredAt    int64  `json:"acquiredAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	IsLocked      bool   `json:"isLocked"`
}

// Fresh reports whether the record still excludes other holders at now.
// A lease whose age equals the timeout is expired.
func (r Record) Fresh(now time.Time, timeout time.Duration) bool {
	if !r.IsLocked {
		return false
	}
	age := now.UnixMilli() - r.LastHeartbeat
	return age < timeout.Milliseconds()
}

type Options struct {
	Timeout     time.Duration
	JitterMin   time.Duration
	JitterMax   time.Duration
	VerifyDelay time.Duration
	Clock       clock.Clock
	// Rand drives the pre-write jitter. It is not safe for concurrent use
	// and is guarded by the Lock.
	Rand        *mathrand.Rand
	NewHolderID func(now time.Time) (string, error)
	Logger      *slog.Logger
}

// Lock is the lease for one scope, normally one user. It is safe for use
// by multiple goroutines of the same execution context; distinct
// execution contexts construct their own Lock.
type Lock struct {
	store       kvstore.Store
	scope       string
	key         string
	timeout     time.Duration
	jitterMin   time.Duration
	jitterMax   time.Duration
	verifyDelay time.Duration
	clock       clock.Clock
	newHolderID func(now time.Time) (string, error)
	logger      *slog.Logger

	mu       sync.Mutex
	rand     *mathrand.Rand
	holderID string
	owned    bool
}

func New(store kvstore.Store, scope string, opts Options) (*Lock, error) {
	scope = strings.TrimSpace(scope)
	if store == nil || scope == "" {
		return nil, kvstore.ErrInvalidInput
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.JitterMin < 0 {
		opts.JitterMin = 0
	}
	if opts.JitterMin == 0 && opts.JitterMax == 0 {
		opts.JitterMin = DefaultJitterMin
		opts.JitterMax = DefaultJitterMax
	}
	if opts.JitterMax < opts.JitterMin {
		opts.JitterMax = opts.JitterMin
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = DefaultVerifyDelay
	}
	if opts.Rand == nil {
		opts.Rand = mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	}
	if opts.NewHolderID == nil {
		opts.NewHolderID = newULID
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Lock{
		store:       store,
		scope:       scope,
		key:         keyPrefix + scope,
		timeout:     opts.Timeout,
		jitterMin:   opts.JitterMin,
		jitterMax:   opts.JitterMax,
		verifyDelay: opts.VerifyDelay,
		clock:       clock.OrReal(opts.Clock),
		newHolderID: opts.NewHolderID,
		logger:      opts.Logger.With("scope", scope),
		rand:        opts.Rand,
	}, nil
}

// Key returns the store key holding this lease.
func Key(scope string) string { return keyPrefix + scope }

func (l *Lock) Timeout() time.Duration { return l.timeout }

// Acquire tries to take the lease. It returns false without error when a
// fresh lease is held by someone else or when this context lost the
// verification race.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	current, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	if current.Fresh(l.clock.Now(), l.timeout) {
		l.logger.Debug("lease held elsewhere", "holder", current.HolderID)
		return false, nil
	}

	if err := l.clock.Sleep(ctx, l.jitter()); err != nil {
		return false, err
	}

	current, err = l.read(ctx)
	if err != nil {
		return false, err
	}
	now := l.clock.Now()
	if current.Fresh(now, l.timeout) {
		l.logger.Debug("lease taken during jitter", "holder", current.HolderID)
		return false, nil
	}

	holderID, err := l.newHolderID(now)
	if err != nil {
		return false, fmt.Errorf("new holder id: %w", err)
	}
	record := Record{
		HolderID:      holderID,
		AcquiredAt:    now.UnixMilli(),
		LastHeartbeat: now.UnixMilli(),
		IsLocked:      true,
	}
	if err := kvstore.SetJSON(ctx, l.store, l.key, record); err != nil {
		return false, err
	}

	if err := l.clock.Sleep(ctx, l.verifyDelay); err != nil {
		return false, err
	}
	verified, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	if verified.HolderID != holderID {
		l.logger.Debug("lease verification lost", "holder", holderID, "winner", verified.HolderID)
		return false, nil
	}

	l.mu.Lock()
	l.holderID = holderID
	l.owned = true
	l.mu.Unlock()
	l.logger.Info("lease acquired", "holder", holderID)
	return true, nil
}

// Heartbeat refreshes the lease timestamp. It returns false, and drops
// local ownership, when the stored record names a different holder.
func (l *Lock) Heartbeat(ctx context.Context) (bool, error) {
	l.mu.Lock()
	holderID, owned := l.holderID, l.owned
	l.mu.Unlock()
	if !owned {
		return false, nil
	}

	current, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	if current.HolderID != holderID || !current.IsLocked {
		l.markLost(holderID)
		l.logger.Warn("lease taken over", "holder", holderID, "current", current.HolderID)
		return false, nil
	}
	current.LastHeartbeat = l.clock.Now().UnixMilli()
	if err := kvstore.SetJSON(ctx, l.store, l.key, current); err != nil {
		return false, err
	}
	return true, nil
}

// HeartbeatOrFail refreshes the lease and converts a lost lease into a
// *LostError naming op. Storage failures are returned as-is.
func (l *Lock) HeartbeatOrFail(ctx context.Context, op string) error {
	ok, err := l.Heartbeat(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat during %s: %w", op, err)
	}
	if !ok {
		return &LostError{Scope: l.scope, Operation: op, HolderID: l.HolderID()}
	}
	return nil
}

// Release clears the stored lease if this context still holds it. Local
// ownership is dropped either way.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	holderID := l.holderID
	l.owned = false
	l.mu.Unlock()
	if holderID == "" {
		return nil
	}

	current, err := l.read(ctx)
	if err != nil {
		return err
	}
	if current.HolderID != holderID {
		l.logger.Debug("lease release skipped", "holder", holderID, "current", current.HolderID)
		return nil
	}
	if err := kvstore.SetJSON(ctx, l.store, l.key, Record{}); err != nil {
		return err
	}
	l.logger.Info("lease released", "holder", holderID)
	return nil
}

// IsOwner reports the local ownership flag without touching the store.
func (l *Lock) IsOwner() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owned
}

// HolderID returns the holder id of the most recent successful Acquire.
func (l *Lock) HolderID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holderID
}

// Current returns the stored record without modifying it.
func (l *Lock) Current(ctx context.Context) (Record, bool, error) {
	var record Record
	found, err := kvstore.GetJSON(ctx, l.store, l.key, &record)
	return record, found, err
}

func (l *Lock) read(ctx context.Context) (Record, error) {
	record, _, err := l.Current(ctx)
	return record, err
}

func (l *Lock) markLost(holderID string) {
	l.mu.Lock()
	if l.holderID == holderID {
		l.owned = false
	}
	l.mu.Unlock()
}

func (l *Lock) jitter() time.Duration {
	span := l.jitterMax - l.jitterMin
	if span <= 0 {
		return l.jitterMin
	}
	l.mu.Lock()
	n := l.rand.Int63n(int64(span))
	l.mu.Unlock()
	return l.jitterMin + time.Duration(n)
}

func newULID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
