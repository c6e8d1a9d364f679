package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Backend is one entry of a Ranked store.
type Backend struct {
	Name  string
	Store Store
}

// Ranked tries its backends in order for every operation and returns the
// first success. Failures of higher-ranked backends are logged and do
// not surface unless every backend fails.
type Ranked struct {
	backends []Backend
	logger   *slog.Logger
}

func NewRanked(logger *slog.Logger, backends ...Backend) (*Ranked, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: ranked store needs at least one backend", ErrInvalidInput)
	}
	for _, b := range backends {
		if b.Store == nil {
			return nil, fmt.Errorf("%w: backend %q has no store", ErrInvalidInput, b.Name)
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ranked{backends: backends, logger: logger}, nil
}

func (r *Ranked) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var errs []error
	for _, b := range r.backends {
		value, ok, err := b.Store.Get(ctx, key)
		if err == nil {
			return value, ok, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		r.logger.Warn("kv backend get failed", "backend", b.Name, "key", key, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return nil, false, errors.Join(errs...)
}

func (r *Ranked) Set(ctx context.Context, key string, value []byte) error {
	var errs []error
	for _, b := range r.backends {
		err := b.Store.Set(ctx, key, value)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("kv backend set failed", "backend", b.Name, "key", key, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return errors.Join(errs...)
}

func (r *Ranked) Remove(ctx context.Context, keys ...string) error {
	var errs []error
	for _, b := range r.backends {
		err := b.Store.Remove(ctx, keys...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("kv backend remove failed", "backend", b.Name, "keys", keys, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return errors.Join(errs...)
}

func (r *Ranked) Close() error {
	var errs []error
	for _, b := range r.backends {
		if err := b.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}
