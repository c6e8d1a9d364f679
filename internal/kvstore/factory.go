package kvstore

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// BuildFromDSN opens a single backend. Supported schemes are file (or a
// bare path), memory and postgres, plus anything registered through
// RegisterFactory.
func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFile(path)
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "redis", "rediss", "sqlite":
		return nil, fmt.Errorf("%w: kv backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv backend scheme: %s", scheme)
	}
}

// BuildRanked opens every DSN in order and wraps them in a Ranked store.
// A single DSN is returned unwrapped.
func BuildRanked(logger *slog.Logger, dsns []string) (Store, error) {
	var backends []Backend
	for _, dsn := range dsns {
		dsn = strings.TrimSpace(dsn)
		if dsn == "" {
			continue
		}
		store, err := BuildFromDSN(dsn)
		if err != nil {
			for _, b := range backends {
				_ = b.Store.Close()
			}
			return nil, fmt.Errorf("open kv backend %s: %w", redactDSN(dsn), err)
		}
		backends = append(backends, Backend{Name: redactDSN(dsn), Store: store})
	}
	switch len(backends) {
	case 0:
		return nil, fmt.Errorf("%w: no kv backends configured", ErrInvalidInput)
	case 1:
		return backends[0].Store, nil
	}
	return NewRanked(logger, backends...)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// redactDSN drops credentials so backend names are safe to log.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
