package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// File keeps every key in one JSON document on disk. Each operation
// takes an advisory flock on a sibling lock file and re-reads the
// document, so separate processes pointed at the same path observe each
// other's writes. Writes go through a temp file and rename.
type File struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

type fileDocument struct {
	Values map[string][]byte `json:"values"`
}

func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &File{path: path, lockPath: path + ".lock"}, nil
}

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		value []byte
		found bool
	)
	err := f.withLock(unix.LOCK_SH, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		value, found = doc.Values[key]
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return f.withLock(unix.LOCK_EX, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		doc.Values[key] = cloneBytes(value)
		return f.save(doc)
	})
}

func (f *File) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return f.withLock(unix.LOCK_EX, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		changed := false
		for _, key := range keys {
			if _, ok := doc.Values[key]; ok {
				delete(doc.Values, key)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return f.save(doc)
	})
}

func (f *File) Close() error { return nil }

func (f *File) withLock(how int, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, err := os.OpenFile(f.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), how); err != nil {
		return fmt.Errorf("flock %s: %w", f.lockPath, err)
	}
	defer func() {
		_ = unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	}()
	return fn()
}

func (f *File) load() (fileDocument, error) {
	doc := fileDocument{Values: map[string][]byte{}}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", f.path, err)
	}
	if doc.Values == nil {
		doc.Values = map[string][]byte{}
	}
	return doc, nil
}

func (f *File) save(doc fileDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(f.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".relaytrail-kv-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
