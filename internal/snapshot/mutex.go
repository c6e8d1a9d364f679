package snapshot

import "sync"

// KeyedMutex is a table of try-locks. A caller that finds its key held
// skips the work instead of waiting. The zero value is ready to use.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// TryLock takes the lock for key. When ok is true the caller must call
// release exactly once.
func (k *KeyedMutex) TryLock(key string) (release func(), ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.held == nil {
		k.held = map[string]struct{}{}
	}
	if _, busy := k.held[key]; busy {
		return nil, false
	}
	k.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked.
func (k *KeyedMutex) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.held[key]
	return ok
}
