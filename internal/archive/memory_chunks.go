package archive

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryChunks is a process-local ChunkStore.
type MemoryChunks struct {
	mu     sync.Mutex
	chunks map[string]map[int][]byte
}

func NewMemoryChunks() *MemoryChunks {
	return &MemoryChunks{chunks: map[string]map[int][]byte{}}
}

func (m *MemoryChunks) LoadChunk(ctx context.Context, userID string, index int) ([]Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	data, ok := m.chunks[userID][index]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, err
	}
	return items, true, nil
}

func (m *MemoryChunks) SaveChunk(ctx context.Context, userID string, index int, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[userID] == nil {
		m.chunks[userID] = map[int][]byte{}
	}
	m.chunks[userID][index] = data
	return nil
}

func (m *MemoryChunks) DeleteChunks(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.chunks, userID)
	m.mu.Unlock()
	return nil
}

// Len returns how many chunks are stored for userID.
func (m *MemoryChunks) Len(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[userID])
}
