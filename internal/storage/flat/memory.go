package flat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// MemoryStore keeps records in process memory. It backs the "memory"
// backend and host tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

func (m *MemoryStore) Head(ctx context.Context, key string) (types.FlatRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.FlatRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return types.FlatRecord{}, types.NewOpError("head", key, types.ErrNotFound)
	}
	return types.FlatRecord{Key: key, Size: uint64(len(rec.data)), ModTime: rec.modTime}, nil
}

func (m *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, types.NewOpError("read", key, types.ErrNotFound)
	}
	data := make([]byte, len(rec.data))
	copy(data, rec.data)
	return data, nil
}

func (m *MemoryStore) Write(ctx context.Context, key string, data []byte) (types.FlatRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.FlatRecord{}, err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := memoryRecord{data: stored, modTime: m.now().UTC()}
	m.records[key] = rec
	return types.FlatRecord{Key: key, Size: uint64(len(stored)), ModTime: rec.modTime}, nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return types.NewOpError("remove", key, types.ErrNotFound)
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string, limit int) ([]types.FlatRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]types.FlatRecord, 0, len(keys))
	for _, key := range keys {
		rec := m.records[key]
		out = append(out, types.FlatRecord{Key: key, Size: uint64(len(rec.data)), ModTime: rec.modTime})
	}
	return out, nil
}

// Move applies all moves under one lock.
func (m *MemoryStore) Move(ctx context.Context, moves []Move) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range moves {
		if _, ok := m.records[mv.From]; !ok {
			return types.NewOpError("move", mv.From, types.ErrNotFound)
		}
	}
	for _, mv := range moves {
		rec := m.records[mv.From]
		delete(m.records, mv.From)
		rec.modTime = m.now().UTC()
		m.records[mv.To] = rec
	}
	return nil
}
