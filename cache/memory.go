package cache

import (
	"context"
	"sync"
)

type memBucket struct {
	name    string
	entries map[string]Entry
	order   []string
}

// MemStorage keeps buckets in process memory.
type MemStorage struct {
	mutex   *sync.RWMutex
	buckets map[string]*memBucket
	order   []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:   &sync.RWMutex{},
		buckets: make(map[string]*memBucket),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Bucket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; !ok {
		m.buckets[name] = &memBucket{name: name, entries: make(map[string]Entry)}
		m.order = append(m.order, name)
	}
	return MemBucket{storage: m, name: name}, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return false, nil
	}
	delete(m.buckets, name)
	m.order = remove(m.order, name)
	return true, nil
}

// MemBucket is a handle to a bucket of a MemStorage.
// The handle keeps working after the bucket is deleted: reads miss and
// writes are dropped.
type MemBucket struct {
	storage *MemStorage
	name    string
}

func (b MemBucket) Name() string {
	return b.name
}

func (b MemBucket) Match(ctx context.Context, key string) (Entry, bool, error) {
	b.storage.mutex.RLock()
	defer b.storage.mutex.RUnlock()
	bucket, ok := b.storage.buckets[b.name]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := bucket.entries[key]
	return entry, ok, nil
}

func (b MemBucket) Put(ctx context.Context, entry Entry) error {
	return b.PutAll(ctx, []Entry{entry})
}

func (b MemBucket) PutAll(ctx context.Context, entries []Entry) error {
	b.storage.mutex.Lock()
	defer b.storage.mutex.Unlock()
	bucket, ok := b.storage.buckets[b.name]
	if !ok {
		return nil
	}
	for _, entry := range entries {
		if _, exists := bucket.entries[entry.Key]; !exists {
			bucket.order = append(bucket.order, entry.Key)
		}
		bucket.entries[entry.Key] = entry
	}
	return nil
}

func (b MemBucket) Delete(ctx context.Context, key string) (bool, error) {
	b.storage.mutex.Lock()
	defer b.storage.mutex.Unlock()
	bucket, ok := b.storage.buckets[b.name]
	if !ok {
		return false, nil
	}
	if _, ok := bucket.entries[key]; !ok {
		return false, nil
	}
	delete(bucket.entries, key)
	bucket.order = remove(bucket.order, key)
	return true, nil
}

func (b MemBucket) Keys(ctx context.Context) ([]string, error) {
	b.storage.mutex.RLock()
	defer b.storage.mutex.RUnlock()
	bucket, ok := b.storage.buckets[b.name]
	if !ok {
		return nil, ErrBucketNotFound
	}
	return append([]string(nil), bucket.order...), nil
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, s := range list {
		if s != item {
			out = append(out, s)
		}
	}
	return out
}
