package cache

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/any-hub/swcache/internal/fetch"
)

// NewMemoryStorage 构建进程内缓存，重启后内容丢失，适合测试与单机试用。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

type memoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*memoryBucket
}

// memoryBucket 在被删除后仍可能被旧句柄持有，deleted 标记用于拒绝后续读写。
type memoryBucket struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[string][]byte
}

func (s *memoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{name: name, entries: make(map[string][]byte)}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

func (s *memoryStorage) Lookup(_ context.Context, name string) (Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	return nil, ErrBucketNotFound
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[name]
	if ok {
		delete(s.buckets, name)
		s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	b.mu.Lock()
	b.deleted = true
	b.entries = nil
	b.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

func (s *memoryStorage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return MatchInOrder(ctx, s, req)
}

func (s *memoryStorage) Close() error {
	return nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !Cacheable(req) {
		return nil, ErrNotFound
	}
	key := fetch.Key(req)
	b.mu.RLock()
	if b.deleted {
		b.mu.RUnlock()
		return nil, ErrBucketNotFound
	}
	data, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return fetch.Decode(key, data)
}

func (b *memoryBucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	return b.PutAll(ctx, []Entry{{Request: req, Response: resp}})
}

// PutAll 先完成全部编码再一次性写入，保证批量写入的原子性。
func (b *memoryBucket) PutAll(_ context.Context, entries []Entry) error {
	encoded := make(map[string][]byte, len(entries))
	for _, e := range entries {
		key, data, err := EncodeEntry(e.Request, e.Response)
		if err != nil {
			return err
		}
		encoded[key] = data
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return ErrBucketNotFound
	}
	for key, data := range encoded {
		b.entries[key] = data
	}
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, req *fetch.Request) (bool, error) {
	if !Cacheable(req) {
		return false, nil
	}
	key := fetch.Key(req)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return false, ErrBucketNotFound
	}
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.deleted {
		return nil, ErrBucketNotFound
	}
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
