package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. Paths are slash-separated keys.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket

	// Fail, when set, is consulted before every call and its error returned
	Fail func(op, bucket, path string) error
}

type memoryBucket struct {
	public  bool
	objects map[string]Object
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

// Put stores an object, creating the bucket if needed
func (m *MemoryStore) Put(bucket, path string, body []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	b.objects[path] = Object{Body: append([]byte(nil), body...), ContentType: contentType}
}

// Get returns a stored object
func (m *MemoryStore) Get(bucket, path string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return Object{}, false
	}
	obj, ok := b.objects[path]
	return obj, ok
}

// HasBucket reports whether the bucket exists and whether it is public
func (m *MemoryStore) HasBucket(bucket string) (exists, public bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return false, false
	}
	return true, b.public
}

func (m *MemoryStore) bucket(name string) *memoryBucket {
	b, ok := m.buckets[name]
	if !ok {
		b = &memoryBucket{objects: make(map[string]Object)}
		m.buckets[name] = b
	}
	return b
}

func (m *MemoryStore) fail(op, bucket, path string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, bucket, path)
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]Entry, error) {
	if err := m.fail("list", bucket, prefix); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	dirs := make(map[string]bool)
	var entries []Entry
	for key, obj := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			dirs[rest[:i]] = true
			continue
		}
		entries = append(entries, Entry{Name: rest, Kind: KindFile, Size: int64(len(obj.Body)), ContentType: obj.ContentType})
	}
	for d := range dirs {
		entries = append(entries, Entry{Name: d, Kind: KindDirectory})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *MemoryStore) Download(ctx context.Context, bucket, path string) (*Object, error) {
	if err := m.fail("download", bucket, path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	obj, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, path)
	}
	return &Object{Body: append([]byte(nil), obj.Body...), ContentType: obj.ContentType, Metadata: obj.Metadata}, nil
}

func (m *MemoryStore) Upload(ctx context.Context, bucket, path string, obj *Object) error {
	if err := m.fail("upload", bucket, path); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	b.objects[path] = Object{Body: append([]byte(nil), obj.Body...), ContentType: obj.ContentType, Metadata: obj.Metadata}
	return nil
}

func (m *MemoryStore) CreateBucket(ctx context.Context, bucket string, public bool) error {
	if err := m.fail("create", bucket, ""); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	b.public = b.public || public
	return nil
}
