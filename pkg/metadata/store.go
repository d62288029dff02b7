package metadata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Bucket represents a bucket entry in metadata storage.
type Bucket struct {
	Name         string    `json:"name"`
	CreationDate time.Time `json:"creationDate"`
}

// Object is the sidecar record for a committed object. A record exists if and
// only if the corresponding blob content is fully committed; readers resolve
// objects through their record, so a blob without one is never visible.
type Object struct {
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"contentType"`
	Custom       map[string]string `json:"custom,omitempty"`
	Created      time.Time         `json:"created"`
	LastModified time.Time         `json:"lastModified"`
}

// Store defines the metadata operations needed by the storage engine for
// buckets and object records.
//
// Concurrency Safety: all implementations MUST be safe for concurrent use by
// multiple goroutines.
type Store interface {
	ListBuckets(ctx context.Context) ([]Bucket, error)
	CreateBucket(ctx context.Context, name string) error
	BucketExists(ctx context.Context, name string) (bool, error)
	DeleteBucket(ctx context.Context, name string) error

	PutObject(ctx context.Context, rec Object) error
	GetObject(ctx context.Context, bucket, key string) (Object, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	// ListObjects returns records under prefix ordered by key, starting
	// strictly after startAfter, at most max entries, plus a truncated flag.
	ListObjects(ctx context.Context, bucket, prefix, startAfter string, max int) ([]Object, bool, error)
}

// Errors
var (
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrObjectNotFound = errors.New("object not found")
)

// MemoryStore is a simple in-memory implementation suitable for development
// and unit tests. It is NOT durable and should not be used in production.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]Bucket
	objects map[string]map[string]Object // bucket -> key -> record
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]Bucket),
		objects: make(map[string]map[string]Object),
	}
}

// ListBuckets returns all buckets sorted by name for stable output.
func (m *MemoryStore) ListBuckets(ctx context.Context) ([]Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateBucket creates a new bucket if it does not exist.
func (m *MemoryStore) CreateBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; ok {
		return ErrBucketExists
	}
	m.buckets[name] = Bucket{Name: name, CreationDate: time.Now().UTC()}
	m.objects[name] = make(map[string]Object)
	return nil
}

// BucketExists returns true if bucket exists.
func (m *MemoryStore) BucketExists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

// DeleteBucket removes a bucket entry and any remaining records.
func (m *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return ErrBucketNotFound
	}
	delete(m.buckets, name)
	delete(m.objects, name)
	return nil
}

// PutObject inserts or fully replaces the record for (bucket, key).
func (m *MemoryStore) PutObject(ctx context.Context, rec Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[rec.Bucket]
	if !ok {
		return ErrBucketNotFound
	}
	objs[rec.Key] = rec
	return nil
}

// GetObject returns the record for (bucket, key).
func (m *MemoryStore) GetObject(ctx context.Context, bucket, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return Object{}, ErrBucketNotFound
	}
	rec, ok := objs[key]
	if !ok {
		return Object{}, ErrObjectNotFound
	}
	return rec, nil
}

// DeleteObject removes the record for (bucket, key). Removing an absent
// record is not an error; object deletion is idempotent.
func (m *MemoryStore) DeleteObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if objs, ok := m.objects[bucket]; ok {
		delete(objs, key)
	}
	return nil
}

// ListObjects returns records ordered by key under prefix.
func (m *MemoryStore) ListObjects(ctx context.Context, bucket, prefix, startAfter string, max int) ([]Object, bool, error) {
	m.mu.RLock()
	objs, ok := m.objects[bucket]
	if !ok {
		m.mu.RUnlock()
		return nil, false, ErrBucketNotFound
	}
	all := make([]Object, 0, len(objs))
	for _, rec := range objs {
		all = append(all, rec)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return pageObjects(all, prefix, startAfter, max)
}

// pageObjects applies prefix/startAfter/max to a key-sorted record slice.
func pageObjects(all []Object, prefix, startAfter string, max int) ([]Object, bool, error) {
	out := make([]Object, 0, max)
	truncated := false
	for _, rec := range all {
		if prefix != "" && !hasPrefix(rec.Key, prefix) {
			continue
		}
		if startAfter != "" && rec.Key <= startAfter {
			continue
		}
		if max > 0 && len(out) == max {
			truncated = true
			break
		}
		out = append(out, rec)
	}
	return out, truncated, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func nowUTC() time.Time { return time.Now().UTC() }
