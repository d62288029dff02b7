package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const recordSuffix = ".json"

// FSStore is a durable metadata store backed by one JSON sidecar file per
// record. Bucket entries live under <root>/buckets/<name>.json; object
// records under <root>/records/<bucket>/<key>.json, mirroring the key's path
// segments. Every write goes through a temp file plus rename so that a crash
// never leaves a half-written record behind.
type FSStore struct {
	mu   sync.RWMutex
	root string
}

// NewFSStore creates (if needed) and opens a metadata root directory.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("metadata: no root directory configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{abs, filepath.Join(abs, "buckets"), filepath.Join(abs, "records")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, err
		}
	}
	return &FSStore{root: abs}, nil
}

// Probe verifies the metadata root is writable. Used by the health endpoint.
func (s *FSStore) Probe(ctx context.Context) error {
	p := filepath.Join(s.root, ".probe")
	if err := os.WriteFile(p, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(p)
}

func (s *FSStore) bucketPath(name string) string {
	return filepath.Join(s.root, "buckets", name+recordSuffix)
}

func (s *FSStore) recordPath(bucket, key string) (string, error) {
	// reject keys whose cleaned form differs rather than silently rewriting them
	if key == "" || strings.TrimPrefix(filepath.Clean("/"+key), "/") != key {
		return "", fmt.Errorf("metadata: invalid record key %q", key)
	}
	p := filepath.Join(s.root, "records", bucket, key+recordSuffix)
	base := filepath.Join(s.root, "records", bucket)
	if !strings.HasPrefix(p, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("metadata: invalid record path for key %q", key)
	}
	return p, nil
}

// writeJSON persists v at path atomically (temp file in the same directory,
// then rename).
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ListBuckets returns all buckets sorted by name.
func (s *FSStore) ListBuckets(ctx context.Context) ([]Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(filepath.Join(s.root, "buckets"))
	if err != nil {
		return nil, err
	}
	out := make([]Bucket, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		var b Bucket
		if err := readJSON(filepath.Join(s.root, "buckets", e.Name()), &b); err != nil {
			continue // skip unreadable entries rather than failing the listing
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateBucket persists a bucket entry; fails if one already exists.
func (s *FSStore) CreateBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.bucketPath(name)
	if _, err := os.Stat(p); err == nil {
		return ErrBucketExists
	}
	b := Bucket{Name: name, CreationDate: nowUTC()}
	return writeJSON(p, b)
}

// BucketExists reports whether a bucket entry exists.
func (s *FSStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.bucketPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// DeleteBucket removes the bucket entry and its record directory. The engine
// enforces the require-empty policy before calling this, so removing the
// record directory cannot drop still-visible objects except during a
// best-effort cascade after a partial failure.
func (s *FSStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.bucketPath(name)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketNotFound
		}
		return err
	}
	if err := os.Remove(p); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, "records", name))
}

// PutObject inserts or fully replaces the record for (bucket, key).
func (s *FSStore) PutObject(ctx context.Context, rec Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.bucketPath(rec.Bucket)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketNotFound
		}
		return err
	}
	p, err := s.recordPath(rec.Bucket, rec.Key)
	if err != nil {
		return err
	}
	return writeJSON(p, rec)
}

// GetObject returns the record for (bucket, key).
func (s *FSStore) GetObject(ctx context.Context, bucket, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.recordPath(bucket, key)
	if err != nil {
		return Object{}, err
	}
	var rec Object
	if err := readJSON(p, &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, berr := os.Stat(s.bucketPath(bucket)); errors.Is(berr, fs.ErrNotExist) {
				return Object{}, ErrBucketNotFound
			}
			return Object{}, ErrObjectNotFound
		}
		return Object{}, err
	}
	return rec, nil
}

// DeleteObject removes the record for (bucket, key); absent records are fine.
func (s *FSStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.recordPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	removeEmptyDirs(filepath.Dir(p), filepath.Join(s.root, "records", bucket))
	return nil
}

// ListObjects walks the bucket's record tree and returns a key-sorted page.
// The walk snapshots records into memory under the read lock, so the page is
// consistent with respect to records that existed when the listing started.
func (s *FSStore) ListObjects(ctx context.Context, bucket, prefix, startAfter string, max int) ([]Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(s.bucketPath(bucket)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, ErrBucketNotFound
		}
		return nil, false, err
	}
	dir := filepath.Join(s.root, "records", bucket)
	var all []Object
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), recordSuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		var rec Object
		if rerr := readJSON(path, &rec); rerr != nil {
			return nil // skip torn/foreign files
		}
		all = append(all, rec)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return pageObjects(all, prefix, startAfter, max)
}

// removeEmptyDirs prunes empty parent directories up to (not including) stop.
func removeEmptyDirs(dir, stop string) {
	for dir != stop && dir != "/" && dir != "." && dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
