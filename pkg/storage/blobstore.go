package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// Observer receives storage-level operation samples for instrumentation.
type Observer interface {
	Observe(op string, bytes int64, err error, dur time.Duration)
}

// BlobStore stores object bytes on a single local directory. Committed blobs
// live under <base>/objects/<bucket>/<key>; in-flight uploads are written to
// <base>/staging and become visible only through Publish, which renames the
// staged file into its committed path. Readers therefore never observe a
// partially written blob.
type BlobStore struct {
	base string // absolute base directory
	obs  Observer
}

// NewBlobStore creates a BlobStore rooted at dir, creating the directory
// layout if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: no data directory configured")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{abs, filepath.Join(abs, "objects"), filepath.Join(abs, "staging")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, err
		}
	}
	return &BlobStore{base: abs}, nil
}

// SetObserver wires a storage metrics observer. Pass nil to disable.
func (b *BlobStore) SetObserver(o Observer) { b.obs = o }

// BaseDir returns the absolute base directory of the store.
func (b *BlobStore) BaseDir() string { return b.base }

// ObjectsDir returns the root of the committed-object tree.
func (b *BlobStore) ObjectsDir() string { return filepath.Join(b.base, "objects") }

// StagingDir returns the directory holding in-flight staged files.
func (b *BlobStore) StagingDir() string { return filepath.Join(b.base, "staging") }

func (b *BlobStore) observe(op string, n int64, err error, start time.Time) {
	if b.obs != nil {
		b.obs.Observe(op, n, err, time.Since(start))
	}
}

// Probe verifies the store is writable. Used by the health endpoint.
func (b *BlobStore) Probe(ctx context.Context) error {
	p := filepath.Join(b.base, ".probe")
	if err := os.WriteFile(p, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(p)
}

// ObjectPath maps (bucket, key) onto the committed blob path, rejecting keys
// that would escape the bucket directory.
func (b *BlobStore) ObjectPath(bucket, key string) (string, error) {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, "/\\") {
		return "", fmt.Errorf("storage: invalid bucket %q", bucket)
	}
	cleanKey := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if cleanKey == "" {
		return "", fmt.Errorf("storage: empty key")
	}
	p := filepath.Join(b.base, "objects", bucket, cleanKey)
	base := filepath.Join(b.base, "objects", bucket)
	if !strings.HasPrefix(p, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: invalid object path")
	}
	return p, nil
}

// Stage opens a new staged file named id under the staging directory. The id
// must be a single path element.
func (b *BlobStore) Stage(id string) (*StagedBlob, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\") {
		return nil, fmt.Errorf("storage: invalid staging id %q", id)
	}
	path := filepath.Join(b.base, "staging", id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &StagedBlob{store: b, f: f, path: path}, nil
}

// StagedBlob is an in-flight upload's backing file. It is not visible to any
// read path until Publish succeeds.
type StagedBlob struct {
	store *BlobStore
	f     *os.File
	path  string
	size  int64
	done  bool
}

// Write appends p to the staged file.
func (sb *StagedBlob) Write(p []byte) (int, error) {
	n, err := sb.f.Write(p)
	sb.size += int64(n)
	return n, err
}

// Size returns the number of bytes staged so far.
func (sb *StagedBlob) Size() int64 { return sb.size }

// Abort discards the staged file. Safe to call after a failed Publish; calling
// it after a successful Publish is a no-op.
func (sb *StagedBlob) Abort() error {
	if sb.done {
		return nil
	}
	sb.done = true
	sb.f.Close()
	if err := os.Remove(sb.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Publish durably commits the staged bytes as (bucket, key): fsync the staged
// file, rename it into the committed path, then fsync the parent directory so
// the rename itself is durable. On any error the staged file is left in place
// for Abort to clean up.
func (sb *StagedBlob) Publish(bucket, key string) error {
	start := time.Now()
	err := sb.publish(bucket, key)
	sb.store.observe("publish", sb.size, err, start)
	return err
}

func (sb *StagedBlob) publish(bucket, key string) error {
	if sb.done {
		return fmt.Errorf("storage: staged blob already finalized")
	}
	dst, err := sb.store.ObjectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := sb.f.Sync(); err != nil {
		sb.f.Close()
		return err
	}
	if err := sb.f.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	if err := os.Rename(sb.path, dst); err != nil {
		return err
	}
	sb.done = true
	return syncDir(filepath.Dir(dst))
}

// syncDir fsyncs a directory so the rename that just landed in it survives a
// crash. Directory sync is unsupported on Windows and rejected with EINVAL by
// some filesystems; both cases are treated as success.
func syncDir(dir string) error {
	if dir == "" || runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	if err := df.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// Open returns a reader over the committed blob plus its size. The returned
// file supports seeking for range reads.
func (b *BlobStore) Open(bucket, key string) (*os.File, int64, error) {
	start := time.Now()
	path, err := b.ObjectPath(bucket, key)
	if err != nil {
		b.observe("open", 0, err, start)
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		b.observe("open", 0, err, start)
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		b.observe("open", 0, err, start)
		return nil, 0, err
	}
	b.observe("open", st.Size(), nil, start)
	return f, st.Size(), nil
}

// Remove deletes the committed blob and prunes empty parent directories.
// Removing an absent blob returns fs.ErrNotExist.
func (b *BlobStore) Remove(bucket, key string) error {
	start := time.Now()
	path, err := b.ObjectPath(bucket, key)
	if err != nil {
		b.observe("delete", 0, err, start)
		return err
	}
	err = os.Remove(path)
	if err == nil {
		removeEmptyParents(filepath.Dir(path), filepath.Join(b.base, "objects", bucket))
	}
	b.observe("delete", 0, err, start)
	return err
}

// EnsureBucketDir creates the bucket's blob directory.
func (b *BlobStore) EnsureBucketDir(bucket string) error {
	return os.MkdirAll(filepath.Join(b.base, "objects", bucket), 0o700)
}

// RemoveBucketDir removes the bucket's blob directory and everything in it.
// The engine enforces the require-empty policy before calling this.
func (b *BlobStore) RemoveBucketDir(bucket string) error {
	return os.RemoveAll(filepath.Join(b.base, "objects", bucket))
}

func removeEmptyParents(dir, stop string) {
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
