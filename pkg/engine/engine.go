// Package engine implements the canonical bucket/object model shared by all
// protocol adapters. It composes the metadata store, the blob store, the
// upload session manager, and the range resolver behind one protocol-agnostic
// API; adapters call nothing below it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"polystore/pkg/metadata"
	"polystore/pkg/storage"
)

// ObjectInfo describes a committed object as surfaced to adapters.
type ObjectInfo = metadata.Object

// BucketInfo describes a bucket as surfaced to adapters.
type BucketInfo = metadata.Bucket

// listPageSize is the metadata page size used internally while assembling
// delimiter-collapsed listings.
const listPageSize = 1000

// Engine is the single API surface protocol adapters may call. All methods
// are safe for concurrent use; writes to the same (bucket, key) are mutually
// exclusive, writes to different keys proceed in parallel.
type Engine struct {
	meta     metadata.Store
	blobs    *storage.BlobStore
	sessions *SessionManager

	keys    *lockTable // per (bucket,key), guards the staging→publish swap
	buckets *lockTable // per bucket, write-held for structural changes
}

// New composes an engine over the given stores.
func New(meta metadata.Store, blobs *storage.BlobStore) *Engine {
	return &Engine{
		meta:     meta,
		blobs:    blobs,
		sessions: NewSessionManager(blobs),
		keys:     newLockTable(),
		buckets:  newLockTable(),
	}
}

// Sessions exposes the upload session manager for the reaper and admin API.
func (e *Engine) Sessions() *SessionManager { return e.sessions }

func keyLockName(bucket, key string) string { return bucket + "\x00" + key }

// mapMetaErr converts metadata sentinel errors into engine error kinds.
func mapMetaErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, metadata.ErrBucketNotFound):
		return ErrBucketNotFound
	case errors.Is(err, metadata.ErrObjectNotFound):
		return ErrObjectNotFound
	case errors.Is(err, metadata.ErrBucketExists):
		return ErrBucketExists
	default:
		return err
	}
}

// CreateBucket creates a bucket. Fails with ErrInvalidName when the name
// violates the common naming subset and ErrBucketExists when present.
func (e *Engine) CreateBucket(ctx context.Context, name string) error {
	if err := ValidateBucketName(name); err != nil {
		return err
	}
	unlock := e.buckets.Lock(name)
	defer unlock()
	if err := mapMetaErr(e.meta.CreateBucket(ctx, name)); err != nil {
		return err
	}
	if err := e.blobs.EnsureBucketDir(name); err != nil {
		// roll back the record so metadata and blob trees stay in step
		_ = e.meta.DeleteBucket(ctx, name)
		return ioFail("create bucket dir", err)
	}
	return nil
}

// DeleteBucket removes an empty bucket. The require-empty policy is uniform
// across all adapters: a bucket with objects fails with ErrBucketNotEmpty.
func (e *Engine) DeleteBucket(ctx context.Context, name string) error {
	unlock := e.buckets.Lock(name)
	defer unlock()
	ok, err := e.meta.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBucketNotFound
	}
	recs, _, err := e.meta.ListObjects(ctx, name, "", "", 1)
	if err != nil {
		return mapMetaErr(err)
	}
	if len(recs) > 0 {
		return ErrBucketNotEmpty
	}
	if err := mapMetaErr(e.meta.DeleteBucket(ctx, name)); err != nil {
		return err
	}
	if err := e.blobs.RemoveBucketDir(name); err != nil {
		slog.Error("remove bucket dir", slog.String("bucket", name), slog.String("error", err.Error()))
	}
	return nil
}

// ListBuckets returns all buckets ordered by name.
func (e *Engine) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	return e.meta.ListBuckets(ctx)
}

// BucketExists reports whether a bucket exists.
func (e *Engine) BucketExists(ctx context.Context, name string) (bool, error) {
	return e.meta.BucketExists(ctx, name)
}

// ListOptions selects a page of a bucket listing.
type ListOptions struct {
	Prefix    string
	Delimiter string
	// StartAfter resumes the listing strictly after the given key or common
	// prefix; it doubles as the continuation token.
	StartAfter string
	// MaxKeys caps objects plus common prefixes per page; <= 0 means 1000.
	MaxKeys int
}

// ListResult is one page of a bucket listing. When the page is truncated,
// NextMarker restarts the listing where this page stopped.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	Truncated      bool
	NextMarker     string
}

// ListObjects lists committed objects under a prefix, ordered by key. With a
// delimiter, keys sharing a sub-prefix up to the delimiter collapse into one
// common-prefix entry instead of being enumerated recursively. The page is a
// consistent snapshot with respect to objects committed before the call.
func (e *Engine) ListObjects(ctx context.Context, bucket string, opts ListOptions) (ListResult, error) {
	unlock := e.buckets.RLock(bucket)
	defer unlock()

	max := opts.MaxKeys
	if max <= 0 {
		max = 1000
	}
	var res ListResult
	emitted := 0
	after := opts.StartAfter
	lastPrefix := ""
	for {
		recs, truncated, err := e.meta.ListObjects(ctx, bucket, opts.Prefix, after, listPageSize)
		if err != nil {
			return ListResult{}, mapMetaErr(err)
		}
		for _, rec := range recs {
			entryKey := rec.Key
			isPrefix := false
			if opts.Delimiter != "" {
				rest := strings.TrimPrefix(rec.Key, opts.Prefix)
				if i := strings.Index(rest, opts.Delimiter); i >= 0 {
					entryKey = opts.Prefix + rest[:i+len(opts.Delimiter)]
					isPrefix = true
				}
			}
			if opts.StartAfter != "" && entryKey <= opts.StartAfter {
				continue // already emitted on an earlier page
			}
			if isPrefix && entryKey == lastPrefix {
				continue // same collapsed group
			}
			if emitted == max {
				res.Truncated = true
				return res, nil
			}
			if isPrefix {
				res.CommonPrefixes = append(res.CommonPrefixes, entryKey)
				lastPrefix = entryKey
			} else {
				res.Objects = append(res.Objects, rec)
			}
			res.NextMarker = entryKey
			emitted++
		}
		if !truncated {
			return res, nil
		}
		if len(recs) > 0 {
			after = recs[len(recs)-1].Key
		}
	}
}

// PutObject streams byteSource into an upload session and commits it
// atomically as (bucket, key), fully replacing any previous version and its
// metadata. Returns the committed object's info including its checksum ETag.
func (e *Engine) PutObject(ctx context.Context, bucket, key string, byteSource io.Reader, contentType string, custom map[string]string) (ObjectInfo, error) {
	if err := ValidateObjectKey(key); err != nil {
		return ObjectInfo{}, err
	}
	bunlock := e.buckets.RLock(bucket)
	defer bunlock()
	ok, err := e.meta.BucketExists(ctx, bucket)
	if err != nil {
		return ObjectInfo{}, err
	}
	if !ok {
		return ObjectInfo{}, ErrBucketNotFound
	}

	s, err := e.sessions.Open(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if _, err := e.sessions.Append(ctx, s, byteSource); err != nil {
		e.sessions.Abort(s)
		return ObjectInfo{}, fmt.Errorf("receive body: %w", err)
	}
	return e.commit(ctx, s, contentType, custom)
}

// commit publishes a finished session under the per-key lock and writes the
// metadata record last, so a crash mid-commit can leave a headless blob for
// the scrubber but never an orphaned record.
func (e *Engine) commit(ctx context.Context, s *Session, contentType string, custom map[string]string) (ObjectInfo, error) {
	unlock := e.keys.Lock(keyLockName(s.Bucket, s.Key))
	defer unlock()

	etag, size, err := e.sessions.Commit(s)
	if err != nil {
		return ObjectInfo{}, err
	}
	now := time.Now().UTC()
	rec := ObjectInfo{
		Bucket:       s.Bucket,
		Key:          s.Key,
		Size:         size,
		ETag:         etag,
		ContentType:  defaultContentType(contentType, s.Key),
		Custom:       custom,
		Created:      now,
		LastModified: now,
	}
	if err := e.meta.PutObject(ctx, rec); err != nil {
		// keep the invariant: no record means the blob must not stay visible
		_ = e.blobs.Remove(s.Bucket, s.Key)
		return ObjectInfo{}, fmt.Errorf("write metadata: %w", mapMetaErr(err))
	}
	return rec, nil
}

// GetObject returns the object's content and metadata. A Range header value
// may be supplied; the resolved range (nil for full content) comes back with
// the reader. Fails with ErrObjectNotFound when absent and
// ErrRangeNotSatisfiable when the range starts past the object's size.
func (e *Engine) GetObject(ctx context.Context, bucket, key, rangeHdr string) (io.ReadCloser, ObjectInfo, *ByteRange, error) {
	unlock := e.keys.RLock(keyLockName(bucket, key))
	rec, err := e.meta.GetObject(ctx, bucket, key)
	if err != nil {
		unlock()
		return nil, ObjectInfo{}, nil, mapMetaErr(err)
	}
	rng, err := ResolveRange(rangeHdr, rec.Size)
	if err != nil {
		unlock()
		return nil, ObjectInfo{}, nil, err
	}
	f, size, err := e.blobs.Open(bucket, key)
	unlock() // streaming happens outside the lock; the open handle pins the version
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, nil, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, nil, ioFail("open blob", err)
	}
	if size != rec.Size {
		// record and blob disagree; treat as a lost race and let the caller retry
		f.Close()
		return nil, ObjectInfo{}, nil, ErrConflict
	}
	if rng == nil {
		return f, rec, nil, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, ObjectInfo{}, nil, err
	}
	return &limitedReadCloser{r: io.LimitReader(f, rng.Length()), c: f}, rec, rng, nil
}

// HeadObject returns the object's metadata only.
func (e *Engine) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	rec, err := e.meta.GetObject(ctx, bucket, key)
	return rec, mapMetaErr(err)
}

// DeleteObject removes the object. Idempotent: deleting an absent key
// succeeds silently. The record is removed before the blob so a crash in
// between leaves a headless blob (swept later), never a dangling record.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key string) error {
	unlock := e.keys.Lock(keyLockName(bucket, key))
	defer unlock()
	if err := e.meta.DeleteObject(ctx, bucket, key); err != nil {
		return mapMetaErr(err)
	}
	if err := e.blobs.Remove(bucket, key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioFail("remove blob", err)
	}
	return nil
}

// Health probes both stores for reachability and writability.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.blobs.Probe(ctx); err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	if p, ok := e.meta.(interface{ Probe(context.Context) error }); ok {
		if err := p.Probe(ctx); err != nil {
			return fmt.Errorf("metadata store: %w", err)
		}
	}
	return nil
}

// defaultContentType falls back to the key extension's MIME type, then to
// application/octet-stream.
func defaultContentType(contentType, key string) string {
	if contentType != "" {
		return contentType
	}
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }
