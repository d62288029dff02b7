package metadata

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	return s
}

func testRecord(bucket, key string) Object {
	now := time.Now().UTC().Truncate(time.Second)
	return Object{
		Bucket:       bucket,
		Key:          key,
		Size:         3,
		ETag:         "acbd18db4cc2f85cedef654fccc4a4d8",
		ContentType:  "text/plain",
		Custom:       map[string]string{"owner": "tests"},
		Created:      now,
		LastModified: now,
	}
}

func TestFSStoreBuckets(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	if err := s.CreateBucket(ctx, "b1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateBucket(ctx, "b1"); !errors.Is(err, ErrBucketExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	ok, err := s.BucketExists(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if err := s.CreateBucket(ctx, "b0"); err != nil {
		t.Fatalf("create b0: %v", err)
	}

	bs, err := s.ListBuckets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bs) != 2 || bs[0].Name != "b0" || bs[1].Name != "b1" {
		t.Fatalf("buckets = %+v", bs)
	}
	if bs[0].CreationDate.IsZero() {
		t.Fatal("creation date not recorded")
	}

	if err := s.DeleteBucket(ctx, "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteBucket(ctx, "b1"); !errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
	ok, _ = s.BucketExists(ctx, "b1")
	if ok {
		t.Fatal("bucket still exists after delete")
	}
}

func TestFSStoreObjectRoundtrip(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()
	if err := s.CreateBucket(ctx, "b"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := testRecord("b", "dir/sub/file.txt")
	if err := s.PutObject(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetObject(ctx, "b", "dir/sub/file.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ETag != rec.ETag || got.Size != rec.Size || got.Custom["owner"] != "tests" {
		t.Fatalf("got = %+v", got)
	}
	if !got.Created.Equal(rec.Created) {
		t.Fatalf("created = %v, want %v", got.Created, rec.Created)
	}

	if _, err := s.GetObject(ctx, "b", "absent"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("get absent: %v", err)
	}
	if _, err := s.GetObject(ctx, "nope", "k"); !errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("get from missing bucket: %v", err)
	}

	if err := s.DeleteObject(ctx, "b", "dir/sub/file.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteObject(ctx, "b", "dir/sub/file.txt"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if _, err := s.GetObject(ctx, "b", "dir/sub/file.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestFSStoreOverwriteRecord(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()
	if err := s.CreateBucket(ctx, "b"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := testRecord("b", "k")
	if err := s.PutObject(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.Size = 99
	rec.ETag = "37b51d194a7513e45b56f6524f2d51f2"
	if err := s.PutObject(ctx, rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.GetObject(ctx, "b", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Size != 99 || got.ETag != rec.ETag {
		t.Fatalf("got = %+v", got)
	}
}

func TestFSStoreListObjects(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()
	if err := s.CreateBucket(ctx, "b"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, k := range []string{"a/2", "a/1", "b", "c/d/e"} {
		if err := s.PutObject(ctx, testRecord("b", k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	recs, truncated, err := s.ListObjects(ctx, "b", "", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if truncated || len(recs) != 4 {
		t.Fatalf("list = %d truncated=%v", len(recs), truncated)
	}
	want := []string{"a/1", "a/2", "b", "c/d/e"}
	for i, k := range want {
		if recs[i].Key != k {
			t.Fatalf("keys = %v, want %v", recs, want)
		}
	}

	recs, truncated, err = s.ListObjects(ctx, "b", "a/", "", 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if !truncated || len(recs) != 1 || recs[0].Key != "a/1" {
		t.Fatalf("page = %+v truncated=%v", recs, truncated)
	}
	recs, truncated, err = s.ListObjects(ctx, "b", "a/", "a/1", 10)
	if err != nil {
		t.Fatalf("list resume: %v", err)
	}
	if truncated || len(recs) != 1 || recs[0].Key != "a/2" {
		t.Fatalf("resume = %+v", recs)
	}

	if _, _, err := s.ListObjects(ctx, "missing", "", "", 10); !errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("list missing bucket: %v", err)
	}
}

func TestFSStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s1, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s1.CreateBucket(ctx, "b"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s1.PutObject(ctx, testRecord("b", fmt.Sprintf("k%d", i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	s2, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	recs, _, err := s2.ListObjects(ctx, "b", "", "", 10)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records after reopen = %d", len(recs))
	}
	if err := s2.Probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()
	if err := s.CreateBucket(ctx, "b"); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := testRecord("b", "../escape")
	if err := s.PutObject(ctx, rec); err == nil {
		t.Fatal("traversal key accepted")
	}
}

func TestMemoryStoreMatchesFSStoreSemantics(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]Store{
		"memory": NewMemoryStore(),
		"fs":     newTestFSStore(t),
	} {
		if err := s.CreateBucket(ctx, "b"); err != nil {
			t.Fatalf("%s create: %v", name, err)
		}
		if err := s.PutObject(ctx, testRecord("b", "k")); err != nil {
			t.Fatalf("%s put: %v", name, err)
		}
		if err := s.DeleteBucket(ctx, "b"); err != nil {
			t.Fatalf("%s delete bucket with records: %v", name, err)
		}
		if _, err := s.GetObject(ctx, "b", "k"); !errors.Is(err, ErrBucketNotFound) {
			t.Fatalf("%s record survived bucket delete: %v", name, err)
		}
	}
}
