package s3

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"polystore/pkg/engine"
	"polystore/pkg/metadata"
	"polystore/pkg/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	blobs, err := storage.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	srv := httptest.NewServer(New(engine.New(metadata.NewMemoryStore(), blobs)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, hdr map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var e struct {
		Code string `xml:"Code"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e.Code
}

func TestBucketOperations(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/mybucket", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create bucket status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPut, srv.URL+"/mybucket", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "BucketAlreadyOwnedByYou" {
		t.Fatalf("duplicate create code = %q", code)
	}

	resp = do(t, http.MethodPut, srv.URL+"/Bad_Bucket", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid name status = %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "InvalidBucketName" {
		t.Fatalf("invalid name code = %q", code)
	}

	resp = do(t, http.MethodHead, srv.URL+"/mybucket", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head bucket status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodHead, srv.URL+"/absent", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("head absent bucket status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list buckets status = %d", resp.StatusCode)
	}
	var lb struct {
		Buckets struct {
			Bucket []struct {
				Name string `xml:"Name"`
			} `xml:"Bucket"`
		} `xml:"Buckets"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&lb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(lb.Buckets.Bucket) != 1 || lb.Buckets.Bucket[0].Name != "mybucket" {
		t.Fatalf("buckets = %+v", lb.Buckets.Bucket)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/mybucket", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete bucket status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodDelete, srv.URL+"/mybucket", "", nil)
	if code := errorCode(t, resp); code != "NoSuchBucket" {
		t.Fatalf("delete absent code = %q", code)
	}
}

func TestObjectRoundtrip(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/bkt", "", nil).Body.Close()

	resp := do(t, http.MethodPut, srv.URL+"/bkt/dir/hello.txt", "hello s3", map[string]string{
		"Content-Type":  "text/plain",
		"x-amz-meta-op": "roundtrip",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" || !strings.HasPrefix(etag, "\"") {
		t.Fatalf("put etag = %q", etag)
	}

	resp = do(t, http.MethodGet, srv.URL+"/bkt/dir/hello.txt", "", nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "hello s3" {
		t.Fatalf("get = %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("ETag"); got != etag {
		t.Fatalf("get etag = %q, want %q", got, etag)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content type = %q", ct)
	}
	if meta := resp.Header.Get("x-amz-meta-op"); meta != "roundtrip" {
		t.Fatalf("custom metadata = %q", meta)
	}

	resp = do(t, http.MethodHead, srv.URL+"/bkt/dir/hello.txt", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Length") != "8" {
		t.Fatalf("head = %d len=%s", resp.StatusCode, resp.Header.Get("Content-Length"))
	}

	resp = do(t, http.MethodDelete, srv.URL+"/bkt/dir/hello.txt", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	// Idempotent at the S3 surface.
	resp = do(t, http.MethodDelete, srv.URL+"/bkt/dir/hello.txt", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("repeat delete status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/bkt/dir/hello.txt", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "NoSuchKey" {
		t.Fatalf("get deleted code = %q", code)
	}
}

func TestRangeRequests(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/bkt", "", nil).Body.Close()
	do(t, http.MethodPut, srv.URL+"/bkt/k", "0123456789", nil).Body.Close()

	resp := do(t, http.MethodGet, srv.URL+"/bkt/k", "", map[string]string{"Range": "bytes=2-5"})
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent || string(body) != "2345" {
		t.Fatalf("range get = %d %q", resp.StatusCode, body)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Fatalf("content range = %q", cr)
	}

	resp = do(t, http.MethodGet, srv.URL+"/bkt/k", "", map[string]string{"Range": "bytes=50-60"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("unsatisfiable status = %d", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes */10" {
		t.Fatalf("unsatisfiable content range = %q", cr)
	}
	if code := errorCode(t, resp); code != "InvalidRange" {
		t.Fatalf("unsatisfiable code = %q", code)
	}

	// Multi-range degrades to the full object.
	resp = do(t, http.MethodGet, srv.URL+"/bkt/k", "", map[string]string{"Range": "bytes=0-1,4-5"})
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "0123456789" {
		t.Fatalf("multi-range = %d %q", resp.StatusCode, body)
	}
}

func TestListObjects(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/bkt", "", nil).Body.Close()
	for _, k := range []string{"a/1", "a/2", "top", "z/9"} {
		do(t, http.MethodPut, srv.URL+"/bkt/"+k, "x", nil).Body.Close()
	}

	resp := do(t, http.MethodGet, srv.URL+"/bkt?delimiter=/", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var out struct {
		Contents []struct {
			Key string `xml:"Key"`
		} `xml:"Contents"`
		CommonPrefixes []struct {
			Prefix string `xml:"Prefix"`
		} `xml:"CommonPrefixes"`
		IsTruncated bool `xml:"IsTruncated"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Contents) != 1 || out.Contents[0].Key != "top" {
		t.Fatalf("contents = %+v", out.Contents)
	}
	if len(out.CommonPrefixes) != 2 || out.CommonPrefixes[0].Prefix != "a/" || out.CommonPrefixes[1].Prefix != "z/" {
		t.Fatalf("prefixes = %+v", out.CommonPrefixes)
	}

	resp = do(t, http.MethodGet, srv.URL+"/missing", "", nil)
	if code := errorCode(t, resp); code != "NoSuchBucket" {
		t.Fatalf("list missing bucket code = %q", code)
	}
}

func TestListObjectsPaging(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/bkt", "", nil).Body.Close()
	for _, k := range []string{"k1", "k2", "k3"} {
		do(t, http.MethodPut, srv.URL+"/bkt/"+k, "x", nil).Body.Close()
	}

	var keys []string
	marker := ""
	for {
		u := srv.URL + "/bkt?max-keys=2"
		if marker != "" {
			u += "&marker=" + marker
		}
		resp := do(t, http.MethodGet, u, "", nil)
		var out struct {
			Contents []struct {
				Key string `xml:"Key"`
			} `xml:"Contents"`
			IsTruncated bool   `xml:"IsTruncated"`
			NextMarker  string `xml:"NextMarker"`
		}
		if err := xml.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		for _, c := range out.Contents {
			keys = append(keys, c.Key)
		}
		if !out.IsTruncated {
			break
		}
		marker = out.NextMarker
	}
	if len(keys) != 3 {
		t.Fatalf("paged keys = %v", keys)
	}
}

func TestPutIntoMissingBucket(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPut, srv.URL+"/nobucket/k", "x", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "NoSuchBucket" {
		t.Fatalf("code = %q", code)
	}
}
