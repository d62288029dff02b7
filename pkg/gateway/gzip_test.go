package gateway

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestGzipCompressesWhenAccepted(t *testing.T) {
	payload := strings.Repeat("compressible content ", 64)
	h := Gzip(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, payload)
	}))

	req := httptest.NewRequest(http.MethodGet, "/s3/b/k", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	if got := rec.Header().Get("Vary"); got != "Accept-Encoding" {
		t.Fatalf("Vary = %q, want Accept-Encoding", got)
	}
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read compressed body: %v", err)
	}
	if string(body) != payload {
		t.Fatalf("decompressed body does not match original")
	}
	if rec.Body.Len() >= len(payload) {
		t.Fatalf("compressed body (%d bytes) not smaller than input (%d bytes)", rec.Body.Len(), len(payload))
	}
}

func TestGzipSkippedWithoutAcceptEncoding(t *testing.T) {
	h := Gzip(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain bytes")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s3/b/k", nil))

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("Content-Encoding = %q, want empty", got)
	}
	if rec.Body.String() != "plain bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestGzipPassthroughStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
	}{
		{"partial content", http.StatusPartialContent},
		{"no content", http.StatusNoContent},
		{"not modified", http.StatusNotModified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Gzip(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				if tc.status == http.StatusPartialContent {
					_, _ = io.WriteString(w, "raw range bytes")
				}
			}))
			req := httptest.NewRequest(http.MethodGet, "/s3/b/k", nil)
			req.Header.Set("Accept-Encoding", "gzip")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if got := rec.Header().Get("Content-Encoding"); got != "" {
				t.Fatalf("Content-Encoding = %q, want empty", got)
			}
			if tc.status == http.StatusPartialContent && rec.Body.String() != "raw range bytes" {
				t.Fatalf("range body was altered: %q", rec.Body.String())
			}
		})
	}
}

func TestGzipLeavesPreEncodedResponses(t *testing.T) {
	h := Gzip(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte{0x01, 0x02, 0x03})
	}))
	req := httptest.NewRequest(http.MethodGet, "/s3/b/k", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "br" {
		t.Fatalf("Content-Encoding = %q, want br", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("pre-encoded body was altered")
	}
}
