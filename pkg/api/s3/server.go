// Package s3 translates the S3 REST dialect onto the canonical storage
// engine: path-style bucket/object addressing, XML envelopes, and the S3
// error-code table that AWS SDKs and tools like rclone expect.
package s3

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"polystore/pkg/engine"
)

// metaHeaderPrefix marks request headers persisted as custom object metadata.
const metaHeaderPrefix = "x-amz-meta-"

// Server routes S3 requests onto the engine. It is stateless; all persistence
// lives behind the engine.
type Server struct {
	eng *engine.Engine
}

// New returns a new S3 API server over the engine.
func New(eng *engine.Engine) *Server { return &Server{eng: eng} }

// Handler returns an http.Handler for S3 routes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

type listBucketsResult struct {
	XMLName xml.Name `xml:"ListAllMyBucketsResult"`
	Xmlns   string   `xml:"xmlns,attr"`
	Owner   owner    `xml:"Owner"`
	Buckets buckets  `xml:"Buckets"`
}

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type buckets struct {
	Bucket []bucketEntry `xml:"Bucket"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Xmlns          string         `xml:"xmlns,attr"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	Contents       []contents     `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type contents struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		if r.Method == http.MethodGet {
			s.handleListBuckets(w, r)
			return
		}
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(p, "/", 2)
	bucketName := parts[0]
	var key string
	if len(parts) == 2 {
		key = parts[1]
	}
	if key == "" {
		s.handleBucket(w, r, bucketName)
		return
	}
	s.handleObject(w, r, bucketName, key)
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	bs, err := s.eng.ListBuckets(r.Context())
	if err != nil {
		writeEngineError(w, err, r.URL.Path)
		return
	}
	res := listBucketsResult{
		Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/",
		Owner: owner{ID: "anonymous", DisplayName: "anonymous"},
	}
	for _, b := range bs {
		res.Buckets.Bucket = append(res.Buckets.Bucket, bucketEntry{
			Name:         b.Name,
			CreationDate: b.CreationDate.UTC().Format(time.RFC3339),
		})
	}
	writeXML(w, http.StatusOK, res)
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodPut:
		if err := s.eng.CreateBucket(r.Context(), name); err != nil {
			writeEngineError(w, err, "/"+name)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := s.eng.DeleteBucket(r.Context(), name); err != nil {
			writeEngineError(w, err, "/"+name)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead:
		ok, err := s.eng.BucketExists(r.Context(), name)
		if err != nil {
			writeEngineError(w, err, "/"+name)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s.handleListObjects(w, r, name)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed",
			"The specified method is not allowed against this resource.", "/"+name)
	}
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxKeys = n
		}
	}
	marker := q.Get("marker")
	if marker == "" {
		marker = q.Get("start-after") // ListObjectsV2 spelling
	}
	res, err := s.eng.ListObjects(r.Context(), bucket, engine.ListOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: marker,
		MaxKeys:    maxKeys,
	})
	if err != nil {
		writeEngineError(w, err, "/"+bucket)
		return
	}
	out := listBucketResult{
		Xmlns:       "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:        bucket,
		Prefix:      q.Get("prefix"),
		Marker:      q.Get("marker"),
		Delimiter:   q.Get("delimiter"),
		MaxKeys:     maxKeys,
		IsTruncated: res.Truncated,
	}
	if res.Truncated {
		out.NextMarker = res.NextMarker
	}
	for _, o := range res.Objects {
		out.Contents = append(out.Contents, contents{
			Key:          o.Key,
			LastModified: o.LastModified.UTC().Format(time.RFC3339),
			ETag:         quoteETag(o.ETag),
			Size:         o.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, p := range res.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, commonPrefix{Prefix: p})
	}
	writeXML(w, http.StatusOK, out)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	switch r.Method {
	case http.MethodPut:
		info, err := s.eng.PutObject(r.Context(), bucket, key, r.Body,
			r.Header.Get("Content-Type"), customMetadata(r.Header))
		if err != nil {
			writeEngineError(w, err, r.URL.Path)
			return
		}
		w.Header().Set("ETag", quoteETag(info.ETag))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		rc, info, rng, err := s.eng.GetObject(r.Context(), bucket, key, r.Header.Get("Range"))
		if err != nil {
			if errors.Is(err, engine.ErrRangeNotSatisfiable) {
				info, herr := s.eng.HeadObject(r.Context(), bucket, key)
				if herr == nil {
					w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(info.Size, 10))
				}
			}
			writeEngineError(w, err, r.URL.Path)
			return
		}
		defer rc.Close()
		setObjectHeaders(w.Header(), info)
		if rng != nil {
			w.Header().Set("Content-Range", rng.ContentRange())
			w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
			w.WriteHeader(http.StatusOK)
		}
		_, _ = io.Copy(w, rc)
	case http.MethodHead:
		info, err := s.eng.HeadObject(r.Context(), bucket, key)
		if err != nil {
			writeEngineError(w, err, r.URL.Path)
			return
		}
		setObjectHeaders(w.Header(), info)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := s.eng.DeleteObject(r.Context(), bucket, key); err != nil {
			writeEngineError(w, err, r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed",
			"The specified method is not allowed against this resource.", r.URL.Path)
	}
}

// customMetadata collects x-amz-meta-* request headers into the custom
// metadata map persisted with the object.
func customMetadata(h http.Header) map[string]string {
	var out map[string]string
	for name, vals := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, metaHeaderPrefix) || len(vals) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[strings.TrimPrefix(lower, metaHeaderPrefix)] = vals[0]
	}
	return out
}

func setObjectHeaders(h http.Header, info engine.ObjectInfo) {
	h.Set("ETag", quoteETag(info.ETag))
	h.Set("Content-Type", info.ContentType)
	h.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	for k, v := range info.Custom {
		h.Set(metaHeaderPrefix+k, v)
	}
}

func quoteETag(s string) string { return "\"" + s + "\"" }

// S3 error response encoding
type s3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, resource string) {
	writeXML(w, status, s3Error{Code: code, Message: message, Resource: resource})
}

// writeEngineError maps an engine error kind onto the S3 status/code table.
func writeEngineError(w http.ResponseWriter, err error, resource string) {
	switch {
	case errors.Is(err, engine.ErrBucketNotFound):
		writeError(w, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.", resource)
	case errors.Is(err, engine.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", resource)
	case errors.Is(err, engine.ErrBucketExists):
		writeError(w, http.StatusConflict, "BucketAlreadyOwnedByYou",
			"Your previous request to create the named bucket succeeded and you already own it.", resource)
	case errors.Is(err, engine.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "InvalidBucketName", "The specified bucket is not valid.", resource)
	case errors.Is(err, engine.ErrBucketNotEmpty):
		writeError(w, http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty.", resource)
	case errors.Is(err, engine.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range cannot be satisfied.", resource)
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, "OperationAborted",
			"A conflicting conditional operation is currently in progress against this resource. Please try again.", resource)
	default:
		writeError(w, http.StatusInternalServerError, "InternalError",
			"We encountered an internal error. Please try again.", resource)
	}
}
