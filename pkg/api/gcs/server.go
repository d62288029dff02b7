// Package gcs translates the Google Cloud Storage JSON API dialect onto the
// canonical storage engine: /storage/v1/b resource paths, JSON resource
// envelopes, the alt=media content/metadata split, and GCS's JSON error
// bodies.
package gcs

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"polystore/pkg/engine"
)

// Server routes GCS JSON API requests onto the engine. Stateless.
type Server struct {
	eng *engine.Engine
}

// New returns a new GCS JSON API server over the engine.
func New(eng *engine.Engine) *Server { return &Server{eng: eng} }

// Handler returns an http.Handler for GCS routes. The /gcs prefix has already
// been stripped by the router, leaving /storage/v1/... and /upload/storage/v1/...
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

type bucketResource struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	TimeCreated string `json:"timeCreated"`
}

type objectResource struct {
	Kind        string            `json:"kind"`
	Name        string            `json:"name"`
	Bucket      string            `json:"bucket"`
	Size        string            `json:"size"` // decimal string, per the GCS API
	ContentType string            `json:"contentType"`
	ETag        string            `json:"etag"`
	MD5Hash     string            `json:"md5Hash,omitempty"`
	TimeCreated string            `json:"timeCreated"`
	Updated     string            `json:"updated"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if rest, ok := strings.CutPrefix(path, "/upload/storage/v1/b/"); ok {
		s.handleMediaUpload(w, r, rest)
		return
	}
	rest, ok := strings.CutPrefix(path, "/storage/v1/b")
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		s.handleBuckets(w, r)
		return
	}
	// {bucket} | {bucket}/o | {bucket}/o/{object...}
	parts := strings.SplitN(rest, "/", 3)
	bucket := parts[0]
	switch {
	case len(parts) == 1:
		s.handleBucket(w, r, bucket)
	case parts[1] != "o":
		writeError(w, http.StatusNotFound, "Not Found")
	case len(parts) == 2 || parts[2] == "":
		s.handleListObjects(w, r, bucket)
	default:
		name, err := url.PathUnescape(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid object name encoding")
			return
		}
		s.handleObject(w, r, bucket, name)
	}
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		bs, err := s.eng.ListBuckets(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		items := make([]bucketResource, 0, len(bs))
		for _, b := range bs {
			items = append(items, toBucketResource(b))
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": "storage#buckets", "items": items})
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			writeError(w, http.StatusBadRequest, "Required parameter: name")
			return
		}
		if err := s.eng.CreateBucket(r.Context(), req.Name); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bucketResource{
			Kind:        "storage#bucket",
			Name:        req.Name,
			TimeCreated: time.Now().UTC().Format(time.RFC3339),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodGet:
		bs, err := s.eng.ListBuckets(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		for _, b := range bs {
			if b.Name == bucket {
				writeJSON(w, http.StatusOK, toBucketResource(b))
				return
			}
		}
		writeEngineError(w, engine.ErrBucketNotFound)
	case http.MethodDelete:
		if err := s.eng.DeleteBucket(r.Context(), bucket); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	maxResults := 1000
	if v := q.Get("maxResults"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxResults = n
		}
	}
	res, err := s.eng.ListObjects(r.Context(), bucket, engine.ListOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: q.Get("pageToken"),
		MaxKeys:    maxResults,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	items := make([]objectResource, 0, len(res.Objects))
	for _, o := range res.Objects {
		items = append(items, toObjectResource(o))
	}
	out := map[string]any{"kind": "storage#objects", "items": items}
	if len(res.CommonPrefixes) > 0 {
		out["prefixes"] = res.CommonPrefixes
	}
	if res.Truncated {
		out["nextPageToken"] = res.NextMarker
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, bucket, name string) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("alt") == "media" {
			s.serveMedia(w, r, bucket, name)
			return
		}
		info, err := s.eng.HeadObject(r.Context(), bucket, name)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toObjectResource(info))
	case http.MethodPut:
		info, err := s.eng.PutObject(r.Context(), bucket, name, r.Body,
			r.Header.Get("Content-Type"), nil)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toObjectResource(info))
	case http.MethodDelete:
		// GCS delete reports 404 for absent objects even though the engine's
		// delete is idempotent.
		if _, err := s.eng.HeadObject(r.Context(), bucket, name); err != nil {
			writeEngineError(w, err)
			return
		}
		if err := s.eng.DeleteObject(r.Context(), bucket, name); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleMediaUpload implements the uploadType=media form of object insertion:
// POST /upload/storage/v1/b/{bucket}/o?name={object}.
func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	if r.Method != http.MethodPost || len(parts) != 2 || parts[1] != "o" {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "Required parameter: name")
		return
	}
	info, err := s.eng.PutObject(r.Context(), parts[0], name, r.Body,
		r.Header.Get("Content-Type"), nil)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObjectResource(info))
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request, bucket, name string) {
	rc, info, rng, err := s.eng.GetObject(r.Context(), bucket, name, r.Header.Get("Range"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("ETag", info.ETag)
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	if rng != nil {
		w.Header().Set("Content-Range", rng.ContentRange())
		w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
	}
	_, _ = io.Copy(w, rc)
}

func toBucketResource(b engine.BucketInfo) bucketResource {
	return bucketResource{
		Kind:        "storage#bucket",
		Name:        b.Name,
		TimeCreated: b.CreationDate.UTC().Format(time.RFC3339),
	}
}

func toObjectResource(o engine.ObjectInfo) objectResource {
	return objectResource{
		Kind:        "storage#object",
		Name:        o.Key,
		Bucket:      o.Bucket,
		Size:        strconv.FormatInt(o.Size, 10),
		ContentType: o.ContentType,
		ETag:        o.ETag,
		MD5Hash:     md5Base64(o.ETag),
		TimeCreated: o.Created.UTC().Format(time.RFC3339),
		Updated:     o.LastModified.UTC().Format(time.RFC3339),
		Metadata:    o.Custom,
	}
}

// md5Base64 re-encodes the hex checksum ETag as base64, the encoding the GCS
// API uses for md5Hash.
func md5Base64(hexSum string) string {
	raw, err := hex.DecodeString(hexSum)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type gcsError struct {
	Error struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Errors  []gcsErrorItem `json:"errors"`
	} `json:"error"`
}

type gcsErrorItem struct {
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorReason(w, status, reasonForStatus(status), message)
}

func writeErrorReason(w http.ResponseWriter, status int, reason, message string) {
	var e gcsError
	e.Error.Code = status
	e.Error.Message = message
	e.Error.Errors = []gcsErrorItem{{Domain: "global", Reason: reason, Message: message}}
	writeJSON(w, status, e)
}

func reasonForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return "notFound"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest:
		return "invalid"
	default:
		return "internalError"
	}
}

// writeEngineError maps an engine error kind onto the GCS status/reason table.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrBucketNotFound):
		writeErrorReason(w, http.StatusNotFound, "notFound", "The specified bucket does not exist.")
	case errors.Is(err, engine.ErrObjectNotFound):
		writeErrorReason(w, http.StatusNotFound, "notFound", "No such object")
	case errors.Is(err, engine.ErrBucketExists):
		writeErrorReason(w, http.StatusConflict, "conflict", "You already own this bucket. Please select another name.")
	case errors.Is(err, engine.ErrInvalidName):
		writeErrorReason(w, http.StatusBadRequest, "invalid", "Invalid bucket or object name")
	case errors.Is(err, engine.ErrBucketNotEmpty):
		writeErrorReason(w, http.StatusConflict, "conflict", "The bucket you tried to delete is not empty.")
	case errors.Is(err, engine.ErrRangeNotSatisfiable):
		writeErrorReason(w, http.StatusRequestedRangeNotSatisfiable, "requestedRangeNotSatisfiable", "Request range not satisfiable")
	case errors.Is(err, engine.ErrConflict):
		writeErrorReason(w, http.StatusConflict, "conflict", "A concurrent operation won a commit race; retry the request.")
	default:
		writeErrorReason(w, http.StatusInternalServerError, "internalError", "Internal error. Please try again.")
	}
}
