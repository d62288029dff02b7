// Package azureblob translates the Azure Blob service dialect onto the
// canonical storage engine: container/blob addressing under /azure/,
// EnumerationResults listings, and Azure's x-ms-* header and error-code
// conventions.
package azureblob

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"polystore/pkg/engine"
)

const (
	metaHeaderPrefix = "x-ms-meta-"
	apiVersion       = "2021-08-06"
)

// Server routes Azure Blob requests onto the engine. Stateless.
type Server struct {
	eng *engine.Engine
}

// New returns a new Azure Blob API server over the engine.
func New(eng *engine.Engine) *Server { return &Server{eng: eng} }

// Handler returns an http.Handler for Azure Blob routes. The /azure prefix
// has already been stripped by the router.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

type enumerationResults struct {
	XMLName       xml.Name        `xml:"EnumerationResults"`
	ContainerName string          `xml:"ContainerName,attr,omitempty"`
	Prefix        string          `xml:"Prefix,omitempty"`
	Delimiter     string          `xml:"Delimiter,omitempty"`
	MaxResults    int             `xml:"MaxResults,omitempty"`
	Containers    *containerList  `xml:"Containers,omitempty"`
	Blobs         *blobList       `xml:"Blobs,omitempty"`
	NextMarker    string          `xml:"NextMarker"`
}

type containerList struct {
	Container []containerEntry `xml:"Container"`
}

type containerEntry struct {
	Name       string              `xml:"Name"`
	Properties containerProperties `xml:"Properties"`
}

type containerProperties struct {
	LastModified string `xml:"Last-Modified"`
}

type blobList struct {
	Blob       []blobEntry  `xml:"Blob"`
	BlobPrefix []blobPrefix `xml:"BlobPrefix"`
}

type blobEntry struct {
	Name       string         `xml:"Name"`
	Properties blobProperties `xml:"Properties"`
}

type blobProperties struct {
	LastModified  string `xml:"Last-Modified"`
	ContentLength int64  `xml:"Content-Length"`
	ContentType   string `xml:"Content-Type"`
	Etag          string `xml:"Etag"`
	BlobType      string `xml:"BlobType"`
}

type blobPrefix struct {
	Name string `xml:"Name"`
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("x-ms-version", apiVersion)
	p := strings.Trim(r.URL.Path, "/")
	if p == "" {
		if r.Method == http.MethodGet {
			s.handleListContainers(w, r)
			return
		}
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.SplitN(p, "/", 2)
	container := parts[0]
	if len(parts) == 1 {
		s.handleContainer(w, r, container)
		return
	}
	s.handleBlob(w, r, container, parts[1])
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	bs, err := s.eng.ListBuckets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res := enumerationResults{Containers: &containerList{}}
	for _, b := range bs {
		res.Containers.Container = append(res.Containers.Container, containerEntry{
			Name:       b.Name,
			Properties: containerProperties{LastModified: b.CreationDate.UTC().Format(http.TimeFormat)},
		})
	}
	writeXML(w, http.StatusOK, res)
}

func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodPut:
		if err := s.eng.CreateBucket(r.Context(), name); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if err := s.eng.DeleteBucket(r.Context(), name); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case http.MethodHead:
		ok, err := s.eng.BucketExists(r.Context(), name)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if !ok {
			writeEngineError(w, engine.ErrBucketNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s.handleListBlobs(w, r, name)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UnsupportedHttpVerb", "The resource doesn't support the specified HTTP verb.")
	}
}

func (s *Server) handleListBlobs(w http.ResponseWriter, r *http.Request, container string) {
	q := r.URL.Query()
	maxResults := 5000
	if v := q.Get("maxresults"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxResults = n
		}
	}
	res, err := s.eng.ListObjects(r.Context(), container, engine.ListOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: q.Get("marker"),
		MaxKeys:    maxResults,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := enumerationResults{
		ContainerName: container,
		Prefix:        q.Get("prefix"),
		Delimiter:     q.Get("delimiter"),
		MaxResults:    maxResults,
		Blobs:         &blobList{},
	}
	if res.Truncated {
		out.NextMarker = res.NextMarker
	}
	for _, o := range res.Objects {
		out.Blobs.Blob = append(out.Blobs.Blob, blobEntry{
			Name: o.Key,
			Properties: blobProperties{
				LastModified:  o.LastModified.UTC().Format(http.TimeFormat),
				ContentLength: o.Size,
				ContentType:   o.ContentType,
				Etag:          o.ETag,
				BlobType:      "BlockBlob",
			},
		})
	}
	for _, p := range res.CommonPrefixes {
		out.Blobs.BlobPrefix = append(out.Blobs.BlobPrefix, blobPrefix{Name: p})
	}
	writeXML(w, http.StatusOK, out)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, container, blob string) {
	switch r.Method {
	case http.MethodPut:
		contentType := r.Header.Get("x-ms-blob-content-type")
		if contentType == "" {
			contentType = r.Header.Get("Content-Type")
		}
		info, err := s.eng.PutObject(r.Context(), container, blob, r.Body, contentType, customMetadata(r.Header))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("ETag", quoteETag(info.ETag))
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		rc, info, rng, err := s.eng.GetObject(r.Context(), container, blob, r.Header.Get("Range"))
		if err != nil {
			if errors.Is(err, engine.ErrRangeNotSatisfiable) {
				if head, herr := s.eng.HeadObject(r.Context(), container, blob); herr == nil {
					w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(head.Size, 10))
				}
			}
			writeEngineError(w, err)
			return
		}
		defer rc.Close()
		setBlobHeaders(w.Header(), info)
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
		info, err := s.eng.HeadObject(r.Context(), container, blob)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		setBlobHeaders(w.Header(), info)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		// Azure delete-blob is not idempotent on the wire: deleting an absent
		// blob reports BlobNotFound even though the engine succeeds silently.
		if _, err := s.eng.HeadObject(r.Context(), container, blob); err != nil {
			writeEngineError(w, err)
			return
		}
		if err := s.eng.DeleteObject(r.Context(), container, blob); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UnsupportedHttpVerb", "The resource doesn't support the specified HTTP verb.")
	}
}

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

func setBlobHeaders(h http.Header, info engine.ObjectInfo) {
	h.Set("ETag", quoteETag(info.ETag))
	h.Set("Content-Type", info.ContentType)
	h.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	h.Set("x-ms-blob-type", "BlockBlob")
	h.Set("Accept-Ranges", "bytes")
	for k, v := range info.Custom {
		h.Set(metaHeaderPrefix+k, v)
	}
}

func quoteETag(s string) string { return "\"" + s + "\"" }

type azureError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("x-ms-error-code", code)
	writeXML(w, status, azureError{Code: code, Message: message})
}

// writeEngineError maps an engine error kind onto the Azure status/code table.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrBucketNotFound):
		writeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
	case errors.Is(err, engine.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
	case errors.Is(err, engine.ErrBucketExists):
		writeError(w, http.StatusConflict, "ContainerAlreadyExists", "The specified container already exists.")
	case errors.Is(err, engine.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "InvalidResourceName", "The specified resource name contains invalid characters.")
	case errors.Is(err, engine.ErrBucketNotEmpty):
		writeError(w, http.StatusConflict, "ContainerNotEmpty", "The specified container is not empty.")
	case errors.Is(err, engine.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The range specified is invalid for the current size of the resource.")
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, "OperationTimedOut", "The operation could not be completed; please retry.")
	default:
		writeError(w, http.StatusInternalServerError, "InternalError", "The server encountered an internal error. Please retry the request.")
	}
}
