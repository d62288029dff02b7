// Package webdav translates WebDAV (RFC 4918 class 1) onto the canonical
// storage engine for Files-app style clients: buckets are top-level
// collections, object-key prefixes appear as nested collections in PROPFIND
// listings, MKCOL creates a bucket, and PUT/GET/DELETE address leaf objects.
package webdav

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"polystore/pkg/engine"
)

// Prefix is the URL prefix the router strips before delegating here. Kept
// here because multistatus hrefs must be absolute against the original URL.
const Prefix = "/webdav"

// Server routes WebDAV requests onto the engine. Stateless.
type Server struct {
	eng *engine.Engine
}

// New returns a new WebDAV server over the engine.
func New(eng *engine.Engine) *Server { return &Server{eng: eng} }

// Handler returns an http.Handler for WebDAV routes (prefix already
// stripped).
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

// multistatus is the 207 response envelope. The D: prefixed names plus the
// xmlns:D attribute on the root produce the wire format clients expect.
type multistatus struct {
	XMLName   xml.Name   `xml:"D:multistatus"`
	XmlnsD    string     `xml:"xmlns:D,attr"`
	Responses []response `xml:"D:response"`
}

type response struct {
	Href     string   `xml:"D:href"`
	Propstat propstat `xml:"D:propstat"`
}

type propstat struct {
	Prop   prop   `xml:"D:prop"`
	Status string `xml:"D:status"`
}

type prop struct {
	ResourceType   resourceType `xml:"D:resourcetype"`
	DisplayName    string       `xml:"D:displayname"`
	ContentLength  *int64       `xml:"D:getcontentlength,omitempty"`
	ContentType    string       `xml:"D:getcontenttype,omitempty"`
	LastModified   string       `xml:"D:getlastmodified,omitempty"`
	ETag           string       `xml:"D:getetag,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

var collectionType = resourceType{Collection: &struct{}{}}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	p := strings.Trim(r.URL.Path, "/")
	isCollection := p == "" || strings.HasSuffix(r.URL.Path, "/")

	if r.Method == "OPTIONS" {
		w.Header().Set("DAV", "1, 2")
		w.Header().Set("Allow", "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, PROPFIND")
		w.WriteHeader(http.StatusOK)
		return
	}

	if p == "" {
		if r.Method == "PROPFIND" {
			s.propfindRoot(w, r)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.SplitN(p, "/", 2)
	bucket := parts[0]
	var key string
	if len(parts) == 2 {
		key = parts[1]
	}

	switch r.Method {
	case "PROPFIND":
		s.propfind(w, r, bucket, key, isCollection)
	case "MKCOL":
		s.mkcol(w, r, bucket, key)
	case http.MethodPut:
		s.put(w, r, bucket, key)
	case http.MethodGet, http.MethodHead:
		s.get(w, r, bucket, key)
	case http.MethodDelete:
		s.delete(w, r, bucket, key)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) propfindRoot(w http.ResponseWriter, r *http.Request) {
	bs, err := s.eng.ListBuckets(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	ms := multistatus{XmlnsD: "DAV:"}
	ms.Responses = append(ms.Responses, collectionResponse(Prefix+"/", "root"))
	if depth(r) != "0" {
		for _, b := range bs {
			ms.Responses = append(ms.Responses, collectionResponse(Prefix+"/"+b.Name+"/", b.Name))
		}
	}
	writeMultistatus(w, ms)
}

func (s *Server) propfind(w http.ResponseWriter, r *http.Request, bucket, key string, isCollection bool) {
	ctx := r.Context()
	ok, err := s.eng.BucketExists(ctx, bucket)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// a leaf object wins over a same-named prefix unless the client asked
	// for a collection explicitly with a trailing slash
	if key != "" && !isCollection {
		if info, err := s.eng.HeadObject(ctx, bucket, key); err == nil {
			ms := multistatus{XmlnsD: "DAV:"}
			ms.Responses = append(ms.Responses, objectResponse(info))
			writeMultistatus(w, ms)
			return
		}
	}

	prefix := key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	res, err := s.eng.ListObjects(ctx, bucket, engine.ListOptions{Prefix: prefix, Delimiter: "/"})
	if err != nil {
		httpError(w, err)
		return
	}
	if key != "" && len(res.Objects) == 0 && len(res.CommonPrefixes) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	name := bucket
	if key != "" {
		segs := strings.Split(strings.TrimSuffix(key, "/"), "/")
		name = segs[len(segs)-1]
	}
	ms := multistatus{XmlnsD: "DAV:"}
	self := Prefix + "/" + bucket + "/"
	if prefix != "" {
		self += prefix
	}
	ms.Responses = append(ms.Responses, collectionResponse(self, name))
	if depth(r) != "0" {
		for _, o := range res.Objects {
			ms.Responses = append(ms.Responses, objectResponse(o))
		}
		for _, cp := range res.CommonPrefixes {
			segs := strings.Split(strings.TrimSuffix(cp, "/"), "/")
			ms.Responses = append(ms.Responses, collectionResponse(Prefix+"/"+bucket+"/"+cp, segs[len(segs)-1]))
		}
	}
	writeMultistatus(w, ms)
}

// mkcol creates a bucket. Collections below bucket level need no
// materialization (they exist implicitly through key prefixes), so a nested
// MKCOL is answered 409.
func (s *Server) mkcol(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if key != "" {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if err := s.eng.CreateBucket(r.Context(), bucket); err != nil {
		if errors.Is(err, engine.ErrBucketExists) {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if key == "" || strings.HasSuffix(r.URL.Path, "/") {
		// no PUT onto a collection
		w.WriteHeader(http.StatusConflict)
		return
	}
	info, err := s.eng.PutObject(r.Context(), bucket, key, r.Body,
		r.Header.Get("Content-Type"), nil)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("ETag", "\""+info.ETag+"\"")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if key == "" || strings.HasSuffix(r.URL.Path, "/") {
		w.Header().Set("Allow", "PROPFIND")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Method == http.MethodHead {
		info, err := s.eng.HeadObject(r.Context(), bucket, key)
		if err != nil {
			httpError(w, err)
			return
		}
		setObjectHeaders(w.Header(), info)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	rc, info, rng, err := s.eng.GetObject(r.Context(), bucket, key, r.Header.Get("Range"))
	if err != nil {
		httpError(w, err)
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
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if key == "" {
		if err := s.eng.DeleteBucket(r.Context(), bucket); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// WebDAV DELETE of a missing resource is 404, unlike the engine's
	// idempotent delete.
	if _, err := s.eng.HeadObject(r.Context(), bucket, key); err != nil {
		httpError(w, err)
		return
	}
	if err := s.eng.DeleteObject(r.Context(), bucket, key); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func depth(r *http.Request) string {
	d := r.Header.Get("Depth")
	if d == "" {
		return "1"
	}
	return d
}

func collectionResponse(href, name string) response {
	return response{
		Href: href,
		Propstat: propstat{
			Prop:   prop{ResourceType: collectionType, DisplayName: name},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func objectResponse(o engine.ObjectInfo) response {
	size := o.Size
	segs := strings.Split(o.Key, "/")
	return response{
		Href: Prefix + "/" + o.Bucket + "/" + o.Key,
		Propstat: propstat{
			Prop: prop{
				DisplayName:   segs[len(segs)-1],
				ContentLength: &size,
				ContentType:   o.ContentType,
				LastModified:  o.LastModified.UTC().Format(http.TimeFormat),
				ETag:          "\"" + o.ETag + "\"",
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func setObjectHeaders(h http.Header, info engine.ObjectInfo) {
	h.Set("Content-Type", info.ContentType)
	h.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	h.Set("ETag", "\""+info.ETag+"\"")
	h.Set("Accept-Ranges", "bytes")
}

func writeMultistatus(w http.ResponseWriter, ms multistatus) {
	w.Header().Set("Content-Type", `application/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(ms)
}

// httpError maps an engine error kind onto plain WebDAV status codes; DAV has
// no error-body convention comparable to the cloud dialects.
func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, engine.ErrAlreadyExists):
		w.WriteHeader(http.StatusMethodNotAllowed)
	case errors.Is(err, engine.ErrInvalidName):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, engine.ErrBucketNotEmpty):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, engine.ErrRangeNotSatisfiable):
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	case errors.Is(err, engine.ErrConflict):
		w.WriteHeader(http.StatusConflict)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
