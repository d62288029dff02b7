// Package gateway dispatches inbound requests to the protocol adapter owning
// their URL prefix and hosts the cross-protocol concerns that sit outside the
// storage engine: health probing, CORS headers, and transparent response
// compression.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"polystore/pkg/api/azureblob"
	"polystore/pkg/api/gcs"
	"polystore/pkg/api/s3"
	"polystore/pkg/api/webdav"
	"polystore/pkg/engine"
)

// Router owns protocol dispatch: /azure/ → Azure Blob, /gcs/ → GCS JSON,
// /webdav → WebDAV, /health → the liveness probe, everything else → S3.
type Router struct {
	eng    *engine.Engine
	s3     http.Handler
	azure  http.Handler
	gcs    http.Handler
	webdav http.Handler
}

// New builds a router with all four adapters mounted over the engine.
func New(eng *engine.Engine) *Router {
	return &Router{
		eng:    eng,
		s3:     s3.New(eng).Handler(),
		azure:  http.StripPrefix("/azure", azureblob.New(eng).Handler()),
		gcs:    http.StripPrefix("/gcs", gcs.New(eng).Handler()),
		webdav: http.StripPrefix(webdav.Prefix, webdav.New(eng).Handler()),
	}
}

// Protocol returns the adapter label for a request path, used for metrics.
func Protocol(path string) string {
	switch {
	case strings.HasPrefix(path, "/azure/"), path == "/azure":
		return "azure"
	case strings.HasPrefix(path, "/gcs/"), path == "/gcs":
		return "gcs"
	case strings.HasPrefix(path, "/webdav/"), path == "/webdav":
		return "webdav"
	case path == "/health":
		return "health"
	default:
		return "s3"
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())
	if r.Method == http.MethodOptions && r.URL.Path != "/webdav" && !strings.HasPrefix(r.URL.Path, "/webdav/") {
		// CORS preflight; WebDAV OPTIONS carries protocol meaning and passes through
		w.WriteHeader(http.StatusOK)
		return
	}
	switch Protocol(r.URL.Path) {
	case "azure":
		rt.azure.ServeHTTP(w, r)
	case "gcs":
		rt.gcs.ServeHTTP(w, r)
	case "webdav":
		rt.webdav.ServeHTTP(w, r)
	case "health":
		rt.handleHealth(w, r)
	default:
		rt.s3.ServeHTTP(w, r)
	}
}

// handleHealth reports liveness plus store reachability: it succeeds only if
// both the blob store and the metadata store are writable.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := rt.eng.Health(r.Context()); err != nil {
		slog.Error("health probe failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"service":   "polystore",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"protocols": []string{"S3", "Azure Blob", "Google Cloud Storage", "WebDAV"},
	})
}

// setCORSHeaders mirrors the permissive defaults browsers and mobile Files
// apps need when talking to a local gateway.
func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,Range,Depth,x-amz-date,x-amz-content-sha256")
	h.Set("Access-Control-Allow-Methods", "GET,PUT,POST,DELETE,HEAD,OPTIONS,PROPFIND,MKCOL")
	h.Set("Access-Control-Expose-Headers", "ETag,Content-Length,Content-Range,Accept-Ranges")
}
