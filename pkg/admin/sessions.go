package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"polystore/pkg/engine"
)

// SessionSweeper is the subset of the session manager needed for GC.
type SessionSweeper interface {
	Sweep(olderThan time.Duration) int
	Stats() engine.SessionStats
}

// GCStats summarizes a session GC pass.
type GCStats struct {
	Swept  int `json:"swept"`
	Active int `json:"active"`
}

// RunSessionGC abandons upload sessions idle for longer than 'olderThan'.
// Staged bytes for swept sessions are discarded.
func RunSessionGC(mgr SessionSweeper, olderThan time.Duration) GCStats {
	swept := mgr.Sweep(olderThan)
	return GCStats{Swept: swept, Active: mgr.Stats().Active}
}

// NewSessionGCHandler returns POST /admin/gc/sessions handler that accepts ?olderThan=30m
// and runs a single GC pass. Method must be POST; returns JSON GCStats.
func NewSessionGCHandler(mgr SessionSweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		olderThan := 30 * time.Minute
		if qs := r.URL.Query().Get("olderThan"); qs != "" {
			if d, err := time.ParseDuration(qs); err == nil && d > 0 {
				olderThan = d
			}
		}
		res := RunSessionGC(mgr, olderThan)
		_ = json.NewEncoder(w).Encode(res)
	}
}

// StartSessionGC launches a periodic background sweep that abandons idle upload
// sessions at the given interval. Returns a stop function to cancel the loop.
// If interval/olderThan are invalid, safe defaults are applied.
// Logs a summary after each pass. Safe for use from main and tests.
func StartSessionGC(parent context.Context, mgr SessionSweeper, interval, olderThan time.Duration, logger *slog.Logger) context.CancelFunc {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if olderThan <= 0 {
		olderThan = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res := RunSessionGC(mgr, olderThan)
				if res.Swept > 0 {
					logger.Info("gc: session pass",
						slog.Int("swept", res.Swept),
						slog.Int("active", res.Active),
						slog.String("olderThan", olderThan.String()),
					)
				}
			}
		}
	}()
	return cancel
}
