package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"polystore/pkg/engine"
)

type fakeSweeper struct {
	mu        sync.Mutex
	olderThan []time.Duration
	sweepRet  int
	active    int
}

func (f *fakeSweeper) Sweep(olderThan time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.olderThan = append(f.olderThan, olderThan)
	return f.sweepRet
}

func (f *fakeSweeper) Stats() engine.SessionStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.SessionStats{Active: f.active}
}

func (f *fakeSweeper) calls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.olderThan...)
}

func TestRunSessionGC(t *testing.T) {
	fs := &fakeSweeper{sweepRet: 3, active: 2}
	res := RunSessionGC(fs, 15*time.Minute)
	if res.Swept != 3 || res.Active != 2 {
		t.Fatalf("stats = %+v, want Swept=3 Active=2", res)
	}
	if calls := fs.calls(); len(calls) != 1 || calls[0] != 15*time.Minute {
		t.Fatalf("sweep calls = %v", calls)
	}
}

func TestSessionGCHandler(t *testing.T) {
	fs := &fakeSweeper{sweepRet: 1, active: 4}
	h := NewSessionGCHandler(fs)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/gc/sessions?olderThan=5m", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got GCStats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Swept != 1 || got.Active != 4 {
		t.Fatalf("stats = %+v", got)
	}
	if calls := fs.calls(); len(calls) != 1 || calls[0] != 5*time.Minute {
		t.Fatalf("olderThan not honored: %v", calls)
	}
}

func TestSessionGCHandlerDefaultsAndMethod(t *testing.T) {
	fs := &fakeSweeper{}
	h := NewSessionGCHandler(fs)

	// Bad duration falls back to the 30m default.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/gc/sessions?olderThan=bogus", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if calls := fs.calls(); len(calls) != 1 || calls[0] != 30*time.Minute {
		t.Fatalf("default olderThan not applied: %v", calls)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/gc/sessions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}
	if len(fs.calls()) != 1 {
		t.Fatalf("GET must not trigger a sweep")
	}
}

func TestStartSessionGCSweepsPeriodically(t *testing.T) {
	fs := &fakeSweeper{sweepRet: 1}
	stop := StartSessionGC(context.Background(), fs, 10*time.Millisecond, time.Minute, nil)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.calls()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 2 sweeps, got %d", len(fs.calls()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, d := range fs.calls() {
		if d != time.Minute {
			t.Fatalf("sweep olderThan = %v, want 1m", d)
		}
	}

	stop()
	time.Sleep(30 * time.Millisecond)
	n := len(fs.calls())
	time.Sleep(50 * time.Millisecond)
	if len(fs.calls()) != n {
		t.Fatalf("sweeps continued after stop")
	}
}
