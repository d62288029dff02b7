package admin

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"polystore/pkg/metadata"
	"polystore/pkg/storage"
)

// ScrubStats captures scrubber activity counters.
type ScrubStats struct {
	Scanned            uint64        `json:"scanned"`
	OrphanRecords      uint64        `json:"orphanRecords"`
	HeadlessBlobs      uint64        `json:"headlessBlobs"`
	StagingSwept       uint64        `json:"stagingSwept"`
	ChecksumMismatches uint64        `json:"checksumMismatches"`
	Errors             uint64        `json:"errors"`
	LastRun            time.Time     `json:"lastRun"`
	LastError          string        `json:"lastError,omitempty"`
	Uptime             time.Duration `json:"uptime"`
}

// ScrubConfig configures the consistency scrubber.
type ScrubConfig struct {
	// Interval controls periodic scrub cadence when running in the background.
	Interval time.Duration
	// Grace is the minimum age before an inconsistency is acted on. Files and
	// records younger than Grace are skipped so in-flight commits are never
	// mistaken for drift.
	Grace time.Duration
	// VerifyChecksums re-hashes each committed blob and compares it against
	// its record's etag. Mismatches are counted, never repaired.
	VerifyChecksums bool
}

// Scrubber reconciles the metadata store with the blob store. A metadata
// record whose blob is missing is deleted (the object was never durably
// published). A blob with no metadata record is deleted once past the grace
// period (an interrupted commit left it behind). Leftover staging files past
// the grace period are removed as well.
//
// Safe for concurrent use; counters are cumulative since Start.
type Scrubber struct {
	cfg   ScrubConfig
	meta  metadata.Store
	blobs *storage.BlobStore

	mu      sync.RWMutex
	start   time.Time
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	scanned       atomic.Uint64
	orphanRecords atomic.Uint64
	headlessBlobs atomic.Uint64
	stagingSwept  atomic.Uint64
	checksumBad   atomic.Uint64
	errs          atomic.Uint64
	lastRun       atomic.Pointer[time.Time]
	lastError     atomic.Pointer[string]
}

// NewScrubber creates a scrubber over the given stores with sane defaults.
func NewScrubber(meta metadata.Store, blobs *storage.BlobStore, cfg ScrubConfig) *Scrubber {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Minute
	}
	return &Scrubber{
		cfg:    cfg,
		meta:   meta,
		blobs:  blobs,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *Scrubber) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scrubber: already running")
	}
	s.mu.Lock()
	s.start = time.Now()
	s.mu.Unlock()
	go s.loop(ctx)
	return nil
}

func (s *Scrubber) loop(ctx context.Context) {
	defer func() {
		s.running.Store(false)
		close(s.doneCh)
	}()
	// initial run
	_ = s.doRunOnce(context.Background())
	t := time.NewTimer(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			_ = s.doRunOnce(context.Background())
			t.Reset(s.cfg.Interval)
		}
	}
}

func (s *Scrubber) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single synchronous scrub pass.
func (s *Scrubber) RunOnce(ctx context.Context) error {
	return s.doRunOnce(ctx)
}

func (s *Scrubber) doRunOnce(ctx context.Context) error {
	var lastErrStr string
	err := s.scanAll(ctx)
	if err != nil {
		lastErrStr = err.Error()
	}
	now := time.Now()
	s.lastRun.Store(&now)
	if lastErrStr != "" {
		s.lastError.Store(&lastErrStr)
	}
	return err
}

// Stats returns a snapshot of the current counters.
func (s *Scrubber) Stats() ScrubStats {
	var lastRun time.Time
	if p := s.lastRun.Load(); p != nil {
		lastRun = *p
	}
	var lastErr string
	if e := s.lastError.Load(); e != nil {
		lastErr = *e
	}
	s.mu.RLock()
	start := s.start
	s.mu.RUnlock()
	return ScrubStats{
		Scanned:            s.scanned.Load(),
		OrphanRecords:      s.orphanRecords.Load(),
		HeadlessBlobs:      s.headlessBlobs.Load(),
		StagingSwept:       s.stagingSwept.Load(),
		ChecksumMismatches: s.checksumBad.Load(),
		Errors:             s.errs.Load(),
		LastRun:            lastRun,
		LastError:          lastErr,
		Uptime:             sinceIfSet(start),
	}
}

func sinceIfSet(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}

func (s *Scrubber) scanAll(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.Grace)
	var firstErr error
	record := func(err error) {
		s.errs.Add(1)
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := s.scanRecords(ctx, cutoff, record); err != nil {
		return err
	}
	if err := s.scanBlobs(ctx, cutoff, record); err != nil {
		return err
	}
	s.sweepStaging(cutoff, record)
	return firstErr
}

// scanRecords deletes metadata records whose blob is missing. These only
// appear after a manual blob removal or partial restore; a crashed commit
// never writes the record before the blob is visible.
func (s *Scrubber) scanRecords(ctx context.Context, cutoff time.Time, record func(error)) error {
	buckets, err := s.meta.ListBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		startAfter := ""
		for {
			objs, truncated, lerr := s.meta.ListObjects(ctx, b.Name, "", startAfter, 1000)
			if lerr != nil {
				record(lerr)
				break
			}
			for _, o := range objs {
				s.scanned.Add(1)
				startAfter = o.Key
				if o.LastModified.After(cutoff) {
					continue
				}
				p, perr := s.blobs.ObjectPath(b.Name, o.Key)
				if perr != nil {
					record(perr)
					continue
				}
				if _, serr := os.Stat(p); serr == nil {
					if s.cfg.VerifyChecksums {
						s.verifyChecksum(p, o.ETag, record)
					}
					continue
				} else if !errors.Is(serr, fs.ErrNotExist) {
					record(serr)
					continue
				}
				if derr := s.meta.DeleteObject(ctx, b.Name, o.Key); derr == nil {
					s.orphanRecords.Add(1)
				} else if !errors.Is(derr, metadata.ErrObjectNotFound) {
					record(derr)
				}
			}
			if !truncated {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// verifyChecksum re-hashes a committed blob and counts a mismatch when the
// digest no longer matches the record's etag. Damaged blobs are counted,
// never removed.
func (s *Scrubber) verifyChecksum(path, etag string, record func(error)) {
	f, err := os.Open(path)
	if err != nil {
		record(err)
		return
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		record(err)
		return
	}
	if hex.EncodeToString(h.Sum(nil)) != etag {
		s.checksumBad.Add(1)
	}
}

// scanBlobs deletes blob files with no metadata record, the leftover of a
// commit that published the blob but crashed before writing the record.
func (s *Scrubber) scanBlobs(ctx context.Context, cutoff time.Time, record func(error)) error {
	root := s.blobs.ObjectsDir()
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			record(err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.scanned.Add(1)
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return nil
		}
		parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
		if len(parts) < 2 {
			return nil
		}
		bucket, key := parts[0], parts[1]
		_, gerr := s.meta.GetObject(ctx, bucket, key)
		if gerr == nil {
			return nil
		}
		// A blob under a bucket unknown to the metadata store is headless too.
		if !errors.Is(gerr, metadata.ErrObjectNotFound) && !errors.Is(gerr, metadata.ErrBucketNotFound) {
			record(gerr)
			return nil
		}
		if derr := s.blobs.Remove(bucket, key); derr == nil {
			s.headlessBlobs.Add(1)
		} else if !errors.Is(derr, fs.ErrNotExist) {
			record(derr)
		}
		return nil
	})
}

// sweepStaging removes staging files past the grace period. Live sessions
// touch their staging file on every append, so anything old is abandoned.
func (s *Scrubber) sweepStaging(cutoff time.Time, record func(error)) {
	entries, err := os.ReadDir(s.blobs.StagingDir())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			record(err)
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(s.blobs.StagingDir(), e.Name())
		if rerr := os.Remove(p); rerr == nil {
			s.stagingSwept.Add(1)
		} else if !errors.Is(rerr, fs.ErrNotExist) {
			record(rerr)
		}
	}
}

// NewScrubberStatsHandler returns GET /admin/scrub/stats handler.
// It responds with the current scrubber stats in JSON.
func NewScrubberStatsHandler(scr *Scrubber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if scr == nil {
			_ = json.NewEncoder(w).Encode(ScrubStats{})
			return
		}
		_ = json.NewEncoder(w).Encode(scr.Stats())
	}
}

// NewScrubberRunOnceHandler returns POST /admin/scrub/runonce handler.
// It triggers a single synchronous scrub pass and returns updated stats.
func NewScrubberRunOnceHandler(scr *Scrubber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if scr == nil {
			http.Error(w, "scrubber not configured", http.StatusServiceUnavailable)
			return
		}
		if err := scr.RunOnce(r.Context()); err != nil {
			http.Error(w, "scrub run failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(scr.Stats())
	}
}
