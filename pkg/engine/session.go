package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"polystore/pkg/storage"
)

// SessionState tracks an upload session through its lifecycle. Committed and
// Abandoned are terminal.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionReceiving
	SessionCommitted
	SessionAbandoned
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionReceiving:
		return "receiving"
	case SessionCommitted:
		return "committed"
	case SessionAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Session is an in-progress write to (bucket, key). Bytes accumulate in a
// staged blob and the content checksum is computed as they arrive; nothing is
// visible to readers until the engine commits the session.
type Session struct {
	ID     string
	Bucket string
	Key    string

	mu           sync.Mutex
	state        SessionState
	staged       *storage.StagedBlob
	sum          hash.Hash
	received     int64
	created      time.Time
	lastActivity time.Time
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Received returns the number of bytes accumulated so far.
func (s *Session) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// SessionStats is a snapshot of the manager's live sessions, exposed through
// the admin API.
type SessionStats struct {
	Active  int       `json:"active"`
	Oldest  time.Time `json:"oldest,omitempty"`
	Swept   uint64    `json:"swept"`
	Aborted uint64    `json:"aborted"`
}

// SessionManager tracks upload sessions and their staged bytes. All methods
// are safe for concurrent use.
type SessionManager struct {
	blobs *storage.BlobStore

	mu       sync.Mutex
	sessions map[string]*Session
	swept    uint64
	aborted  uint64
}

// NewSessionManager creates a manager staging bytes in the given blob store.
func NewSessionManager(blobs *storage.BlobStore) *SessionManager {
	return &SessionManager{blobs: blobs, sessions: make(map[string]*Session)}
}

// Open starts a session targeting (bucket, key).
func (m *SessionManager) Open(bucket, key string) (*Session, error) {
	id := uuid.NewString()
	staged, err := m.blobs.Stage(id)
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	now := time.Now().UTC()
	s := &Session{
		ID:           id,
		Bucket:       bucket,
		Key:          key,
		state:        SessionOpen,
		staged:       staged,
		sum:          md5.New(),
		created:      now,
		lastActivity: now,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// Append streams bytes from r into the session's staged blob, updating the
// running checksum. A read error (typically a client disconnect) is returned
// to the caller, who is expected to abort the session.
func (m *SessionManager) Append(ctx context.Context, s *Session, r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionOpen, SessionReceiving:
	default:
		return 0, fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrConflict)
	}
	s.state = SessionReceiving
	n, err := io.Copy(io.MultiWriter(s.staged, s.sum), r)
	s.received += n
	s.lastActivity = time.Now().UTC()
	if err != nil {
		return n, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return n, cerr
	}
	return n, nil
}

// Commit publishes the staged bytes as the committed blob for the session's
// target and returns the content checksum and size. The session is terminal
// afterwards; the caller writes the metadata record to complete the commit.
func (m *SessionManager) Commit(s *Session) (etag string, size int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionOpen, SessionReceiving:
	default:
		return "", 0, fmt.Errorf("session %s is %s: %w", s.ID, s.state, ErrConflict)
	}
	if err := s.staged.Publish(s.Bucket, s.Key); err != nil {
		s.state = SessionAbandoned
		_ = s.staged.Abort()
		m.forget(s.ID)
		return "", 0, err
	}
	s.state = SessionCommitted
	m.forget(s.ID)
	return hex.EncodeToString(s.sum.Sum(nil)), s.received, nil
}

// Abort discards the session and its staged bytes. Idempotent; aborting a
// committed session is a no-op.
func (m *SessionManager) Abort(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionCommitted || s.state == SessionAbandoned {
		return
	}
	s.state = SessionAbandoned
	_ = s.staged.Abort()
	m.forget(s.ID)
	m.mu.Lock()
	m.aborted++
	m.mu.Unlock()
}

func (m *SessionManager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sweep aborts sessions idle for longer than olderThan and returns how many
// were discarded. Used by the background session reaper.
func (m *SessionManager) Sweep(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		stale = append(stale, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range stale {
		s.mu.Lock()
		idle := s.lastActivity.Before(cutoff) && (s.state == SessionOpen || s.state == SessionReceiving)
		if idle {
			s.state = SessionAbandoned
			_ = s.staged.Abort()
		}
		s.mu.Unlock()
		if idle {
			m.forget(s.ID)
			n++
		}
	}
	if n > 0 {
		m.mu.Lock()
		m.swept += uint64(n)
		m.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of live session counts.
func (m *SessionManager) Stats() SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := SessionStats{Active: len(m.sessions), Swept: m.swept, Aborted: m.aborted}
	for _, s := range m.sessions {
		if st.Oldest.IsZero() || s.created.Before(st.Oldest) {
			st.Oldest = s.created
		}
	}
	return st
}
