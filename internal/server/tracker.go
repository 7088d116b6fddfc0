package server

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/internal/observe"
)

// SessionInfo holds metadata about a live conversation session.
type SessionInfo struct {
	// ID is the unique session identifier sent to the client on accept.
	ID string `json:"id"`

	// RemoteAddr is the client address as seen by the server.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the websocket was accepted.
	StartedAt time.Time `json:"started_at"`
}

type trackedSession struct {
	info   SessionInfo
	cancel context.CancelFunc
}

// Tracker keeps the set of live sessions so the server can report them and
// shut them down. All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]trackedSession
	idle     chan struct{}
	log      *slog.Logger
	metrics  *observe.Metrics
}

// NewTracker returns an empty Tracker. metrics may be nil.
func NewTracker(log *slog.Logger, metrics *observe.Metrics) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		sessions: make(map[string]trackedSession),
		idle:     idle,
		log:      log,
		metrics:  metrics,
	}
}

// Add registers a session. cancel ends it when the tracker shuts down.
func (t *Tracker) Add(ctx context.Context, info SessionInfo, cancel context.CancelFunc) {
	t.mu.Lock()
	if len(t.sessions) == 0 {
		t.idle = make(chan struct{})
	}
	t.sessions[info.ID] = trackedSession{info: info, cancel: cancel}
	n := len(t.sessions)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveSessions.Add(ctx, 1)
	}
	t.log.Info("session started", "session_id", info.ID, "remote", info.RemoteAddr, "active", n)
}

// Remove unregisters a session. Unknown IDs are ignored.
func (t *Tracker) Remove(ctx context.Context, id string) {
	t.mu.Lock()
	ts, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, id)
	n := len(t.sessions)
	if n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveSessions.Add(ctx, -1)
	}
	t.log.Info("session stopped",
		"session_id", id,
		"duration", time.Since(ts.info.StartedAt).Round(time.Millisecond),
		"active", n,
	)
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// List returns the live sessions ordered by start time.
func (t *Tracker) List() []SessionInfo {
	t.mu.Lock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, ts := range t.sessions {
		out = append(out, ts.info)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// CancelAll cancels every live session. Sessions remove themselves as they
// finish tearing down.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ts := range t.sessions {
		ts.cancel()
	}
}

// Wait blocks until no sessions remain or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
