// Package registry tracks live sessions and arbitrates their lifecycle
// transitions.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenclaude/zenclaude/internal/domain"
	"github.com/zenclaude/zenclaude/internal/ingest"
	"github.com/zenclaude/zenclaude/internal/runtime"
	"github.com/zenclaude/zenclaude/internal/store"
)

// Live is the in-memory state of a running session: its tracker, the handle
// on its process and the coordination needed to arbitrate stop against
// natural exit.
type Live struct {
	mu sync.Mutex

	Session *domain.Session
	Tracker *ingest.Tracker

	handle        runtime.Handle
	stopRequested bool
	terminal      bool
	finalStatus   domain.SessionStatus

	// done is closed exactly once, when the session reaches a terminal
	// status.
	done chan struct{}
}

// Done returns a channel closed when the session is terminal.
func (l *Live) Done() <-chan struct{} { return l.done }

// SetHandle records the handle of the launched process. Readers racing the
// launch see nil until the handle exists.
func (l *Live) SetHandle(h runtime.Handle) {
	l.mu.Lock()
	l.handle = h
	l.mu.Unlock()
}

// Handle returns the process handle, or nil while the launch is in flight.
func (l *Live) Handle() runtime.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

// StopRequested reports whether an operator stop was requested.
func (l *Live) StopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopRequested
}

// FinalStatus returns the terminal status, valid after Done is closed.
func (l *Live) FinalStatus() domain.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalStatus
}

// Registry owns the live session map on top of the metadata store.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]*Live
	store *store.SQLiteStore
}

// New returns a registry backed by the given store.
func New(st *store.SQLiteStore) *Registry {
	return &Registry{
		live:  make(map[string]*Live),
		store: st,
	}
}

// NewSessionID returns a fresh session id. Ids sort chronologically and
// carry a random suffix to stay unique within a second.
func NewSessionID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + strings.Split(uuid.New().String(), "-")[0]
}

// Create validates the workspace, persists a new starting session and
// registers its live state.
func (r *Registry) Create(ctx context.Context, task, skill, workspace string, limits domain.ResourceLimits) (*Live, error) {
	info, err := os.Stat(workspace)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidWorkspace, workspace)
	}

	sess := &domain.Session{
		ID:        NewSessionID(),
		Task:      task,
		Skill:     skill,
		Workspace: workspace,
		Status:    domain.SessionStarting,
		Limits:    limits,
	}
	l := &Live{
		Session: sess,
		Tracker: ingest.NewTracker(sess.ID, task),
		done:    make(chan struct{}),
	}

	// Register before persisting so the session is never visible in the
	// store without resident state.
	r.mu.Lock()
	r.live[sess.ID] = l
	r.mu.Unlock()

	if err := r.store.Create(ctx, sess); err != nil {
		r.Release(sess.ID)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return l, nil
}

// Lookup returns the live state for a session, if it is still resident.
func (r *Registry) Lookup(sessionID string) (*Live, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.live[sessionID]
	return l, ok
}

// Get returns the persisted session record.
func (r *Registry) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return r.store.Get(ctx, sessionID)
}

// List returns all persisted sessions, newest first.
func (r *Registry) List(ctx context.Context) ([]domain.Session, error) {
	return r.store.List(ctx)
}

// MarkRunning records the session's transition into the running state.
func (r *Registry) MarkRunning(ctx context.Context, l *Live, containerID string) error {
	now := time.Now().UTC()

	l.mu.Lock()
	if l.terminal {
		l.mu.Unlock()
		return nil
	}
	l.Session.Status = domain.SessionRunning
	l.Session.ContainerID = containerID
	l.Session.StartedAt = &now
	l.mu.Unlock()

	return r.store.MarkRunning(ctx, l.Session.ID, containerID, now)
}

// RequestStop marks the session as operator-stopped. Once set, the terminal
// status will be "stopped" regardless of how the process exits.
func (r *Registry) RequestStop(l *Live) {
	l.mu.Lock()
	l.stopRequested = true
	l.mu.Unlock()
}

// MarkTerminal records the terminal status. The first caller wins; later
// calls are no-ops. A requested stop takes precedence over the natural
// outcome, so a process that exits cleanly after a stop request still
// finishes as "stopped". The winning call persists the status, completes
// the tracker and only then closes Done, so anyone unblocked by Done sees
// a fully settled session. Returns the status actually recorded.
func (r *Registry) MarkTerminal(ctx context.Context, l *Live, status domain.SessionStatus, exitCode *int) (domain.SessionStatus, error) {
	now := time.Now().UTC()

	l.mu.Lock()
	if l.terminal {
		final := l.finalStatus
		l.mu.Unlock()
		return final, nil
	}
	if l.stopRequested {
		status = domain.SessionStopped
	}
	l.terminal = true
	l.finalStatus = status
	l.Session.Status = status
	l.Session.ExitCode = exitCode
	l.Session.FinishedAt = &now
	l.mu.Unlock()

	err := r.store.MarkTerminal(ctx, l.Session.ID, status, exitCode, now)
	l.Tracker.Complete(status)
	close(l.done)
	if err != nil {
		return status, fmt.Errorf("failed to persist terminal status: %w", err)
	}
	return status, nil
}

// Release drops the live state of a terminal session. The persisted record
// remains.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	delete(r.live, sessionID)
	r.mu.Unlock()
}

// Store exposes the underlying metadata store.
func (r *Registry) Store() *store.SQLiteStore {
	return r.store
}
