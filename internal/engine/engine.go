// Package engine drives the end-to-end lifecycle of agent sessions: launch,
// live stream ingestion, stop and rollback.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zenclaude/zenclaude/internal/config"
	"github.com/zenclaude/zenclaude/internal/domain"
	"github.com/zenclaude/zenclaude/internal/ingest"
	"github.com/zenclaude/zenclaude/internal/notify"
	"github.com/zenclaude/zenclaude/internal/protocol"
	"github.com/zenclaude/zenclaude/internal/registry"
	"github.com/zenclaude/zenclaude/internal/runtime"
	"github.com/zenclaude/zenclaude/internal/skill"
	"github.com/zenclaude/zenclaude/internal/snapshot"
	"github.com/zenclaude/zenclaude/policy"
)

// maxLineSize bounds one stream line. Agent output lines can carry large
// tool payloads.
const maxLineSize = 10 * 1024 * 1024

// StartOptions parameterizes a session launch.
type StartOptions struct {
	Task      string
	Skill     string
	Workspace string
	Limits    domain.ResourceLimits
	Snapshot  bool
	APIKey    string
	Env       []string
}

// Engine coordinates the registry, container runtime, snapshot store and
// launch policy.
type Engine struct {
	cfg      *config.Config
	reg      *registry.Registry
	rt       runtime.Runtime
	snaps    *snapshot.Store
	policy   *policy.Engine
	skills   skill.Expander
	notifier notify.Notifier
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, reg *registry.Registry, rt runtime.Runtime, snaps *snapshot.Store, pol *policy.Engine, skills skill.Expander, notifier notify.Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		rt:       rt,
		snaps:    snaps,
		policy:   pol,
		skills:   skills,
		notifier: notifier,
	}
}

// Start validates and launches a new session. It returns once the session
// is running (or has failed to launch); stream ingestion continues in the
// background until the process exits.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*domain.Session, error) {
	task := opts.Task
	if opts.Skill != "" {
		expanded, err := e.skills.Expand(opts.Skill, opts.Task)
		if err != nil {
			return nil, fmt.Errorf("failed to expand skill %s: %w", opts.Skill, err)
		}
		task = expanded
	}

	workspace, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidWorkspace, opts.Workspace)
	}

	limits := opts.Limits
	if limits.Memory == "" {
		limits.Memory = e.cfg.Defaults.Memory
	}
	if limits.CPUs == "" {
		limits.CPUs = e.cfg.Defaults.CPUs
	}
	if limits.Pids == 0 {
		limits.Pids = e.cfg.Defaults.Pids
	}

	decision, reason, err := e.policy.Evaluate(ctx, map[string]interface{}{
		"task":      task,
		"workspace": workspace,
		"limits": map[string]interface{}{
			"memory": limits.Memory,
			"cpus":   limits.CPUs,
			"pids":   limits.Pids,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate launch policy: %w", err)
	}
	if decision == "block" {
		return nil, fmt.Errorf("%w: %s", domain.ErrLaunchBlocked, reason)
	}

	apiKey, err := e.resolveAPIKey(opts.APIKey)
	if err != nil {
		return nil, err
	}

	l, err := e.reg.Create(ctx, task, opts.Skill, workspace, limits)
	if err != nil {
		return nil, err
	}
	sess := l.Session
	log.Printf("INFO: session %s: created for workspace %s", sess.ID, workspace)

	if opts.Snapshot {
		path, err := e.snaps.Capture(sess.ID, workspace)
		if err != nil {
			e.failLaunch(ctx, l, "snapshot", err)
			return nil, &domain.OrchestrationError{Stage: "snapshot", Err: err}
		}
		sess.SnapshotPath = path
		if err := e.reg.Store().SetSnapshotPath(ctx, sess.ID, path); err != nil {
			log.Printf("WARN: session %s: failed to persist snapshot path: %v", sess.ID, err)
		}
		log.Printf("INFO: session %s: workspace snapshot at %s", sess.ID, path)
	}

	image, err := e.rt.Build(ctx)
	if err != nil {
		e.failLaunch(ctx, l, "build", err)
		return nil, &domain.OrchestrationError{Stage: "build", Err: err}
	}
	sess.Image = image

	if err := os.MkdirAll(e.cfg.SessionDir(sess.ID), 0o755); err != nil {
		e.failLaunch(ctx, l, "run", err)
		return nil, &domain.OrchestrationError{Stage: "run", Err: err}
	}

	configDir := e.cfg.ClaudeConfigDir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		configDir = ""
	}

	handle, err := e.rt.Run(ctx, runtime.RunSpec{
		Image:     image,
		Name:      "zenclaude-" + sess.ID,
		Workspace: workspace,
		ConfigDir: configDir,
		Task:      task,
		Env:       append([]string{"ANTHROPIC_API_KEY=" + apiKey}, opts.Env...),
		Limits:    limits,
	})
	if err != nil {
		e.failLaunch(ctx, l, "run", err)
		return nil, &domain.OrchestrationError{Stage: "run", Err: err}
	}

	l.SetHandle(handle)
	if err := e.reg.MarkRunning(ctx, l, handle.ID()); err != nil {
		log.Printf("WARN: session %s: failed to persist running state: %v", sess.ID, err)
	}
	log.Printf("INFO: session %s: container %s running", sess.ID, handle.ID())

	go e.supervise(l, handle)
	return sess, nil
}

// resolveAPIKey finds the agent credential: an explicit key wins, then the
// environment, then the key file stored in the data directory.
func (e *Engine) resolveAPIKey(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if data, err := os.ReadFile(e.cfg.APIKeyPath()); err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, nil
		}
	}
	return "", domain.ErrMissingCredentials
}

// failLaunch marks a session that never reached running as failed.
func (e *Engine) failLaunch(ctx context.Context, l *registry.Live, stage string, cause error) {
	log.Printf("ERROR: session %s: %s failed: %v", l.Session.ID, stage, cause)
	if _, err := e.reg.MarkTerminal(ctx, l, domain.SessionFailed, nil); err != nil {
		log.Printf("ERROR: session %s: %v", l.Session.ID, err)
	}
	e.reg.Release(l.Session.ID)
}

// supervise ingests the session's output stream until the process exits,
// then settles the terminal status.
func (e *Engine) supervise(l *registry.Live, handle runtime.Handle) {
	ctx := context.Background()
	sess := l.Session

	out, err := handle.Output(ctx)
	if err != nil {
		log.Printf("ERROR: session %s: failed to open output stream: %v", sess.ID, err)
	} else {
		e.ingestStream(l, handle, out)
	}

	code, err := handle.Wait(ctx)
	var exitCode *int
	status := domain.SessionFailed
	if err != nil {
		log.Printf("ERROR: session %s: wait failed: %v", sess.ID, err)
	} else {
		exitCode = &code
		if code == 0 {
			status = domain.SessionCompleted
		}
	}

	cost, tokens := l.Tracker.Totals()
	if err := e.reg.Store().SetTotals(ctx, sess.ID, cost, tokens); err != nil {
		log.Printf("WARN: session %s: failed to persist totals: %v", sess.ID, err)
	}
	if model := l.Tracker.Model(); model != "" {
		if err := e.reg.Store().SetModel(ctx, sess.ID, model); err != nil {
			log.Printf("WARN: session %s: failed to persist model: %v", sess.ID, err)
		}
	}

	final, err := e.reg.MarkTerminal(ctx, l, status, exitCode)
	if err != nil {
		log.Printf("ERROR: session %s: %v", sess.ID, err)
	}

	if err := handle.Remove(ctx); err != nil {
		log.Printf("WARN: session %s: failed to remove container: %v", sess.ID, err)
	}

	log.Printf("INFO: session %s: finished with status %s", sess.ID, final)
	e.notifier.SessionComplete(sess.ID, final, sess.Task)
	e.reg.Release(sess.ID)
}

// ingestStream copies the raw stream to the durable log while feeding each
// line through the decoder into the tracker. Async sub-agents announced in
// the stream get their own tailer goroutine; ingestStream returns once the
// main stream and every child stream have ended.
func (e *Engine) ingestStream(l *registry.Live, handle runtime.Handle, out io.ReadCloser) {
	defer out.Close()
	sess := l.Session

	var logFile *os.File
	logFile, err := os.Create(e.cfg.LogPath(sess.ID))
	if err != nil {
		log.Printf("WARN: session %s: failed to create output log: %v", sess.ID, err)
		logFile = nil
	} else {
		defer logFile.Close()
	}

	var children sync.WaitGroup
	dec := ingest.NewDecoder()
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		for _, rec := range dec.DecodeLine(line) {
			if rec.Kind == ingest.KindAsyncAgentStart {
				children.Add(1)
				go func(agentID, path string) {
					defer children.Done()
					e.tailChild(l, handle, agentID, path)
				}(rec.AgentID, rec.OutputFile)
			}
			l.Tracker.Apply(rec)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("WARN: session %s: output stream ended with error: %v", sess.ID, err)
	}
	children.Wait()
}

// tailChild follows an async sub-agent's detached stream, mirrors it to a
// per-agent log next to output.log and feeds it into the tracker.
func (e *Engine) tailChild(l *registry.Live, handle runtime.Handle, agentID, path string) {
	sess := l.Session

	out, err := handle.StreamFile(context.Background(), path)
	if err != nil {
		log.Printf("WARN: session %s: failed to follow async agent %s: %v", sess.ID, agentID, err)
		return
	}
	defer out.Close()
	log.Printf("INFO: session %s: following async agent %s from %s", sess.ID, agentID, path)

	var logFile *os.File
	logFile, err = os.Create(e.cfg.ChildLogPath(sess.ID, agentID))
	if err != nil {
		log.Printf("WARN: session %s: failed to create log for async agent %s: %v", sess.ID, agentID, err)
		logFile = nil
	} else {
		defer logFile.Close()
	}

	dec := ingest.NewChildDecoder(agentID)
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		for _, rec := range dec.DecodeLine(line) {
			l.Tracker.Apply(rec)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("WARN: session %s: async agent %s stream ended with error: %v", sess.ID, agentID, err)
	}
}

// Stop requests termination of a running session. The process first gets a
// graceful shutdown window; if it does not exit in time it is terminated
// forcefully. Stop is idempotent and returns once the session is terminal.
func (e *Engine) Stop(ctx context.Context, sessionID string) error {
	l, ok := e.reg.Lookup(sessionID)
	if !ok {
		sess, err := e.reg.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		// Resident state is gone but the record says non-terminal; the
		// engine restarted underneath the session. The container may still
		// be running, so signal it through the persisted id before settling
		// the record.
		return e.stopOrphan(ctx, sess)
	}

	e.reg.RequestStop(l)
	log.Printf("INFO: session %s: stop requested", sessionID)

	// The handle is re-read at every signal point: a stop racing the launch
	// can observe it before the handle is attached.
	if handle := l.Handle(); handle != nil {
		if err := handle.Signal(ctx, false); err != nil {
			log.Printf("WARN: session %s: graceful signal failed: %v", sessionID, err)
		}
	}

	select {
	case <-l.Done():
		return nil
	case <-time.After(e.cfg.StopGracePeriod):
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Printf("WARN: session %s: grace period expired, terminating", sessionID)
	ticker := time.NewTicker(e.cfg.StopGracePeriod)
	defer ticker.Stop()
	for {
		if handle := l.Handle(); handle != nil {
			if err := handle.Signal(ctx, true); err != nil {
				log.Printf("WARN: session %s: forceful signal failed: %v", sessionID, err)
			}
		}
		select {
		case <-l.Done():
			return nil
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stopOrphan stops a non-resident session by its persisted container id,
// escalating from graceful to forceful, then marks the record stopped.
func (e *Engine) stopOrphan(ctx context.Context, sess *domain.Session) error {
	if sess.ContainerID != "" {
		handle := e.rt.Attach(sess.ContainerID)
		if err := handle.Signal(ctx, false); err != nil {
			log.Printf("WARN: session %s: graceful signal failed: %v", sess.ID, err)
		}

		exited := make(chan struct{})
		go func() {
			_, _ = handle.Wait(ctx)
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(e.cfg.StopGracePeriod):
			log.Printf("WARN: session %s: grace period expired, terminating", sess.ID)
			if err := handle.Signal(ctx, true); err != nil {
				log.Printf("WARN: session %s: forceful signal failed: %v", sess.ID, err)
			}
			select {
			case <-exited:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := handle.Remove(ctx); err != nil {
			log.Printf("WARN: session %s: failed to remove container: %v", sess.ID, err)
		}
	}

	now := time.Now().UTC()
	return e.reg.Store().MarkTerminal(ctx, sess.ID, domain.SessionStopped, nil, now)
}

// Wait blocks until the session reaches a terminal status and returns it.
func (e *Engine) Wait(ctx context.Context, sessionID string) (domain.SessionStatus, error) {
	l, ok := e.reg.Lookup(sessionID)
	if !ok {
		sess, err := e.reg.Get(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return sess.Status, nil
	}
	select {
	case <-l.Done():
		return l.FinalStatus(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Rollback restores the session's workspace from its pre-run snapshot. The
// session must be terminal; a live workspace is never rolled back under a
// running process.
func (e *Engine) Rollback(ctx context.Context, sessionID string) error {
	sess, err := e.reg.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", domain.ErrWorkspaceBusy, sessionID)
	}
	if err := e.snaps.Restore(sessionID, sess.Workspace); err != nil {
		return err
	}
	log.Printf("INFO: session %s: workspace restored from snapshot", sessionID)
	return nil
}

// List returns all known sessions, newest first.
func (e *Engine) List(ctx context.Context) ([]domain.Session, error) {
	return e.reg.List(ctx)
}

// Get returns the persisted metadata for one session.
func (e *Engine) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return e.reg.Get(ctx, sessionID)
}

// Detail returns the session's agent tree. For a live session this is the
// current in-memory view; for a terminated one the tree is rebuilt by
// replaying the durable output log.
func (e *Engine) Detail(ctx context.Context, sessionID string) (*domain.SessionDetail, error) {
	if l, ok := e.reg.Lookup(sessionID); ok {
		detail := l.Tracker.Detail()
		return &detail, nil
	}

	sess, err := e.reg.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	detail := e.replay(sess)
	return detail, nil
}

// replay rebuilds a terminated session's tree from its output log.
func (e *Engine) replay(sess *domain.Session) *domain.SessionDetail {
	tracker := ingest.NewTracker(sess.ID, sess.Task)

	f, err := os.Open(e.cfg.LogPath(sess.ID))
	if err == nil {
		defer f.Close()
		dec := ingest.NewDecoder()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			for _, rec := range dec.DecodeLine(scanner.Text()) {
				tracker.Apply(rec)
			}
		}
	}

	// Async sub-agent streams were mirrored next to output.log; replay them
	// onto the agents the main stream spawned.
	childLogs, _ := filepath.Glob(filepath.Join(e.cfg.SessionDir(sess.ID), "child-*.log"))
	for _, path := range childLogs {
		agentID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "child-"), ".log")
		cf, err := os.Open(path)
		if err != nil {
			continue
		}
		dec := ingest.NewChildDecoder(agentID)
		scanner := bufio.NewScanner(cf)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			for _, rec := range dec.DecodeLine(scanner.Text()) {
				tracker.Apply(rec)
			}
		}
		cf.Close()
	}
	tracker.Complete(sess.Status)

	detail := tracker.Detail()
	detail.TotalCostUSD = sess.TotalCostUSD
	detail.TotalTokens = sess.TotalTokens
	if detail.Model == "" {
		detail.Model = sess.Model
	}
	detail.StartedAt = sess.StartedAt
	detail.FinishedAt = sess.FinishedAt
	return &detail
}

// Subscribe attaches an observer to the session's live stream. The initial
// state is a consistent snapshot; every mutation after it arrives on the
// channel in order. For a terminated session the snapshot is the frozen
// final state and the channel is already closed.
func (e *Engine) Subscribe(ctx context.Context, sessionID string) (protocol.InitialState, <-chan protocol.Message, func(), error) {
	if l, ok := e.reg.Lookup(sessionID); ok {
		initial, ch, cancel := l.Tracker.Subscribe()
		return initial, ch, cancel, nil
	}

	sess, err := e.reg.Get(ctx, sessionID)
	if err != nil {
		return protocol.InitialState{}, nil, nil, err
	}
	detail := e.replay(sess)
	ch := make(chan protocol.Message)
	close(ch)
	return protocol.InitialState{
		Type:    protocol.TypeInitialState,
		Session: *detail,
	}, ch, func() {}, nil
}

// Logs returns a reader over the session's raw output log. With follow set
// and the session still live, the reader tails the log until the session
// terminates.
func (e *Engine) Logs(ctx context.Context, sessionID string, follow bool) (io.ReadCloser, error) {
	if _, err := e.reg.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	f, err := os.Open(e.cfg.LogPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to open output log: %w", err)
	}
	if follow {
		if l, ok := e.reg.Lookup(sessionID); ok {
			return &followReader{f: f, done: l.Done()}, nil
		}
	}
	return f, nil
}

// followReader tails a growing log file. On EOF it waits for more data until
// the session's done channel closes, then drains the remainder.
type followReader struct {
	f    *os.File
	done <-chan struct{}
}

func (r *followReader) Read(p []byte) (int, error) {
	for {
		n, err := r.f.Read(p)
		if n > 0 || err != io.EOF {
			return n, err
		}
		select {
		case <-r.done:
			n, err = r.f.Read(p)
			if n > 0 || err != io.EOF {
				return n, err
			}
			return 0, io.EOF
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (r *followReader) Close() error { return r.f.Close() }
