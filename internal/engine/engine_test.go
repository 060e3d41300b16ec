package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenclaude/zenclaude/internal/config"
	"github.com/zenclaude/zenclaude/internal/domain"
	"github.com/zenclaude/zenclaude/internal/notify"
	"github.com/zenclaude/zenclaude/internal/registry"
	"github.com/zenclaude/zenclaude/internal/runtime"
	"github.com/zenclaude/zenclaude/internal/skill"
	"github.com/zenclaude/zenclaude/internal/snapshot"
	"github.com/zenclaude/zenclaude/internal/store"
	"github.com/zenclaude/zenclaude/policy"
)

// fakeHandle scripts the behavior of a session process.
type fakeHandle struct {
	mu       sync.Mutex
	output   io.ReadCloser
	files    map[string]string
	exitCh   chan struct{}
	exitCode int
	signals  []bool
	onSignal func(force bool)
}

func (h *fakeHandle) ID() string { return "fake-container" }

func (h *fakeHandle) Output(ctx context.Context) (io.ReadCloser, error) {
	return h.output, nil
}

func (h *fakeHandle) StreamFile(ctx context.Context, path string) (io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	content, ok := h.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	<-h.exitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, nil
}

func (h *fakeHandle) Signal(ctx context.Context, force bool) error {
	h.mu.Lock()
	h.signals = append(h.signals, force)
	cb := h.onSignal
	h.mu.Unlock()
	if cb != nil {
		cb(force)
	}
	return nil
}

func (h *fakeHandle) Remove(ctx context.Context) error { return nil }

// exitedHandle returns a handle for a process that already ran to
// completion, with the given stream as its output.
func exitedHandle(stream string, code int) *fakeHandle {
	ch := make(chan struct{})
	close(ch)
	return &fakeHandle{
		output:   io.NopCloser(strings.NewReader(stream)),
		exitCh:   ch,
		exitCode: code,
	}
}

// blockingHandle returns a handle for a process that runs until signaled.
func blockingHandle(code int) *fakeHandle {
	pr, pw := io.Pipe()
	h := &fakeHandle{
		output:   pr,
		exitCh:   make(chan struct{}),
		exitCode: code,
	}
	var once sync.Once
	h.onSignal = func(force bool) {
		once.Do(func() {
			pw.Close()
			close(h.exitCh)
		})
	}
	return h
}

type fakeRuntime struct {
	mu       sync.Mutex
	handle   runtime.Handle
	runErr   error
	spec     runtime.RunSpec
	attached []string
}

func (r *fakeRuntime) Build(ctx context.Context) (string, error) {
	return "test-image:latest", nil
}

func (r *fakeRuntime) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Handle, error) {
	r.mu.Lock()
	r.spec = spec
	r.mu.Unlock()
	if r.runErr != nil {
		return nil, r.runErr
	}
	return r.handle, nil
}

func (r *fakeRuntime) Attach(containerID string) runtime.Handle {
	r.mu.Lock()
	r.attached = append(r.attached, containerID)
	r.mu.Unlock()
	return r.handle
}

// slowRuntime delays the launch so callers can race it.
type slowRuntime struct {
	fakeRuntime
	delay time.Duration
}

func (r *slowRuntime) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Handle, error) {
	time.Sleep(r.delay)
	return r.fakeRuntime.Run(ctx, spec)
}

func newTestEngine(t *testing.T, rt runtime.Runtime) *Engine {
	t.Helper()
	eng, _ := newTestEngineStore(t, rt)
	return eng
}

func newTestEngineStore(t *testing.T, rt runtime.Runtime) (*Engine, *store.SQLiteStore) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")

	cfg := &config.Config{
		DataDir:         t.TempDir(),
		ImageTag:        "test-image:latest",
		StopGracePeriod: 100 * time.Millisecond,
	}
	cfg.Defaults.Memory = "8g"
	cfg.Defaults.CPUs = "4"
	cfg.Defaults.Pids = 256
	require.NoError(t, cfg.EnsureDirs())

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	eng := New(cfg, registry.New(st), rt, snapshot.NewStore(cfg.SnapshotDir()),
		pol, skill.NoopExpander{}, notify.NoopNotifier{})
	return eng, st
}

func streamLine(t *testing.T, v map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func sampleStream(t *testing.T) string {
	t.Helper()
	lines := []string{
		streamLine(t, map[string]interface{}{
			"type": "system", "subtype": "init", "model": "opus",
		}),
		streamLine(t, map[string]interface{}{
			"type": "assistant",
			"message": map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{
						"type": "tool_use", "id": "toolu_1", "name": "Read",
						"input": map[string]interface{}{"file_path": "/workspace/main.go"},
					},
				},
			},
		}),
		streamLine(t, map[string]interface{}{
			"type": "user",
			"message": map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{
						"type": "tool_result", "tool_use_id": "toolu_1",
						"content": "package main", "duration_ms": 5,
					},
				},
			},
		}),
		streamLine(t, map[string]interface{}{
			"type": "result", "cost_usd": 0.02,
			"usage": map[string]interface{}{"input_tokens": 100, "output_tokens": 50},
		}),
	}
	return strings.Join(lines, "\n") + "\n"
}

// asyncStream spawns a Task sub-agent whose result detaches it to a stream
// file inside the container.
func asyncStream(t *testing.T) string {
	t.Helper()
	lines := []string{
		streamLine(t, map[string]interface{}{
			"type": "system", "subtype": "init", "model": "opus",
		}),
		streamLine(t, map[string]interface{}{
			"type": "assistant",
			"message": map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{
						"type": "tool_use", "id": "toolu_task", "name": "Task",
						"input": map[string]interface{}{
							"description":   "background research",
							"subagent_type": "researcher",
						},
					},
				},
			},
		}),
		streamLine(t, map[string]interface{}{
			"type":            "user",
			"tool_use_result": map[string]interface{}{"isAsync": true},
			"message": map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{
						"type": "tool_result", "tool_use_id": "toolu_task",
						"content": "Async agent started. output_file: /tmp/agent-stream.json",
					},
				},
			},
		}),
		streamLine(t, map[string]interface{}{
			"type": "result", "cost_usd": 0.05,
			"usage": map[string]interface{}{"input_tokens": 200, "output_tokens": 80},
		}),
	}
	return strings.Join(lines, "\n") + "\n"
}

// childStream is what the detached sub-agent writes to its stream file.
func childStream(t *testing.T) string {
	t.Helper()
	lines := []string{
		"starting up",
		streamLine(t, map[string]interface{}{
			"type": "assistant",
			"message": map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{
						"type": "tool_use", "id": "toolu_c1", "name": "Bash",
						"input": map[string]interface{}{"command": "go test ./..."},
					},
				},
			},
		}),
		streamLine(t, map[string]interface{}{
			"type": "user",
			"message": map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{
						"type": "tool_result", "tool_use_id": "toolu_c1",
						"content": "ok", "duration_ms": 12,
					},
				},
			},
		}),
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestStartRunsSessionToCompletion(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle(sampleStream(t), 0)})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "read the code",
		Workspace: t.TempDir(),
		Snapshot:  false,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	status, err := eng.Wait(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, status)

	got, err := eng.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
	assert.Equal(t, "opus", got.Model)
	assert.Equal(t, 0.02, got.TotalCostUSD)
	assert.Equal(t, int64(150), got.TotalTokens)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestDetailReplaysTerminatedSession(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle(sampleStream(t), 0)})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "read the code",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = eng.Wait(ctx, sess.ID)
	require.NoError(t, err)

	// The live state is gone; the tree must come back from the log.
	detail, err := eng.Detail(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, detail.Status)
	assert.Equal(t, "opus", detail.Model)
	require.Len(t, detail.RootAgent.Events, 1)
	assert.Equal(t, "Read /workspace/main.go", detail.RootAgent.Events[0].Summary)
	assert.Equal(t, domain.EventComplete, detail.RootAgent.Events[0].Status)
}

func TestStopForcesStoppedStatus(t *testing.T) {
	ctx := context.Background()
	handle := blockingHandle(137)
	eng := newTestEngine(t, &fakeRuntime{handle: handle})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "long running task",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, eng.Stop(ctx, sess.ID))

	got, err := eng.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, got.Status)

	handle.mu.Lock()
	defer handle.mu.Unlock()
	require.NotEmpty(t, handle.signals)
	assert.False(t, handle.signals[0], "first signal must be graceful")
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: blockingHandle(137)})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "long running task",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, eng.Stop(ctx, sess.ID))
	require.NoError(t, eng.Stop(ctx, sess.ID))

	got, err := eng.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, got.Status)
}

func TestStartWiresCredentialsAndConfigMount(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{handle: exitedHandle(sampleStream(t), 0)}
	eng := newTestEngine(t, rt)
	configDir := t.TempDir()
	eng.cfg.ClaudeConfigDir = configDir

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: t.TempDir(),
		APIKey:    "sk-explicit",
	})
	require.NoError(t, err)
	_, err = eng.Wait(ctx, sess.ID)
	require.NoError(t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Contains(t, rt.spec.Env, "ANTHROPIC_API_KEY=sk-explicit")
	assert.Equal(t, configDir, rt.spec.ConfigDir)
}

func TestStartReadsStoredAPIKey(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{handle: exitedHandle(sampleStream(t), 0)}
	eng := newTestEngine(t, rt)
	t.Setenv("ANTHROPIC_API_KEY", "")
	require.NoError(t, os.WriteFile(eng.cfg.APIKeyPath(), []byte("sk-stored\n"), 0o600))

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = eng.Wait(ctx, sess.ID)
	require.NoError(t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Contains(t, rt.spec.Env, "ANTHROPIC_API_KEY=sk-stored")
}

func TestStartRequiresCredentials(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle("", 0)})
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: t.TempDir(),
	})
	assert.ErrorIs(t, err, domain.ErrMissingCredentials)

	sessions, err := eng.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "no session record for a launch that never had credentials")
}

func TestStopSignalsNonResidentContainer(t *testing.T) {
	ctx := context.Background()
	handle := blockingHandle(137)
	rt := &fakeRuntime{handle: handle}
	eng, st := newTestEngineStore(t, rt)

	// A running session persisted by a previous process: the record exists
	// with a container id but nothing is resident.
	sess := &domain.Session{
		ID:        "20240101-000000-deadbeef",
		Task:      "task",
		Workspace: t.TempDir(),
		Status:    domain.SessionStarting,
	}
	require.NoError(t, st.Create(ctx, sess))
	require.NoError(t, st.MarkRunning(ctx, sess.ID, "orphan-container", time.Now().UTC()))

	require.NoError(t, eng.Stop(ctx, sess.ID))

	got, err := eng.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, got.Status)

	rt.mu.Lock()
	assert.Equal(t, []string{"orphan-container"}, rt.attached)
	rt.mu.Unlock()

	handle.mu.Lock()
	defer handle.mu.Unlock()
	require.NotEmpty(t, handle.signals)
	assert.False(t, handle.signals[0], "first signal must be graceful")
}

func TestStopBeforeLaunchCompletes(t *testing.T) {
	ctx := context.Background()
	handle := blockingHandle(137)
	rt := &slowRuntime{fakeRuntime: fakeRuntime{handle: handle}, delay: 300 * time.Millisecond}
	eng := newTestEngine(t, rt)
	workspace := t.TempDir()

	go func() {
		_, _ = eng.Start(ctx, StartOptions{Task: "task", Workspace: workspace})
	}()

	// The session is visible before the container handle exists.
	var id string
	require.Eventually(t, func() bool {
		sessions, err := eng.List(ctx)
		if err != nil || len(sessions) == 0 {
			return false
		}
		id = sessions[0].ID
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Stop(ctx, id))

	got, err := eng.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, got.Status)

	handle.mu.Lock()
	defer handle.mu.Unlock()
	assert.NotEmpty(t, handle.signals, "the late-arriving handle must still be signaled")
}

func TestAsyncSubAgentStreamFeedsTree(t *testing.T) {
	ctx := context.Background()
	handle := exitedHandle(asyncStream(t), 0)
	handle.files = map[string]string{"/tmp/agent-stream.json": childStream(t)}
	eng := newTestEngine(t, &fakeRuntime{handle: handle})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "research",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = eng.Wait(ctx, sess.ID)
	require.NoError(t, err)

	// The live state is gone; both the main log and the child log feed the
	// replayed tree.
	detail, err := eng.Detail(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, detail.RootAgent.Children, 1)
	child := detail.RootAgent.Children[0]
	assert.Equal(t, "toolu_task", child.ID)
	assert.Equal(t, domain.AgentRunning, child.Status,
		"an async agent's turn stays open when its spawning tool result lands")

	found := false
	for _, ev := range child.Events {
		if ev.ToolName == "Bash" {
			found = true
			assert.Equal(t, "Bash: go test ./...", ev.Summary)
			assert.Equal(t, domain.EventComplete, ev.Status)
		}
	}
	assert.True(t, found, "child stream events must land on the async agent")
}

func TestStartFailsWhenRunFails(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{runErr: fmt.Errorf("no such image")})

	_, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: t.TempDir(),
	})
	require.Error(t, err)

	var oe *domain.OrchestrationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "run", oe.Stage)

	sessions, err := eng.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionFailed, sessions[0].Status)
}

func TestStartRejectsMissingWorkspace(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle("", 0)})

	_, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: "/does/not/exist",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidWorkspace)
}

func TestStartBlockedByPolicy(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle("", 0)})

	_, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: "/",
	})
	assert.ErrorIs(t, err, domain.ErrLaunchBlocked)
}

func TestRollbackRequiresTerminalSession(t *testing.T) {
	ctx := context.Background()
	handle := blockingHandle(0)
	eng := newTestEngine(t, &fakeRuntime{handle: handle})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: t.TempDir(),
		Snapshot:  true,
	})
	require.NoError(t, err)

	err = eng.Rollback(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrWorkspaceBusy)

	require.NoError(t, eng.Stop(ctx, sess.ID))
	assert.NoError(t, eng.Rollback(ctx, sess.ID))
}

func TestRollbackMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle("", 0)})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "task",
		Workspace: t.TempDir(),
		Snapshot:  false,
	})
	require.NoError(t, err)

	_, err = eng.Wait(ctx, sess.ID)
	require.NoError(t, err)

	err = eng.Rollback(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
}

func TestLogsReturnsRawStream(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle(sampleStream(t), 0)})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "read the code",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = eng.Wait(ctx, sess.ID)
	require.NoError(t, err)

	r, err := eng.Logs(ctx, sess.ID, false)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, sampleStream(t), string(data))
}

func TestLogsFollowEndsWhenSessionStops(t *testing.T) {
	ctx := context.Background()
	handle := blockingHandle(137)
	eng := newTestEngine(t, &fakeRuntime{handle: handle})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "long running task",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)

	// The log file appears once ingestion starts.
	require.Eventually(t, func() bool {
		r, err := eng.Logs(ctx, sess.ID, false)
		if err != nil {
			return false
		}
		r.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	r, err := eng.Logs(ctx, sess.ID, true)
	require.NoError(t, err)
	defer r.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(r)
		close(done)
	}()

	require.NoError(t, eng.Stop(ctx, sess.ID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow reader did not terminate with the session")
	}
}

func TestSubscribeTerminatedSessionIsFrozen(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, &fakeRuntime{handle: exitedHandle(sampleStream(t), 0)})

	sess, err := eng.Start(ctx, StartOptions{
		Task:      "read the code",
		Workspace: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = eng.Wait(ctx, sess.ID)
	require.NoError(t, err)

	initial, ch, cancel, err := eng.Subscribe(ctx, sess.ID)
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, domain.SessionCompleted, initial.Session.Status)
	_, ok := <-ch
	assert.False(t, ok, "channel for a terminated session must be closed")
}
