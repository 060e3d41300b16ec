package ingest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenclaude/zenclaude/internal/domain"
	"github.com/zenclaude/zenclaude/internal/protocol"
)

func int64Ptr(v int64) *int64 { return &v }

func newRunningTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker("test-session", "test task")
	tr.Apply(Record{Kind: KindAgentTurnStart, AgentID: domain.RootAgentID, Model: "opus"})
	return tr
}

func TestTrackerTurnStartActivatesSession(t *testing.T) {
	tr := newRunningTracker(t)

	detail := tr.Detail()
	assert.Equal(t, domain.SessionRunning, detail.Status)
	assert.Equal(t, "opus", detail.Model)
	assert.Equal(t, domain.AgentRunning, detail.RootAgent.Status)
	assert.NotNil(t, detail.StartedAt)
}

func TestTrackerBuildsNestedTree(t *testing.T) {
	tr := newRunningTracker(t)

	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Read", Summary: "Read /a.go"})
	tr.Apply(Record{Kind: KindSubAgentSpawned, AgentID: "task-1", ParentID: domain.RootAgentID, AgentType: "reviewer", Description: "review"})
	tr.Apply(Record{Kind: KindAgentTurnStart, AgentID: "task-1"})
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: "task-1", EventID: "e2", ToolName: "Grep", Summary: "Grep foo"})
	tr.Apply(Record{Kind: KindSubAgentSpawned, AgentID: "task-2", ParentID: "task-1", AgentType: "worker", Description: "fix"})
	tr.Apply(Record{Kind: KindAgentTurnStart, AgentID: "task-2"})
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: "task-2", EventID: "e3", ToolName: "Edit", Summary: "Edit /b.go"})

	root := tr.Detail().RootAgent
	require.Len(t, root.Children, 1)
	child := root.Children[0]
	assert.Equal(t, "task-1", child.ID)
	assert.Equal(t, "reviewer", child.AgentType)
	assert.Equal(t, domain.AgentRunning, child.Status)
	require.Len(t, child.Events, 1)

	require.Len(t, child.Children, 1)
	grandchild := child.Children[0]
	assert.Equal(t, "task-2", grandchild.ID)
	require.Len(t, grandchild.Events, 1)
	assert.Equal(t, "Edit /b.go", grandchild.Events[0].Summary)
}

func TestTrackerToolResultResolvesInPlace(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Bash", Summary: "Bash: ls"})
	tr.Apply(Record{Kind: KindToolCallResult, EventID: "e1", Status: "complete", OutputPreview: "a b c", DurationMs: int64Ptr(12)})

	events := tr.Detail().RootAgent.Events
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventComplete, events[0].Status)
	assert.Equal(t, "a b c", events[0].OutputPreview)
	require.NotNil(t, events[0].DurationMs)
	assert.Equal(t, int64(12), *events[0].DurationMs)
}

func TestTrackerDuplicateResultIgnored(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Bash", Summary: "Bash: ls"})
	tr.Apply(Record{Kind: KindToolCallResult, EventID: "e1", Status: "error", Error: "boom"})
	tr.Apply(Record{Kind: KindToolCallResult, EventID: "e1", Status: "complete", OutputPreview: "late duplicate"})

	events := tr.Detail().RootAgent.Events
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Status)
	assert.Equal(t, "boom", events[0].Error)
	assert.Empty(t, events[0].OutputPreview)
}

func TestTrackerDuplicateStartIgnored(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Read", Summary: "first"})
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Read", Summary: "second"})

	events := tr.Detail().RootAgent.Events
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Summary)
}

func TestTrackerOrphanResultSynthesizesEvent(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindToolCallResult, EventID: "ghost", Status: "complete", OutputPreview: "out of order"})

	events := tr.Detail().RootAgent.Events
	require.Len(t, events, 1)
	assert.Equal(t, "ghost", events[0].ID)
	assert.Equal(t, "unknown", events[0].ToolName)
	assert.Equal(t, domain.EventComplete, events[0].Status)
	assert.Equal(t, "out of order", events[0].OutputPreview)

	// A late start for the same id must not reset the resolved event.
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "ghost", ToolName: "Read", Summary: "late"})
	events = tr.Detail().RootAgent.Events
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventComplete, events[0].Status)
}

func TestTrackerOrphanSpawnAttachesToRoot(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindSubAgentSpawned, AgentID: "task-x", ParentID: "never-seen", AgentType: "worker", Description: "lost"})

	root := tr.Detail().RootAgent
	require.Len(t, root.Children, 1)
	assert.Equal(t, "task-x", root.Children[0].ID)
	assert.Equal(t, domain.RootAgentID, root.Children[0].ParentID)
}

func TestTrackerTurnEndDoesNotPropagate(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindSubAgentSpawned, AgentID: "task-1", ParentID: domain.RootAgentID, AgentType: "worker", Description: "w"})
	tr.Apply(Record{Kind: KindAgentTurnStart, AgentID: "task-1"})
	tr.Apply(Record{Kind: KindAgentTurnEnd, AgentID: "task-1", Status: "error"})

	detail := tr.Detail()
	assert.Equal(t, domain.AgentError, detail.RootAgent.Children[0].Status)
	assert.NotNil(t, detail.RootAgent.Children[0].FinishedAt)
	assert.Equal(t, domain.AgentRunning, detail.RootAgent.Status)
	assert.Equal(t, domain.SessionRunning, detail.Status)
}

func TestTrackerSessionSummarySetsTotalsOnly(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindSessionSummary, TotalCostUSD: 1.25, TotalTokens: 9000})

	detail := tr.Detail()
	assert.Equal(t, 1.25, detail.TotalCostUSD)
	assert.Equal(t, int64(9000), detail.TotalTokens)
	assert.Equal(t, domain.SessionRunning, detail.Status)
}

func TestSubscriberSeesMutationsInOrder(t *testing.T) {
	tr := newRunningTracker(t)

	initial, ch, cancel := tr.Subscribe()
	defer cancel()
	assert.Equal(t, protocol.TypeInitialState, initial.Type)
	assert.Equal(t, domain.SessionRunning, initial.Session.Status)

	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Read", Summary: "Read /a"})
	tr.Apply(Record{Kind: KindSubAgentSpawned, AgentID: "task-1", ParentID: domain.RootAgentID, AgentType: "worker", Description: "w"})
	tr.Apply(Record{Kind: KindToolCallResult, EventID: "e1", Status: "complete", OutputPreview: "done"})
	tr.Complete(domain.SessionCompleted)

	var got []string
	for msg := range ch {
		got = append(got, msg.MessageType())
	}
	assert.Equal(t, []string{
		protocol.TypeToolEvent,
		protocol.TypeAgentSpawned,
		protocol.TypeToolEventUpdate,
		protocol.TypeSessionComplete,
	}, got)
}

func TestSubscribersShareOrder(t *testing.T) {
	tr := newRunningTracker(t)

	_, ch1, cancel1 := tr.Subscribe()
	defer cancel1()
	_, ch2, cancel2 := tr.Subscribe()
	defer cancel2()

	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Read", Summary: "Read /a"})
	tr.Apply(Record{Kind: KindToolCallResult, EventID: "e1", Status: "complete"})
	tr.Complete(domain.SessionCompleted)

	drain := func(ch <-chan protocol.Message) []string {
		var types []string
		for msg := range ch {
			types = append(types, msg.MessageType())
		}
		return types
	}
	assert.Equal(t, drain(ch1), drain(ch2))
}

func TestLateSubscriberSnapshotIncludesEarlierMutations(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Read", Summary: "Read /a"})
	tr.Apply(Record{Kind: KindToolCallResult, EventID: "e1", Status: "complete"})

	initial, ch, cancel := tr.Subscribe()
	defer cancel()

	require.Len(t, initial.Session.RootAgent.Events, 1)
	assert.Equal(t, domain.EventComplete, initial.Session.RootAgent.Events[0].Status)

	tr.Complete(domain.SessionCompleted)
	msg, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, protocol.TypeSessionComplete, msg.MessageType())
	_, ok = <-ch
	assert.False(t, ok)
}

func TestSubscribeAfterCompleteGetsFrozenState(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Apply(Record{Kind: KindAgentTurnEnd, AgentID: domain.RootAgentID, Status: "complete"})
	tr.Complete(domain.SessionCompleted)

	initial, ch, cancel := tr.Subscribe()
	defer cancel()

	assert.Equal(t, domain.SessionCompleted, initial.Session.Status)
	assert.Equal(t, domain.AgentComplete, initial.Session.RootAgent.Status)
	_, ok := <-ch
	assert.False(t, ok, "channel for a completed session must be closed")
}

func TestSlowSubscriberDropped(t *testing.T) {
	tr := newRunningTracker(t)

	_, ch, cancel := tr.Subscribe()
	defer cancel()

	// Never read; overflow the buffer and one more.
	for i := 0; i <= subscriberBuffer; i++ {
		tr.Apply(Record{
			Kind:     KindToolCallStart,
			AgentID:  domain.RootAgentID,
			EventID:  fmt.Sprintf("e%d", i),
			ToolName: "Read",
		})
	}

	// The channel must be closed after draining the buffered messages.
	count := 0
	for range ch {
		count++
	}
	assert.LessOrEqual(t, count, subscriberBuffer)
}

func TestCompleteIsIdempotent(t *testing.T) {
	tr := newRunningTracker(t)
	tr.Complete(domain.SessionStopped)
	tr.Complete(domain.SessionCompleted)

	assert.Equal(t, domain.SessionStopped, tr.Detail().Status)
}

func TestCancelDetachesSubscriber(t *testing.T) {
	tr := newRunningTracker(t)
	_, ch, cancel := tr.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Applying after cancel must not panic or deliver.
	tr.Apply(Record{Kind: KindToolCallStart, AgentID: domain.RootAgentID, EventID: "e1", ToolName: "Read"})
}
