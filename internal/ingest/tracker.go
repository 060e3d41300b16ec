package ingest

import (
	"log"
	"sync"
	"time"

	"github.com/zenclaude/zenclaude/internal/domain"
	"github.com/zenclaude/zenclaude/internal/protocol"
)

// subscriberBuffer bounds the per-observer message queue. An observer that
// falls this far behind is dropped rather than stalling the stream.
const subscriberBuffer = 256

// Tracker holds the live agent tree for one session and fans every mutation
// out to subscribers. All methods are safe for concurrent use; mutations and
// broadcasts happen under one lock so every subscriber observes the same
// order, and a new subscriber's snapshot is consistent with the first
// message it receives afterwards.
type Tracker struct {
	mu sync.RWMutex

	sessionID    string
	task         string
	status       domain.SessionStatus
	model        string
	totalCostUSD float64
	totalTokens  int64
	startedAt    *time.Time
	finishedAt   *time.Time

	root   *domain.AgentNode
	agents map[string]*domain.AgentNode
	events map[string]*domain.ToolEvent

	subs    map[int]chan protocol.Message
	nextSub int
	closed  bool
}

// NewTracker returns a tracker with a pending root agent described by the
// session task.
func NewTracker(sessionID, task string) *Tracker {
	root := &domain.AgentNode{
		ID:          domain.RootAgentID,
		AgentType:   "root",
		Description: task,
		Status:      domain.AgentPending,
	}
	return &Tracker{
		sessionID: sessionID,
		task:      task,
		status:    domain.SessionStarting,
		root:      root,
		agents:    map[string]*domain.AgentNode{domain.RootAgentID: root},
		events:    make(map[string]*domain.ToolEvent),
		subs:      make(map[int]chan protocol.Message),
	}
}

// Apply folds one record into the tree and broadcasts the resulting
// mutation, if any.
func (t *Tracker) Apply(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch rec.Kind {
	case KindAgentTurnStart:
		t.applyTurnStart(rec)
	case KindSubAgentSpawned:
		t.applySpawn(rec)
	case KindToolCallStart:
		t.applyToolStart(rec)
	case KindToolCallResult:
		t.applyToolResult(rec)
	case KindAgentTurnEnd:
		t.applyTurnEnd(rec)
	case KindSessionSummary:
		t.totalCostUSD = rec.TotalCostUSD
		t.totalTokens = rec.TotalTokens
	case KindUnrecognized:
		log.Printf("WARN: session %s: skipping unrecognized record: %.120s", t.sessionID, rec.Raw)
	}
}

func (t *Tracker) applyTurnStart(rec Record) {
	node, ok := t.agents[rec.AgentID]
	if !ok {
		log.Printf("WARN: session %s: turn start for unknown agent %s", t.sessionID, rec.AgentID)
		return
	}
	if node.Status != domain.AgentPending {
		return
	}
	now := time.Now().UTC()
	node.Status = domain.AgentRunning
	if node.StartedAt == nil {
		node.StartedAt = &now
	}
	if rec.Model != "" {
		node.Model = rec.Model
	}
	if node.ID == domain.RootAgentID {
		t.status = domain.SessionRunning
		if rec.Model != "" {
			t.model = rec.Model
		}
		if t.startedAt == nil {
			t.startedAt = &now
		}
	}
	t.publish(protocol.AgentStatus{
		Type:    protocol.TypeAgentStatus,
		AgentID: node.ID,
		Status:  node.Status,
	})
}

func (t *Tracker) applySpawn(rec Record) {
	if _, exists := t.agents[rec.AgentID]; exists {
		return
	}
	parent, ok := t.agents[rec.ParentID]
	if !ok {
		log.Printf("WARN: session %s: agent %s spawned by unknown parent %s, attaching to root",
			t.sessionID, rec.AgentID, rec.ParentID)
		parent = t.root
	}
	now := time.Now().UTC()
	node := &domain.AgentNode{
		ID:          rec.AgentID,
		ParentID:    parent.ID,
		AgentType:   rec.AgentType,
		Description: rec.Description,
		Status:      domain.AgentPending,
		StartedAt:   &now,
		Model:       rec.Model,
	}
	parent.Children = append(parent.Children, node)
	t.agents[node.ID] = node
	t.publish(protocol.AgentSpawned{
		Type:     protocol.TypeAgentSpawned,
		Agent:    node.Summary(),
		ParentID: parent.ID,
	})
}

func (t *Tracker) applyToolStart(rec Record) {
	if _, exists := t.events[rec.EventID]; exists {
		return
	}
	owner, ok := t.agents[rec.AgentID]
	if !ok {
		log.Printf("WARN: session %s: tool call for unknown agent %s, attaching to root",
			t.sessionID, rec.AgentID)
		owner = t.root
	}
	ev := &domain.ToolEvent{
		ID:           rec.EventID,
		AgentID:      owner.ID,
		ToolName:     rec.ToolName,
		Summary:      rec.Summary,
		Status:       domain.EventRunning,
		Timestamp:    time.Now().UTC(),
		InputPreview: rec.InputPreview,
	}
	owner.Events = append(owner.Events, ev)
	t.events[ev.ID] = ev
	t.publish(protocol.ToolEvent{Type: protocol.TypeToolEvent, Event: *ev})
}

func (t *Tracker) applyToolResult(rec Record) {
	status := domain.EventComplete
	if rec.Status == "error" {
		status = domain.EventError
	}

	ev, ok := t.events[rec.EventID]
	if !ok {
		// Result arrived before (or without) its start record. Synthesize a
		// resolved placeholder on the root agent so the outcome is not lost.
		ev = &domain.ToolEvent{
			ID:            rec.EventID,
			AgentID:       domain.RootAgentID,
			ToolName:      "unknown",
			Summary:       "unknown",
			Status:        status,
			Timestamp:     time.Now().UTC(),
			OutputPreview: rec.OutputPreview,
			DurationMs:    rec.DurationMs,
			Error:         rec.Error,
		}
		t.root.Events = append(t.root.Events, ev)
		t.events[ev.ID] = ev
		t.publish(protocol.ToolEvent{Type: protocol.TypeToolEvent, Event: *ev})
		return
	}

	if ev.Status.Terminal() {
		return
	}
	ev.Status = status
	ev.OutputPreview = rec.OutputPreview
	ev.DurationMs = rec.DurationMs
	ev.Error = rec.Error
	t.publish(protocol.ToolEventUpdate{
		Type:          protocol.TypeToolEventUpdate,
		EventID:       ev.ID,
		Status:        ev.Status,
		OutputPreview: ev.OutputPreview,
		DurationMs:    ev.DurationMs,
		Error:         ev.Error,
	})
}

func (t *Tracker) applyTurnEnd(rec Record) {
	node, ok := t.agents[rec.AgentID]
	if !ok {
		log.Printf("WARN: session %s: turn end for unknown agent %s", t.sessionID, rec.AgentID)
		return
	}
	if node.Status == domain.AgentComplete || node.Status == domain.AgentError {
		return
	}
	now := time.Now().UTC()
	node.Status = domain.AgentComplete
	if rec.Status == "error" {
		node.Status = domain.AgentError
	}
	node.FinishedAt = &now
	if node.ID == domain.RootAgentID {
		t.finishedAt = &now
	}
	t.publish(protocol.AgentStatus{
		Type:       protocol.TypeAgentStatus,
		AgentID:    node.ID,
		Status:     node.Status,
		FinishedAt: node.FinishedAt,
	})
}

// Complete marks the session terminal, delivers session_complete to every
// subscriber and closes their channels. Later subscribers get the frozen
// final state and a closed channel. Complete is idempotent.
func (t *Tracker) Complete(status domain.SessionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.status = status
	if t.finishedAt == nil {
		now := time.Now().UTC()
		t.finishedAt = &now
	}
	t.publish(protocol.SessionComplete{
		Type:         protocol.TypeSessionComplete,
		Status:       status,
		TotalCostUSD: t.totalCostUSD,
		TotalTokens:  t.totalTokens,
	})
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.closed = true
}

// Subscribe returns the current session view and a channel carrying every
// mutation after that view, in tree order. Registration is atomic with the
// snapshot: nothing is lost or duplicated between the two. The cancel
// function detaches the subscriber; the channel is closed when the session
// completes or the subscriber falls too far behind.
func (t *Tracker) Subscribe() (protocol.InitialState, <-chan protocol.Message, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	initial := protocol.InitialState{
		Type:    protocol.TypeInitialState,
		Session: t.detailLocked(),
	}

	ch := make(chan protocol.Message, subscriberBuffer)
	if t.closed {
		close(ch)
		return initial, ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			close(sub)
			delete(t.subs, id)
		}
	}
	return initial, ch, cancel
}

// publish delivers msg to every subscriber without blocking. A subscriber
// whose queue is full is disconnected.
func (t *Tracker) publish(msg protocol.Message) {
	for id, ch := range t.subs {
		select {
		case ch <- msg:
		default:
			log.Printf("WARN: session %s: dropping slow observer %d", t.sessionID, id)
			close(ch)
			delete(t.subs, id)
		}
	}
}

// Detail returns the current point-in-time session view.
func (t *Tracker) Detail() domain.SessionDetail {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.detailLocked()
}

func (t *Tracker) detailLocked() domain.SessionDetail {
	return domain.SessionDetail{
		SessionID:    t.sessionID,
		Task:         t.task,
		Status:       t.status,
		Model:        t.model,
		StartedAt:    t.startedAt,
		FinishedAt:   t.finishedAt,
		TotalCostUSD: t.totalCostUSD,
		TotalTokens:  t.totalTokens,
		RootAgent:    t.root.Detail(),
	}
}

// Totals returns the accumulated cost and token usage.
func (t *Tracker) Totals() (float64, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalCostUSD, t.totalTokens
}

// Model returns the model reported by the stream, if any.
func (t *Tracker) Model() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model
}
