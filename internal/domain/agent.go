package domain

import "time"

// RootAgentID identifies the root agent of every session.
const RootAgentID = "root"

// AgentStatus represents the state of one agent turn.
type AgentStatus string

const (
	AgentPending  AgentStatus = "pending"
	AgentRunning  AgentStatus = "running"
	AgentComplete AgentStatus = "complete"
	AgentError    AgentStatus = "error"
)

// EventStatus represents the state of one tool invocation.
type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventRunning  EventStatus = "running"
	EventComplete EventStatus = "complete"
	EventError    EventStatus = "error"
)

// Terminal reports whether the event status admits no further updates.
func (s EventStatus) Terminal() bool {
	return s == EventComplete || s == EventError
}

// ToolEvent is one tool invocation inside an agent turn. The id is the
// correlation id assigned by the event source and is unique within a session.
type ToolEvent struct {
	ID            string      `json:"id"`
	AgentID       string      `json:"agent_id"`
	ToolName      string      `json:"tool_name"`
	Summary       string      `json:"summary"`
	Status        EventStatus `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	InputPreview  string      `json:"input_preview"`
	OutputPreview string      `json:"output_preview"`
	DurationMs    *int64      `json:"duration_ms,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// AgentNode is one agent turn: the root task or a delegated sub-agent.
// A node owns its children and events; the parent reference is an id
// lookup, never ownership.
type AgentNode struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parent_id,omitempty"`
	AgentType   string       `json:"agent_type"`
	Description string       `json:"description"`
	Status      AgentStatus  `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Model       string       `json:"model,omitempty"`
	Children    []*AgentNode `json:"-"`
	Events      []*ToolEvent `json:"-"`
}

// AgentSummary is the wire form of a node without its event payloads.
type AgentSummary struct {
	ID          string         `json:"id"`
	ParentID    string         `json:"parent_id,omitempty"`
	AgentType   string         `json:"agent_type"`
	Description string         `json:"description"`
	Status      AgentStatus    `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Model       string         `json:"model,omitempty"`
	EventCount  int            `json:"event_count"`
	Children    []AgentSummary `json:"children"`
}

// AgentDetail is the wire form of a node including its events, recursively.
type AgentDetail struct {
	ID          string        `json:"id"`
	ParentID    string        `json:"parent_id,omitempty"`
	AgentType   string        `json:"agent_type"`
	Description string        `json:"description"`
	Status      AgentStatus   `json:"status"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Model       string        `json:"model,omitempty"`
	Events      []ToolEvent   `json:"events"`
	Children    []AgentDetail `json:"children"`
}

// Summary converts the node and its subtree to summary form.
func (n *AgentNode) Summary() AgentSummary {
	s := AgentSummary{
		ID:          n.ID,
		ParentID:    n.ParentID,
		AgentType:   n.AgentType,
		Description: n.Description,
		Status:      n.Status,
		StartedAt:   n.StartedAt,
		FinishedAt:  n.FinishedAt,
		Model:       n.Model,
		EventCount:  len(n.Events),
		Children:    make([]AgentSummary, 0, len(n.Children)),
	}
	for _, c := range n.Children {
		s.Children = append(s.Children, c.Summary())
	}
	return s
}

// Detail converts the node and its subtree to detail form.
func (n *AgentNode) Detail() AgentDetail {
	d := AgentDetail{
		ID:          n.ID,
		ParentID:    n.ParentID,
		AgentType:   n.AgentType,
		Description: n.Description,
		Status:      n.Status,
		StartedAt:   n.StartedAt,
		FinishedAt:  n.FinishedAt,
		Model:       n.Model,
		Events:      make([]ToolEvent, 0, len(n.Events)),
		Children:    make([]AgentDetail, 0, len(n.Children)),
	}
	for _, e := range n.Events {
		d.Events = append(d.Events, *e)
	}
	for _, c := range n.Children {
		d.Children = append(d.Children, c.Detail())
	}
	return d
}

// SessionDetail is the full point-in-time view of a session: metadata plus
// the agent tree. It is the payload of the observer initial_state message.
type SessionDetail struct {
	SessionID    string        `json:"session_id"`
	Task         string        `json:"task"`
	Status       SessionStatus `json:"status"`
	Model        string        `json:"model,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	TotalTokens  int64         `json:"total_tokens"`
	RootAgent    AgentDetail   `json:"root_agent"`
}

// SessionSummary is the list-view form of a session.
type SessionSummary struct {
	SessionID    string        `json:"session_id"`
	Task         string        `json:"task"`
	Status       SessionStatus `json:"status"`
	Model        string        `json:"model,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	TotalTokens  int64         `json:"total_tokens"`
}
