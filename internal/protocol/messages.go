// Package protocol defines the JSON message protocol between the engine and
// live session observers.
package protocol

import (
	"time"

	"github.com/zenclaude/zenclaude/internal/domain"
)

// Message types from engine to observer.
const (
	TypeInitialState    = "initial_state"
	TypeAgentSpawned    = "agent_spawned"
	TypeAgentStatus     = "agent_status"
	TypeToolEvent       = "tool_event"
	TypeToolEventUpdate = "tool_event_update"
	TypeSessionComplete = "session_complete"
)

// Message is any observer-bound message. Concrete types below carry a
// pre-filled Type discriminator.
type Message interface {
	MessageType() string
}

// InitialState carries the full point-in-time session view sent to every
// observer on connect, before any mutation.
type InitialState struct {
	Type    string               `json:"type"`
	Session domain.SessionDetail `json:"session"`
}

func (m InitialState) MessageType() string { return m.Type }

// AgentSpawned announces a new agent node inserted into the tree.
type AgentSpawned struct {
	Type     string              `json:"type"`
	Agent    domain.AgentSummary `json:"agent"`
	ParentID string              `json:"parent_id,omitempty"`
}

func (m AgentSpawned) MessageType() string { return m.Type }

// AgentStatus announces a status change on an existing agent node.
type AgentStatus struct {
	Type       string             `json:"type"`
	AgentID    string             `json:"agent_id"`
	Status     domain.AgentStatus `json:"status"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

func (m AgentStatus) MessageType() string { return m.Type }

// ToolEvent announces a new tool invocation appended to an agent node.
type ToolEvent struct {
	Type  string           `json:"type"`
	Event domain.ToolEvent `json:"event"`
}

func (m ToolEvent) MessageType() string { return m.Type }

// ToolEventUpdate announces the in-place resolution of a tool invocation.
type ToolEventUpdate struct {
	Type          string             `json:"type"`
	EventID       string             `json:"event_id"`
	Status        domain.EventStatus `json:"status"`
	OutputPreview string             `json:"output_preview"`
	DurationMs    *int64             `json:"duration_ms,omitempty"`
	Error         string             `json:"error,omitempty"`
}

func (m ToolEventUpdate) MessageType() string { return m.Type }

// SessionComplete is the terminal message; the observer stream is closed
// after it is delivered.
type SessionComplete struct {
	Type         string               `json:"type"`
	Status       domain.SessionStatus `json:"status"`
	TotalCostUSD float64              `json:"total_cost_usd"`
	TotalTokens  int64                `json:"total_tokens"`
}

func (m SessionComplete) MessageType() string { return m.Type }
