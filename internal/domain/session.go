// Package domain defines the core domain models for the session engine.
package domain

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionStopped:
		return true
	}
	return false
}

// ResourceLimits bound the isolated process of a session.
type ResourceLimits struct {
	Memory string `json:"memory"`
	CPUs   string `json:"cpus"`
	Pids   int    `json:"pids"`
}

// Session is the metadata record for one end-to-end run of an agent task.
// It is persisted independently of the in-memory agent tree so that list
// and status work without replaying the output stream.
type Session struct {
	ID           string         `json:"id"`
	Task         string         `json:"task"`
	Skill        string         `json:"skill,omitempty"`
	Workspace    string         `json:"workspace"`
	Status       SessionStatus  `json:"status"`
	Limits       ResourceLimits `json:"limits"`
	ContainerID  string         `json:"container_id,omitempty"`
	Image        string         `json:"image,omitempty"`
	Model        string         `json:"model,omitempty"`
	SnapshotPath string         `json:"snapshot_path,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	TotalTokens  int64          `json:"total_tokens"`
}

// Snapshot references a point-in-time archive of a workspace.
// Its id is the owning session's id; snapshots are created once per run
// and never mutated.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}
