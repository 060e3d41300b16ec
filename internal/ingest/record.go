// Package ingest consumes the live output stream of an isolated agent
// process and incrementally reconstructs the session's agent tree.
package ingest

// RecordKind discriminates the closed set of structured records the tracker
// understands. Anything else decodes to KindUnrecognized and is skipped.
type RecordKind string

const (
	KindAgentTurnStart  RecordKind = "agent_turn_start"
	KindToolCallStart   RecordKind = "tool_call_start"
	KindToolCallResult  RecordKind = "tool_call_result"
	KindSubAgentSpawned RecordKind = "sub_agent_spawned"
	KindAsyncAgentStart RecordKind = "async_agent_start"
	KindAgentTurnEnd    RecordKind = "agent_turn_end"
	KindSessionSummary  RecordKind = "session_summary"
	KindUnrecognized    RecordKind = "unrecognized"
)

// Record is one structured record from the agent's output stream. The stream
// is parsed online, one record at a time; a Record is a tagged variant over
// the kinds above, with only the fields of its kind populated.
type Record struct {
	Kind RecordKind

	// AgentID names the acting agent. For KindAgentTurnStart/End it is the
	// agent whose turn starts or ends; for tool records it is the agent
	// owning the tool invocation.
	AgentID string

	// Agent turn start.
	Model string

	// Tool call start/result. EventID is the correlation id linking the
	// start record to its eventual result.
	EventID      string
	ToolName     string
	Summary      string
	InputPreview string

	// Tool call result.
	Status        string // "complete" or "error"
	OutputPreview string
	DurationMs    *int64
	Error         string

	// Sub-agent spawned. The new agent's id equals the spawning tool call's
	// correlation id; ParentID names the spawning agent.
	ParentID    string
	AgentType   string
	Description string

	// Async agent start. The sub-agent detached from the main stream and
	// keeps writing its own stream to OutputFile inside the container.
	OutputFile string

	// Session summary.
	TotalCostUSD float64
	TotalTokens  int64

	// Raw preserves the offending line for unrecognized records.
	Raw string
}
