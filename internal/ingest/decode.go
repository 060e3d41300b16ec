package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zenclaude/zenclaude/internal/domain"
)

const (
	summaryLimit = 80
	previewLimit = 200
	errorLimit   = 500
)

// Decoder translates the raw line stream emitted by the agent process into
// structured records. It is stateful: it remembers which tool invocations
// spawned sub-agents so that their results can be mapped to turn-end records.
type Decoder struct {
	spawned map[string]bool
}

// NewDecoder returns a fresh decoder for one session stream.
func NewDecoder() *Decoder {
	return &Decoder{spawned: make(map[string]bool)}
}

type rawLine struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	Model           string          `json:"model"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         rawMessage      `json:"message"`
	CostUSD         *float64        `json:"cost_usd"`
	Cost            *float64        `json:"cost"`
	Usage           *rawUsage       `json:"usage"`
	TotalUsage      *rawUsage       `json:"total_usage"`
	IsError         bool            `json:"is_error"`
	Result          json.RawMessage `json:"result"`
	ToolUseResult   *rawToolUseRes  `json:"tool_use_result"`
}

type rawToolUseRes struct {
	IsAsync bool `json:"isAsync"`
}

type rawMessage struct {
	Content []json.RawMessage `json:"content"`
}

type rawUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type rawBlock struct {
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	ToolUseID  string          `json:"tool_use_id"`
	IsError    bool            `json:"is_error"`
	Content    json.RawMessage `json:"content"`
	DurationMs *int64          `json:"duration_ms"`
	DurationMS *int64          `json:"durationMs"`
}

// DecodeLine converts one raw line into zero or more records. Blank lines
// produce nothing; lines that are not valid JSON become synthetic text
// events on the root agent rather than being dropped.
func (d *Decoder) DecodeLine(line string) []Record {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(stripped), &raw); err != nil {
		return textEvent(domain.RootAgentID, stripped)
	}

	switch raw.Type {
	case "system":
		return d.decodeSystem(raw)
	case "assistant":
		return d.decodeAssistant(raw)
	case "user":
		return d.decodeUser(raw)
	case "result":
		return d.decodeResult(raw)
	default:
		return []Record{{Kind: KindUnrecognized, Raw: stripped}}
	}
}

func (d *Decoder) decodeSystem(raw rawLine) []Record {
	if raw.Subtype != "init" {
		return nil
	}
	return []Record{{
		Kind:    KindAgentTurnStart,
		AgentID: domain.RootAgentID,
		Model:   raw.Model,
	}}
}

func (d *Decoder) decodeAssistant(raw rawLine) []Record {
	owner := d.owningAgent(raw.ParentToolUseID)

	var recs []Record
	for _, rawBlk := range raw.Message.Content {
		var blk rawBlock
		if err := json.Unmarshal(rawBlk, &blk); err != nil {
			continue
		}
		switch blk.Type {
		case "text":
			if strings.TrimSpace(blk.Text) == "" {
				continue
			}
			recs = append(recs, textEvent(owner, blk.Text)...)
		case "tool_use":
			recs = append(recs, d.toolUse(owner, blk)...)
		}
	}
	return recs
}

func (d *Decoder) toolUse(owner string, blk rawBlock) []Record {
	id := blk.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := blk.Name
	if name == "" {
		name = "unknown"
	}

	var input map[string]any
	if len(blk.Input) > 0 {
		_ = json.Unmarshal(blk.Input, &input)
	}

	recs := []Record{{
		Kind:         KindToolCallStart,
		AgentID:      owner,
		EventID:      id,
		ToolName:     name,
		Summary:      buildToolSummary(name, input),
		InputPreview: inputPreview(input),
	}}

	if name == "Task" {
		agentType := stringField(input, "subagent_type")
		if agentType == "" {
			agentType = "subagent"
		}
		desc := stringField(input, "description")
		if desc == "" {
			desc = truncate(stringField(input, "prompt"), summaryLimit)
		}
		d.spawned[id] = true
		recs = append(recs,
			Record{
				Kind:        KindSubAgentSpawned,
				AgentID:     id,
				ParentID:    owner,
				AgentType:   agentType,
				Description: desc,
				Model:       stringField(input, "model"),
			},
			Record{
				Kind:    KindAgentTurnStart,
				AgentID: id,
				Model:   stringField(input, "model"),
			},
		)
	}
	return recs
}

// asyncOutputFileRe extracts the stream path an async sub-agent announces in
// its spawning tool result.
var asyncOutputFileRe = regexp.MustCompile(`output_file:\s*(\S+)`)

func (d *Decoder) decodeUser(raw rawLine) []Record {
	asyncID, outputFile := d.detectAsync(raw)

	var recs []Record
	if asyncID != "" {
		recs = append(recs, Record{
			Kind:       KindAsyncAgentStart,
			AgentID:    asyncID,
			OutputFile: outputFile,
		})
	}
	for _, rawBlk := range raw.Message.Content {
		var blk rawBlock
		if err := json.Unmarshal(rawBlk, &blk); err != nil || blk.Type != "tool_result" {
			continue
		}
		if blk.ToolUseID == "" {
			continue
		}

		recs = append(recs, toolResult(blk))

		// An async sub-agent outlives its spawning tool result; its turn
		// stays open until the session ends.
		if d.spawned[blk.ToolUseID] && blk.ToolUseID != asyncID {
			status := "complete"
			if blk.IsError {
				status = "error"
			}
			recs = append(recs, Record{
				Kind:    KindAgentTurnEnd,
				AgentID: blk.ToolUseID,
				Status:  status,
			})
		}
	}
	return recs
}

// detectAsync reports whether this user record announces a detached
// sub-agent. The top-level tool_use_result carries the isAsync marker and the
// first tool_result block names the file the agent keeps streaming to.
func (d *Decoder) detectAsync(raw rawLine) (agentID, outputFile string) {
	if raw.ToolUseResult == nil || !raw.ToolUseResult.IsAsync {
		return "", ""
	}
	for _, rawBlk := range raw.Message.Content {
		var blk rawBlock
		if err := json.Unmarshal(rawBlk, &blk); err != nil || blk.Type != "tool_result" {
			continue
		}
		if blk.ToolUseID == "" || !d.spawned[blk.ToolUseID] {
			return "", ""
		}
		m := asyncOutputFileRe.FindStringSubmatch(contentText(blk.Content))
		if m == nil {
			return "", ""
		}
		return blk.ToolUseID, m[1]
	}
	return "", ""
}

// toolResult converts one tool_result block into its result record.
func toolResult(blk rawBlock) Record {
	status := "complete"
	if blk.IsError {
		status = "error"
	}
	content := contentText(blk.Content)

	rec := Record{
		Kind:          KindToolCallResult,
		EventID:       blk.ToolUseID,
		Status:        status,
		OutputPreview: truncate(content, previewLimit),
		DurationMs:    blk.DurationMs,
	}
	if rec.DurationMs == nil {
		rec.DurationMs = blk.DurationMS
	}
	if blk.IsError {
		rec.Error = truncate(content, errorLimit)
	}
	return rec
}

func (d *Decoder) decodeResult(raw rawLine) []Record {
	status := "complete"
	if raw.IsError {
		status = "error"
	}

	summary := Record{Kind: KindSessionSummary}
	if raw.CostUSD != nil {
		summary.TotalCostUSD = *raw.CostUSD
	} else if raw.Cost != nil {
		summary.TotalCostUSD = *raw.Cost
	}
	usage := raw.Usage
	if usage == nil {
		usage = raw.TotalUsage
	}
	if usage != nil {
		summary.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return []Record{
		{Kind: KindAgentTurnEnd, AgentID: domain.RootAgentID, Status: status},
		summary,
	}
}

// ChildDecoder translates the detached stream of one async sub-agent. Every
// record is attributed to that agent; child streams never spawn further
// agents and their result records are ignored.
type ChildDecoder struct {
	agentID string
}

// NewChildDecoder returns a decoder feeding the given agent's subtree.
func NewChildDecoder(agentID string) *ChildDecoder {
	return &ChildDecoder{agentID: agentID}
}

// DecodeLine converts one line of the child stream into records. Lines that
// are not valid JSON are dropped; the detached stream interleaves progress
// noise with its records.
func (d *ChildDecoder) DecodeLine(line string) []Record {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(stripped), &raw); err != nil {
		return nil
	}

	switch raw.Type {
	case "assistant":
		var recs []Record
		for _, rawBlk := range raw.Message.Content {
			var blk rawBlock
			if err := json.Unmarshal(rawBlk, &blk); err != nil {
				continue
			}
			switch blk.Type {
			case "text":
				if strings.TrimSpace(blk.Text) == "" {
					continue
				}
				recs = append(recs, textEvent(d.agentID, blk.Text)...)
			case "tool_use":
				id := blk.ID
				if id == "" {
					id = uuid.New().String()
				}
				name := blk.Name
				if name == "" {
					name = "unknown"
				}
				var input map[string]any
				if len(blk.Input) > 0 {
					_ = json.Unmarshal(blk.Input, &input)
				}
				recs = append(recs, Record{
					Kind:         KindToolCallStart,
					AgentID:      d.agentID,
					EventID:      id,
					ToolName:     name,
					Summary:      buildToolSummary(name, input),
					InputPreview: inputPreview(input),
				})
			}
		}
		return recs
	case "user":
		var recs []Record
		for _, rawBlk := range raw.Message.Content {
			var blk rawBlock
			if err := json.Unmarshal(rawBlk, &blk); err != nil || blk.Type != "tool_result" {
				continue
			}
			if blk.ToolUseID == "" {
				continue
			}
			recs = append(recs, toolResult(blk))
		}
		return recs
	default:
		return nil
	}
}

// textEvent models agent text output as an immediately resolved tool call.
func textEvent(agentID, text string) []Record {
	id := uuid.New().String()
	return []Record{
		{
			Kind:         KindToolCallStart,
			AgentID:      agentID,
			EventID:      id,
			ToolName:     "text",
			Summary:      truncate(text, summaryLimit),
			InputPreview: truncate(text, previewLimit),
		},
		{
			Kind:    KindToolCallResult,
			EventID: id,
			Status:  "complete",
		},
	}
}

func (d *Decoder) owningAgent(parentToolUseID *string) string {
	if parentToolUseID == nil || *parentToolUseID == "" {
		return domain.RootAgentID
	}
	if d.spawned[*parentToolUseID] {
		return *parentToolUseID
	}
	return domain.RootAgentID
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			parts = append(parts, b.Text)
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func buildToolSummary(name string, input map[string]any) string {
	switch name {
	case "Read", "Write", "Edit":
		return fmt.Sprintf("%s %s", name, stringFieldOr(input, "file_path", "?"))
	case "Bash":
		return "Bash: " + truncate(stringField(input, "command"), summaryLimit)
	case "Glob":
		return "Glob " + stringFieldOr(input, "pattern", "?")
	case "Grep":
		return "Grep " + stringFieldOr(input, "pattern", "?")
	case "Task":
		desc := stringField(input, "description")
		if desc == "" {
			desc = stringFieldOr(input, "prompt", "?")
		}
		return "Task: " + truncate(desc, summaryLimit)
	case "WebFetch":
		return "WebFetch " + stringFieldOr(input, "url", "?")
	case "WebSearch":
		return "WebSearch: " + truncate(stringFieldOr(input, "query", "?"), summaryLimit)
	default:
		return name
	}
}

func inputPreview(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return truncate(string(raw), previewLimit)
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func stringFieldOr(input map[string]any, key, fallback string) string {
	if s := stringField(input, key); s != "" {
		return s
	}
	return fallback
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
