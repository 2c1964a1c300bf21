// Package events defines the typed event model shared by the orchestrator
// engine, the agent log monitor, and the WebSocket broadcast layer.
package events

import "time"

// Event type constants used by the engine, the log monitor, HTTP handlers,
// and broadcasters.
const (
	// Workflow lifecycle
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"

	// Stage lifecycle
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageSkipped   = "stage_skipped"
	EventStageFailed    = "stage_failed"

	// Agent output (mapped from Claude Code JSONL)
	EventTextBlock     = "text_block"
	EventToolUsePre    = "tool_use_pre"
	EventToolUsePost   = "tool_use_post"
	EventThinkingBlock = "thinking_block"
	EventFileChanged   = "file_changed"
	EventAgentLog      = "agent_log"

	// Agent state fan-out
	EventAgentCreated       = "agent_created"
	EventAgentUpdated       = "agent_updated"
	EventAgentDeleted       = "agent_deleted"
	EventAgentStatusChange  = "agent_status_change"
	EventAgentSummaryUpdate = "agent_summary_update"

	// Transport
	EventStageTransition     = "stage_transition"
	EventHeartbeat           = "heartbeat"
	EventError               = "error"
	EventChatStream          = "chat_stream"
	EventTypingIndicator     = "typing_indicator"
	EventScreenshotAvailable = "screenshot_available"
	EventSpecCreated         = "spec_created"
)

// Stage names the frontend consumes. Transitions outside this set are
// rejected at the stage-event endpoint.
const (
	StageBacklog      = "backlog"
	StagePlan         = "plan"
	StageBuild        = "build"
	StageTest         = "test"
	StageReview       = "review"
	StageDocument     = "document"
	StageReadyToMerge = "ready-to-merge"
	StagePR           = "pr"
	StageCompleted    = "completed"
	StageErrored      = "errored"
)

var validStages = map[string]struct{}{
	StageBacklog:      {},
	StagePlan:         {},
	StageBuild:        {},
	StageTest:         {},
	StageReview:       {},
	StageDocument:     {},
	StageReadyToMerge: {},
	StagePR:           {},
	StageCompleted:    {},
	StageErrored:      {},
}

// IsValidStage reports whether name is in the closed stage set.
func IsValidStage(name string) bool {
	_, ok := validStages[name]
	return ok
}

// terminal stages accept transitions in but never emit transitions out.
var terminalStages = map[string]struct{}{
	StageReadyToMerge: {},
	StagePR:           {},
	StageCompleted:    {},
	StageErrored:      {},
}

// IsTerminalStage reports whether name is a terminal stage.
func IsTerminalStage(name string) bool {
	_, ok := terminalStages[name]
	return ok
}

// Event is a single typed, timestamped message. Lifecycle events carry the
// full progression snapshot; agent and transport events use Data only.
type Event struct {
	Type         string         `json:"event_type"`
	ADWID        string         `json:"adw_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	StageName    string         `json:"stage_name,omitempty"`

	// Progression snapshot, populated for lifecycle events.
	PreviousStage   string   `json:"previous_stage,omitempty"`
	NextStage       string   `json:"next_stage,omitempty"`
	StageIndex      int      `json:"stage_index,omitempty"`
	TotalStages     int      `json:"total_stages,omitempty"`
	CompletedStages []string `json:"completed_stages,omitempty"`
	PendingStages   []string `json:"pending_stages,omitempty"`

	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
