// Package state persists per-workflow ADW state in SQLite with soft-delete
// semantics and an append-only activity log.
package state

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Workflow execution statuses.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowPaused    = "paused"
	WorkflowFailed    = "failed"
	WorkflowCompleted = "completed"
)

// Stage execution statuses.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// Data sources a workflow can be bound to.
const (
	SourceGitHub = "github"
	SourceKanban = "kanban"
)

var adwIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// IsValidADWID reports whether id is an 8-character alphanumeric workflow id.
func IsValidADWID(id string) bool {
	return adwIDPattern.MatchString(id)
}

// ADWState is one row in adw_states, keyed by adw_id.
type ADWState struct {
	ADWID        string `json:"adw_id"`
	IssueNumber  *int   `json:"issue_number,omitempty"`
	IssueTitle   string `json:"issue_title,omitempty"`
	IssueBody    string `json:"issue_body,omitempty"`
	// Issue class keeps its leading slash internally (/feature, /bug,
	// /chore, /patch); it is stripped only at the discovery boundary.
	IssueClass   string `json:"issue_class,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`

	CurrentStage string `json:"current_stage"`
	Status       string `json:"status"`
	WorkflowName string `json:"workflow_name,omitempty"`
	ModelSet     string `json:"model_set,omitempty"`
	DataSource   string `json:"data_source,omitempty"`

	IssueJSON         map[string]any     `json:"issue_json,omitempty"`
	OrchestratorState *WorkflowExecution `json:"orchestrator_state,omitempty"`
	PlanFile          string             `json:"plan_file,omitempty"`
	AllADWs           []string           `json:"all_adws,omitempty"`
	PatchFile         string             `json:"patch_file,omitempty"`
	PatchHistory      []string           `json:"patch_history,omitempty"`
	PatchSourceMode   string             `json:"patch_source_mode,omitempty"`

	// Legacy transport ports, unused when a reverse proxy serves host URLs.
	BackendPort   *int `json:"backend_port,omitempty"`
	WebsocketPort *int `json:"websocket_port,omitempty"`
	FrontendPort  *int `json:"frontend_port,omitempty"`

	// Completed marks the workflow finished; Save translates it into
	// completed_at, and Load derives it back from that column.
	Completed bool `json:"completed,omitempty"`

	CreatedAt   time.Time  `json:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// AppendADW adds a workflow name to all_adws exactly once, preserving order.
func (s *ADWState) AppendADW(name string) {
	for _, existing := range s.AllADWs {
		if existing == name {
			return
		}
	}
	s.AllADWs = append(s.AllADWs, name)
}

// StrippedIssueClass returns the issue class without its leading slash.
func (s *ADWState) StrippedIssueClass() string {
	return strings.TrimPrefix(s.IssueClass, "/")
}

// Summary is the lightweight projection returned by list queries. The
// extracted issue_json title rides along so discovery can apply its fallback
// without loading the full JSON body.
type Summary struct {
	ADWID          string `json:"adw_id" db:"adw_id"`
	IssueClass     string `json:"issue_class" db:"issue_class"`
	IssueNumber    *int   `json:"issue_number" db:"issue_number"`
	IssueTitle     string `json:"issue_title" db:"issue_title"`
	BranchName     string `json:"branch_name" db:"branch_name"`
	CurrentStage   string `json:"current_stage" db:"current_stage"`
	WorkflowName   string `json:"workflow_name" db:"workflow_name"`
	Completed      bool   `json:"completed" db:"completed"`
	IssueJSONTitle string `json:"-" db:"issue_json_title"`
}

// ActivityEntry is one append-only row in adw_activity_logs.
type ActivityEntry struct {
	ADWID        string         `json:"adw_id"`
	EventType    string         `json:"event_type"`
	FieldChanged string         `json:"field_changed,omitempty"`
	OldValue     string         `json:"old_value,omitempty"`
	NewValue     string         `json:"new_value,omitempty"`
	EventData    map[string]any `json:"event_data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// StageExecution records one stage slot inside a WorkflowExecution.
type StageExecution struct {
	StageName   string         `json:"stage_name"`
	Status      string         `json:"status"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (s *StageExecution) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// WorkflowExecution is the engine's persisted execution record, embedded as
// JSON in the orchestrator_state column.
type WorkflowExecution struct {
	WorkflowName      string           `json:"workflow_name"`
	ADWID             string           `json:"adw_id"`
	Status            string           `json:"status"`
	CurrentStageIndex int              `json:"current_stage_index"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Error             string           `json:"error,omitempty"`
	Stages            []StageExecution `json:"stages"`
}

// ToMap serializes the execution record into a generic JSON object.
func (w *WorkflowExecution) ToMap() (map[string]any, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WorkflowExecutionFromMap rebuilds an execution record from its JSON object
// form. ToMap followed by WorkflowExecutionFromMap yields an equal record.
func WorkflowExecutionFromMap(m map[string]any) (*WorkflowExecution, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var w WorkflowExecution
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
