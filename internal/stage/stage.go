// Package stage defines the contract every workflow stage implements and
// the static registry the engine instantiates them from.
package stage

import (
	"context"
	"time"

	"adw/internal/events"
	"adw/internal/gitops"
	"adw/internal/observability"
	"adw/internal/runner"
	"adw/internal/state"
	"adw/internal/worktree"
)

// Context is the per-invocation bundle the engine hands a stage. It is not
// persisted; the live state reference may be mutated by the stage and is
// reloaded by the engine afterwards.
type Context struct {
	ADWID       string
	IssueNumber *int
	State       *state.ADWState

	WorktreePath string
	Logger       *observability.Logger
	Notifier     *events.Notifier
	Config       map[string]any

	// Progression snapshot.
	PreviousStage   string
	StageIndex      int
	TotalStages     int
	CompletedStages []string
	SkippedStages   []string

	// Model override already resolved by the engine: stage config beats the
	// per-ADW state override beats the default.
	StageModel string

	// Collaborators.
	Store     *state.Store
	Git       *gitops.Git
	GitHub    *gitops.GitHub
	Runner    *runner.Runner
	Worktrees *worktree.Manager

	AgentsDir    string
	AgentBinary  string
	AgentTimeout time.Duration
}

// ConfigString reads a string key from the stage config.
func (c *Context) ConfigString(key string) string {
	if c.Config == nil {
		return ""
	}
	s, _ := c.Config[key].(string)
	return s
}

// ConfigBool reads a bool key from the stage config.
func (c *Context) ConfigBool(key string) bool {
	if c.Config == nil {
		return false
	}
	b, _ := c.Config[key].(bool)
	return b
}

// ConfigInt reads an integer key from the stage config, tolerating JSON
// float decoding.
func (c *Context) ConfigInt(key string, fallback int) int {
	if c.Config == nil {
		return fallback
	}
	switch v := c.Config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Result reports one stage execution.
type Result struct {
	Status     string
	Message    string
	Err        error
	Artifacts  map[string]any
	DurationMS int64
}

// Completed builds a successful result.
func Completed(message string, artifacts map[string]any) Result {
	return Result{Status: state.StageCompleted, Message: message, Artifacts: artifacts}
}

// Failed builds a failed result.
func Failed(message string, err error) Result {
	return Result{Status: state.StageFailed, Message: message, Err: err}
}

// Stage is the capability set every implementation provides. Dependencies
// are declared as data, not inheritance.
type Stage interface {
	Name() string
	DisplayName() string
	Dependencies() []string

	// Preconditions runs cheap checks; an error aborts the stage before
	// execute.
	Preconditions(ctx context.Context, sc *Context) error

	// ShouldSkip is the policy-level opt-out. A true return marks the stage
	// skipped with the given reason.
	ShouldSkip(ctx context.Context, sc *Context) (bool, string)

	// Execute does the real work.
	Execute(ctx context.Context, sc *Context) Result

	// OnFailure and Cleanup are hook points; Cleanup always runs.
	OnFailure(ctx context.Context, sc *Context, err error)
	Cleanup(ctx context.Context, sc *Context)
}

// Hooks provides no-op OnFailure/Cleanup for stages that do not need them.
type Hooks struct{}

func (Hooks) OnFailure(ctx context.Context, sc *Context, err error) {}
func (Hooks) Cleanup(ctx context.Context, sc *Context)              {}
