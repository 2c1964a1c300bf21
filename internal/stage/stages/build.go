package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"adw/internal/adwerrors"
	"adw/internal/stage"
)

// buildStage feeds the plan to the implementor agent and commits whatever it
// produced.
type buildStage struct {
	stage.Hooks
}

func init() {
	stage.Register("build", func() stage.Stage { return &buildStage{} })
}

func (s *buildStage) Name() string           { return "build" }
func (s *buildStage) DisplayName() string    { return "Build" }
func (s *buildStage) Dependencies() []string { return []string{"plan"} }

func (s *buildStage) Preconditions(ctx context.Context, sc *stage.Context) error {
	if sc.WorktreePath == "" {
		return &adwerrors.PreconditionError{Stage: "build", Message: "no worktree"}
	}
	if _, err := os.Stat(sc.WorktreePath); err != nil {
		return &adwerrors.PreconditionError{Stage: "build", Message: "worktree directory missing"}
	}
	if sc.State == nil || sc.State.PlanFile == "" {
		return &adwerrors.PreconditionError{Stage: "build", Message: "no plan file recorded"}
	}
	if _, err := os.Stat(resolvePlanPath(sc)); err != nil {
		return &adwerrors.PreconditionError{Stage: "build", Message: "plan file missing on disk"}
	}
	return nil
}

func (s *buildStage) ShouldSkip(ctx context.Context, sc *stage.Context) (bool, string) {
	return false, ""
}

func (s *buildStage) Execute(ctx context.Context, sc *stage.Context) stage.Result {
	planPath := resolvePlanPath(sc)
	plan, err := os.ReadFile(planPath)
	if err != nil {
		return stage.Failed("failed to read plan", err)
	}

	prompt := "Implement the following plan. Make all code changes described; do not commit.\n\n" + string(plan)
	res, err := runAgent(ctx, sc, "sdlc_implementor", prompt)
	if err != nil {
		return stage.Failed("failed to start implementor agent", err)
	}
	if !res.Success {
		return stage.Failed("implementor agent failed", res.Err)
	}

	committed, err := sc.Git.CommitAll(ctx, sc.WorktreePath, commitMessage(sc))
	if err != nil {
		return stage.Failed("failed to commit implementation", err)
	}
	if !committed {
		return stage.Failed("implementor made no changes", fmt.Errorf("working tree clean after build"))
	}

	return stage.Completed("implementation committed", map[string]any{
		"plan_file": sc.State.PlanFile,
	})
}

// resolvePlanPath treats plan_file as worktree-relative, tolerating the
// legacy absolute-ish agents/ layout.
func resolvePlanPath(sc *stage.Context) string {
	if filepath.IsAbs(sc.State.PlanFile) {
		return sc.State.PlanFile
	}
	candidate := filepath.Join(sc.WorktreePath, sc.State.PlanFile)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return sc.State.PlanFile
}

func commitMessage(sc *stage.Context) string {
	if sc.IssueNumber != nil {
		return fmt.Sprintf("%s: %s (#%d)", sc.State.StrippedIssueClass(), sc.State.IssueTitle, *sc.IssueNumber)
	}
	return fmt.Sprintf("%s: %s", sc.State.StrippedIssueClass(), sc.State.IssueTitle)
}
