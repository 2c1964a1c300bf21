package stages

import (
	"context"
	"fmt"
	"strings"

	"adw/internal/adwerrors"
	"adw/internal/stage"
)

// planStage runs the planner agent against the issue and records the plan
// file it produces. It also provisions the branch and worktree the rest of
// the workflow runs in.
type planStage struct {
	stage.Hooks
}

func init() {
	stage.Register("plan", func() stage.Stage { return &planStage{} })
}

func (s *planStage) Name() string         { return "plan" }
func (s *planStage) DisplayName() string  { return "Plan" }
func (s *planStage) Dependencies() []string { return nil }

func (s *planStage) Preconditions(ctx context.Context, sc *stage.Context) error {
	if sc.State == nil {
		return &adwerrors.PreconditionError{Stage: "plan", Message: "no workflow state"}
	}
	if sc.IssueNumber == nil && sc.State.IssueBody == "" {
		return &adwerrors.PreconditionError{Stage: "plan", Message: "no issue bound to workflow"}
	}
	return nil
}

// Plan never auto-skips.
func (s *planStage) ShouldSkip(ctx context.Context, sc *stage.Context) (bool, string) {
	return false, ""
}

func (s *planStage) Execute(ctx context.Context, sc *stage.Context) stage.Result {
	st := sc.State

	// Provision the isolated checkout first so the planner sees the code.
	if st.BranchName == "" {
		st.BranchName = branchName(st.StrippedIssueClass(), sc.IssueNumber, sc.ADWID)
	}
	if st.WorktreePath == "" {
		path, err := sc.Worktrees.Create(ctx, sc.ADWID, st.BranchName)
		if err != nil {
			return stage.Failed("failed to create worktree", err)
		}
		st.WorktreePath = path
		sc.WorktreePath = path
		if err := sc.Store.Save(ctx, st); err != nil {
			return stage.Failed("failed to persist worktree path", err)
		}
	}

	prompt := buildPlanPrompt(st.IssueTitle, st.IssueBody, st.IssueClass)
	res, err := runAgent(ctx, sc, "sdlc_planner", prompt)
	if err != nil {
		return stage.Failed("failed to start planner agent", err)
	}
	if !res.Success {
		return stage.Failed("planner agent failed", res.Err)
	}

	planFile := findPlanFile(res.Output, sc.WorktreePath, sc.AgentsDir, sc.ADWID)
	if planFile == "" {
		return stage.Failed("planner produced no plan file", fmt.Errorf("no markdown plan found in agent output"))
	}

	st.PlanFile = planFile
	if err := sc.Store.Save(ctx, st); err != nil {
		return stage.Failed("failed to persist plan file", err)
	}

	return stage.Completed(fmt.Sprintf("plan written to %s", planFile), map[string]any{
		"plan_file": planFile,
		"branch":    st.BranchName,
	})
}

func branchName(issueClass string, issueNumber *int, adwID string) string {
	class := issueClass
	if class == "" {
		class = "feature"
	}
	if issueNumber != nil {
		return fmt.Sprintf("%s-issue-%d-adw-%s", class, *issueNumber, strings.ToLower(adwID))
	}
	return fmt.Sprintf("%s-adw-%s", class, strings.ToLower(adwID))
}

func buildPlanPrompt(title, body, class string) string {
	var b strings.Builder
	b.WriteString("Create an implementation plan for the following ")
	b.WriteString(strings.TrimPrefix(class, "/"))
	b.WriteString(" and write it to a markdown file.\n\n")
	if title != "" {
		b.WriteString("# " + title + "\n\n")
	}
	b.WriteString(body)
	return b.String()
}
