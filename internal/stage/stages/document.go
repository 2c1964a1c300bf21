package stages

import (
	"context"
	"fmt"

	"adw/internal/adwerrors"
	"adw/internal/stage"
)

// documentStage asks the agent to document the branch's changes and commits
// the result.
type documentStage struct {
	stage.Hooks
}

func init() {
	stage.Register("document", func() stage.Stage { return &documentStage{} })
}

func (s *documentStage) Name() string           { return "document" }
func (s *documentStage) DisplayName() string    { return "Document" }
func (s *documentStage) Dependencies() []string { return []string{"build"} }

func (s *documentStage) Preconditions(ctx context.Context, sc *stage.Context) error {
	if sc.WorktreePath == "" {
		return &adwerrors.PreconditionError{Stage: "document", Message: "no worktree"}
	}
	return nil
}

// ShouldSkip opts out when the branch has no changes to document.
func (s *documentStage) ShouldSkip(ctx context.Context, sc *stage.Context) (bool, string) {
	empty, err := sc.Git.DiffEmpty(ctx, sc.WorktreePath)
	if err != nil {
		return false, ""
	}
	if empty {
		return true, "git diff is empty, nothing to document"
	}
	return false, ""
}

func (s *documentStage) Execute(ctx context.Context, sc *stage.Context) stage.Result {
	prompt := "Review the changes on this branch (git diff main...HEAD) and update the " +
		"project documentation accordingly: README sections, docs/ pages, and inline " +
		"doc comments where the public surface changed. Do not commit."

	res, err := runAgent(ctx, sc, "sdlc_documenter", prompt)
	if err != nil {
		return stage.Failed("failed to start documenter agent", err)
	}
	if !res.Success {
		return stage.Failed("documenter agent failed", res.Err)
	}

	committed, err := sc.Git.CommitAll(ctx, sc.WorktreePath, documentCommitMessage(sc))
	if err != nil {
		return stage.Failed("failed to commit documentation", err)
	}
	if !committed {
		return stage.Completed("documentation already up to date", nil)
	}
	return stage.Completed("documentation committed", nil)
}

func documentCommitMessage(sc *stage.Context) string {
	if sc.IssueNumber != nil {
		return fmt.Sprintf("docs: document changes for #%d", *sc.IssueNumber)
	}
	return "docs: document branch changes"
}
