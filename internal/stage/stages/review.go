package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"adw/internal/adwerrors"
	"adw/internal/runner"
	"adw/internal/stage"
)

// Review modes select which tool runners execute.
const (
	ModeSecurity      = "security"
	ModeCode          = "code"
	ModeUI            = "ui"
	ModeDocs          = "docs"
	ModeComprehensive = "comprehensive"
)

// Finding severities, ordered.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Finding is one issue reported by a review tool runner.
type Finding struct {
	Tool     string `json:"tool"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// toolRunner is one external linter or scanner invocation.
type toolRunner struct {
	name     string
	command  []string
	security bool
}

type toolResult struct {
	runner   toolRunner
	findings []Finding
	err      error
}

// reviewStage orchestrates parallel tool runners and applies the configured
// failure thresholds to their aggregated findings.
type reviewStage struct {
	stage.Hooks
}

func init() {
	stage.Register("review", func() stage.Stage { return &reviewStage{} })
}

func (s *reviewStage) Name() string           { return "review" }
func (s *reviewStage) DisplayName() string    { return "Review" }
func (s *reviewStage) Dependencies() []string { return []string{"build"} }

func (s *reviewStage) Preconditions(ctx context.Context, sc *stage.Context) error {
	if sc.WorktreePath == "" {
		return &adwerrors.PreconditionError{Stage: "review", Message: "no worktree"}
	}
	return nil
}

// ShouldSkip never consults the issue class: every class gets reviewed. The
// only opt-out is an explicit skip_review flag in issue metadata or stage
// config.
func (s *reviewStage) ShouldSkip(ctx context.Context, sc *stage.Context) (bool, string) {
	if sc.ConfigBool("skip_review") {
		return true, "skip_review set in stage config"
	}
	if sc.State != nil && sc.State.IssueJSON != nil {
		if skip, ok := sc.State.IssueJSON["skip_review"].(bool); ok && skip {
			return true, "skip_review set in issue metadata"
		}
	}
	return false, ""
}

func (s *reviewStage) Execute(ctx context.Context, sc *stage.Context) stage.Result {
	mode := sc.ConfigString("mode")
	if mode == "" {
		mode = ModeComprehensive
	}
	runners := runnersForMode(mode)
	if len(runners) == 0 {
		return stage.Failed("unknown review mode", fmt.Errorf("no tool runners for mode %q", mode))
	}

	// Tool runners execute in parallel; an individual failure never cancels
	// its siblings.
	p := pool.NewWithResults[toolResult]()
	for _, tr := range runners {
		p.Go(func() toolResult {
			return s.runTool(ctx, sc, tr)
		})
	}
	results := p.Wait()

	var findings []Finding
	securityCritical := 0
	for _, res := range results {
		if res.err != nil {
			sc.Logger.Warn("review tool failed to run", "tool", res.runner.name, "error", res.err)
			continue
		}
		for _, f := range res.findings {
			findings = append(findings, f)
			if res.runner.security && f.Severity == SeverityCritical {
				securityCritical++
			}
		}
	}

	counts := map[string]int{}
	for _, f := range findings {
		counts[f.Severity]++
	}

	artifacts := map[string]any{
		"mode":     mode,
		"findings": findings,
		"counts":   counts,
	}

	if sc.ConfigBool("fail_on_security_critical") && securityCritical > 0 {
		return failedReview(artifacts, fmt.Sprintf("%d critical security findings", securityCritical))
	}
	if sc.ConfigBool("fail_on_critical") && counts[SeverityCritical] > 0 {
		return failedReview(artifacts, fmt.Sprintf("%d critical findings", counts[SeverityCritical]))
	}
	if sc.ConfigBool("fail_on_high") && counts[SeverityCritical]+counts[SeverityHigh] > 0 {
		return failedReview(artifacts, fmt.Sprintf("%d high-or-worse findings", counts[SeverityCritical]+counts[SeverityHigh]))
	}
	if max := sc.ConfigInt("max_issues_before_fail", 0); max > 0 && len(findings) > max {
		return failedReview(artifacts, fmt.Sprintf("%d findings exceed limit of %d", len(findings), max))
	}

	msg := fmt.Sprintf("review passed: %d findings", len(findings))
	result := stage.Completed(msg, artifacts)
	return result
}

func failedReview(artifacts map[string]any, reason string) stage.Result {
	result := stage.Failed("review thresholds exceeded: "+reason, fmt.Errorf("%s", reason))
	result.Artifacts = artifacts
	return result
}

func (s *reviewStage) runTool(ctx context.Context, sc *stage.Context, tr toolRunner) toolResult {
	res := sc.Runner.Run(ctx, runner.Request{
		Command: tr.command,
		Dir:     sc.WorktreePath,
		Timeout: sc.AgentTimeout,
	})
	// A non-zero exit is the normal signal that the tool found issues; only
	// a start failure or timeout counts as a tool error.
	if res.ExitCode == -1 {
		return toolResult{runner: tr, err: res.Err}
	}
	return toolResult{runner: tr, findings: parseFindings(tr, res)}
}

func runnersForMode(mode string) []toolRunner {
	security := []toolRunner{
		{name: "gosec", command: []string{"gosec", "-quiet", "./..."}, security: true},
		{name: "gitleaks", command: []string{"gitleaks", "detect", "--no-banner", "--exit-code", "1"}, security: true},
	}
	code := []toolRunner{
		{name: "go-vet", command: []string{"go", "vet", "./..."}},
		{name: "staticcheck", command: []string{"staticcheck", "./..."}},
	}
	ui := []toolRunner{
		{name: "eslint", command: []string{"npx", "eslint", "."}},
	}
	docs := []toolRunner{
		{name: "markdownlint", command: []string{"npx", "markdownlint-cli2", "**/*.md"}},
	}

	switch mode {
	case ModeSecurity:
		return security
	case ModeCode:
		return code
	case ModeUI:
		return ui
	case ModeDocs:
		return docs
	case ModeComprehensive:
		var all []toolRunner
		all = append(all, security...)
		all = append(all, code...)
		return all
	}
	return nil
}

// parseFindings converts tool output lines into findings with a severity
// heuristic: explicit severity words win, otherwise medium.
func parseFindings(tr toolRunner, res runner.Result) []Finding {
	if res.Success {
		return nil
	}
	var findings []Finding
	for _, line := range strings.Split(res.Output, "\n") {
		trimmed := strings.TrimSpace(strings.TrimPrefix(line, "[stderr]"))
		if trimmed == "" {
			continue
		}
		severity := SeverityMedium
		lower := strings.ToLower(trimmed)
		switch {
		case strings.Contains(lower, "critical"):
			severity = SeverityCritical
		case strings.Contains(lower, "high"):
			severity = SeverityHigh
		case strings.Contains(lower, "low"), strings.Contains(lower, "info"):
			severity = SeverityLow
		}
		findings = append(findings, Finding{
			Tool:     tr.name,
			Severity: severity,
			Message:  trimmed,
		})
	}
	if len(findings) == 0 {
		findings = append(findings, Finding{
			Tool:     tr.name,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("%s exited %d with no parseable output", tr.name, res.ExitCode),
		})
	}
	return findings
}
