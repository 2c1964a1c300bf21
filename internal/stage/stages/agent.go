// Package stages holds the built-in stage implementations: plan, build,
// test, review, document, and merge. Each registers itself with the stage
// registry at init.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"adw/internal/runner"
	"adw/internal/stage"
)

// runAgent spawns the Claude Code CLI for one sub-agent, streaming its
// stdout JSONL into agents/<adw_id>/<agentName>/raw_output.jsonl where the
// log monitor picks it up.
func runAgent(ctx context.Context, sc *stage.Context, agentName, prompt string) (runner.Result, error) {
	logDir := filepath.Join(sc.AgentsDir, sc.ADWID, agentName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return runner.Result{}, fmt.Errorf("failed to create agent log dir: %w", err)
	}

	logPath := filepath.Join(logDir, "raw_output.jsonl")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return runner.Result{}, fmt.Errorf("failed to open agent log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	command := []string{sc.AgentBinary, "-p", prompt, "--output-format", "stream-json", "--verbose"}
	if sc.StageModel != "" {
		command = append(command, "--model", sc.StageModel)
	}

	res := sc.Runner.Run(ctx, runner.Request{
		Command: command,
		Dir:     sc.WorktreePath,
		Timeout: sc.AgentTimeout,
		OnLine: func(line runner.Line) {
			if line.Stderr {
				return
			}
			_, _ = logFile.WriteString(line.Text + "\n")
		},
	})
	return res, nil
}

var planPathPattern = regexp.MustCompile(`[\w./-]+\.md`)

// findPlanFile scans agent output for a markdown path that resolves inside
// the worktree. Falls back to the conventional planner output location.
func findPlanFile(output, worktreePath, agentsDir, adwID string) string {
	for _, candidate := range planPathPattern.FindAllString(output, -1) {
		rel := strings.TrimPrefix(candidate, "./")
		if _, err := os.Stat(filepath.Join(worktreePath, rel)); err == nil {
			return rel
		}
	}

	fallback := filepath.Join(agentsDir, adwID, "sdlc_planner", "plan.md")
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}
