package stages

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"adw/internal/adwerrors"
	"adw/internal/runner"
	"adw/internal/stage"
)

const defaultResolutionAttempts = 2

// testStage runs the repository's test suite and, on failure, drives a
// bounded agent resolution loop that reruns the suite after each fix pass.
type testStage struct {
	stage.Hooks
}

func init() {
	stage.Register("test", func() stage.Stage { return &testStage{} })
}

func (s *testStage) Name() string           { return "test" }
func (s *testStage) DisplayName() string    { return "Test" }
func (s *testStage) Dependencies() []string { return []string{"build"} }

func (s *testStage) Preconditions(ctx context.Context, sc *stage.Context) error {
	if sc.WorktreePath == "" {
		return &adwerrors.PreconditionError{Stage: "test", Message: "no worktree"}
	}
	return nil
}

// ShouldSkip opts out when the worktree has no test files under the
// conventional locations.
func (s *testStage) ShouldSkip(ctx context.Context, sc *stage.Context) (bool, string) {
	if hasTestFiles(sc.WorktreePath) {
		return false, ""
	}
	return true, "no test files found in worktree"
}

func (s *testStage) Execute(ctx context.Context, sc *stage.Context) stage.Result {
	command := testCommand(sc)
	if len(command) == 0 {
		return stage.Failed("no test command", fmt.Errorf("could not determine test command for worktree"))
	}

	res := s.runTests(ctx, sc, command)
	if res.Success {
		return stage.Completed("tests passed", map[string]any{"attempts": 1})
	}

	maxAttempts := sc.ConfigInt("max_resolution_attempts", defaultResolutionAttempts)
	failedCount := countFailures(res.Output)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sc.Logger.Info("test resolution attempt",
			"attempt", attempt, "max", maxAttempts, "failed", failedCount)

		prompt := "The test suite is failing. Fix the failures below without weakening the tests.\n\n" +
			tailString(res.Output, 8000)
		if _, err := runAgent(ctx, sc, "test_resolver", prompt); err != nil {
			return stage.Failed("failed to start test resolver agent", err)
		}

		res = s.runTests(ctx, sc, command)
		if res.Success {
			if _, err := sc.Git.CommitAll(ctx, sc.WorktreePath, "test: fix failing tests"); err != nil {
				sc.Logger.Warn("failed to commit test fixes", "error", err)
			}
			return stage.Completed("tests passed after resolution", map[string]any{
				"attempts": attempt + 1,
			})
		}

		remaining := countFailures(res.Output)
		if remaining >= failedCount {
			// No tests were resolved this attempt; further passes will not
			// converge.
			break
		}
		failedCount = remaining
	}

	return stage.Failed("tests still failing after resolution attempts",
		&adwerrors.ProcessFailedError{
			Command:    strings.Join(command, " "),
			ExitCode:   res.ExitCode,
			OutputTail: tailString(res.Output, 2000),
		})
}

func (s *testStage) runTests(ctx context.Context, sc *stage.Context, command []string) runner.Result {
	return sc.Runner.Run(ctx, runner.Request{
		Command: command,
		Dir:     sc.WorktreePath,
		Timeout: sc.AgentTimeout,
	})
}

// testCommand prefers an explicit stage config, then infers from the build
// files present in the worktree.
func testCommand(sc *stage.Context) []string {
	if raw := sc.ConfigString("test_command"); raw != "" {
		return strings.Fields(raw)
	}
	root := sc.WorktreePath
	switch {
	case fileExists(filepath.Join(root, "go.mod")):
		return []string{"go", "test", "./..."}
	case fileExists(filepath.Join(root, "package.json")):
		return []string{"npm", "test", "--silent"}
	case fileExists(filepath.Join(root, "pyproject.toml")), fileExists(filepath.Join(root, "pytest.ini")):
		return []string{"pytest", "-q"}
	}
	return nil
}

var testFilePatterns = []string{"_test.go", ".test.ts", ".test.js", ".spec.ts", ".spec.js"}

var testDirNames = map[string]struct{}{
	"tests": {}, "test": {}, "__tests__": {}, "spec": {},
}

func hasTestFiles(root string) bool {
	found := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found {
			return filepath.SkipAll
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			if _, ok := testDirNames[name]; ok {
				found = true
				return filepath.SkipAll
			}
			return nil
		}
		for _, suffix := range testFilePatterns {
			if strings.HasSuffix(name, suffix) {
				found = true
				return filepath.SkipAll
			}
		}
		if strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// countFailures estimates how many tests failed from runner output. Used
// only to decide whether a resolution attempt made progress.
func countFailures(output string) int {
	count := 0
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--- FAIL") ||
			strings.HasPrefix(trimmed, "FAILED ") ||
			strings.Contains(trimmed, " FAILED") {
			count++
		}
	}
	if count == 0 && output != "" {
		// The suite failed without per-test markers; treat it as one failure.
		count = 1
	}
	return count
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
