package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adw/internal/runner"
	"adw/internal/stage"
	"adw/internal/state"
)

func TestRegistryContainsAllStages(t *testing.T) {
	t.Parallel()
	names := stage.ListStages()
	for _, want := range []string{"plan", "build", "test", "review", "document", "merge"} {
		assert.Contains(t, names, want)
	}
	assert.Nil(t, stage.Create("deploy"), "unknown stages yield nil")
}

func TestStageDependencies(t *testing.T) {
	t.Parallel()
	cases := map[string][]string{
		"plan":     nil,
		"build":    {"plan"},
		"test":     {"build"},
		"review":   {"build"},
		"document": {"build"},
		"merge":    {"build"},
	}
	for name, want := range cases {
		s := stage.Create(name)
		require.NotNil(t, s, name)
		assert.Equal(t, want, s.Dependencies(), name)
	}
}

func TestReviewShouldSkipMatrix(t *testing.T) {
	t.Parallel()
	review := stage.Create("review")
	ctx := context.Background()

	// No class ever auto-skips review.
	for _, class := range []string{"/feature", "/bug", "/chore", "/patch"} {
		sc := &stage.Context{State: &state.ADWState{IssueClass: class, IssueJSON: map[string]any{}}}
		skip, _ := review.ShouldSkip(ctx, sc)
		assert.False(t, skip, class)
	}

	// skip_review in stage config.
	sc := &stage.Context{
		State:  &state.ADWState{IssueClass: "/feature"},
		Config: map[string]any{"skip_review": true},
	}
	skip, reason := review.ShouldSkip(ctx, sc)
	assert.True(t, skip)
	assert.Contains(t, reason, "skip_review")

	// skip_review in issue metadata.
	sc = &stage.Context{
		State: &state.ADWState{IssueJSON: map[string]any{"skip_review": true}},
	}
	skip, _ = review.ShouldSkip(ctx, sc)
	assert.True(t, skip)

	// An explicit false does not skip.
	sc = &stage.Context{
		State:  &state.ADWState{IssueJSON: map[string]any{"skip_review": false}},
		Config: map[string]any{"skip_review": false},
	}
	skip, _ = review.ShouldSkip(ctx, sc)
	assert.False(t, skip)
}

func TestRunnersForMode(t *testing.T) {
	t.Parallel()
	assert.Len(t, runnersForMode(ModeSecurity), 2)
	assert.Len(t, runnersForMode(ModeCode), 2)
	assert.Len(t, runnersForMode(ModeUI), 1)
	assert.Len(t, runnersForMode(ModeDocs), 1)
	assert.Len(t, runnersForMode(ModeComprehensive), 4, "comprehensive = security + code")
	assert.Empty(t, runnersForMode("bogus"))
}

func TestParseFindingsSeverity(t *testing.T) {
	t.Parallel()
	tr := toolRunner{name: "gosec", security: true}
	res := runner.Result{
		Success: false,
		Output: "G101: CRITICAL hardcoded credential\n" +
			"G304: HIGH file inclusion\n" +
			"note: low priority cleanup\n" +
			"something unlabeled\n",
	}
	findings := parseFindings(tr, res)
	require.Len(t, findings, 4)
	assert.Equal(t, SeverityCritical, findings[0].Severity)
	assert.Equal(t, SeverityHigh, findings[1].Severity)
	assert.Equal(t, SeverityLow, findings[2].Severity)
	assert.Equal(t, SeverityMedium, findings[3].Severity)
}

func TestParseFindingsSuccessMeansNone(t *testing.T) {
	t.Parallel()
	findings := parseFindings(toolRunner{name: "go-vet"}, runner.Result{Success: true, Output: "ok"})
	assert.Empty(t, findings)
}

func TestTestStageSkipsWithoutTestFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))

	ts := stage.Create("test")
	skip, reason := ts.ShouldSkip(context.Background(), &stage.Context{WorktreePath: dir})
	assert.True(t, skip)
	assert.Contains(t, reason, "test")
}

func TestTestStageRunsWithTestFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main_test.go"), []byte("package main"), 0o644))

	ts := stage.Create("test")
	skip, _ := ts.ShouldSkip(context.Background(), &stage.Context{WorktreePath: dir})
	assert.False(t, skip)
}

func TestHasTestFilesDetectsDirsAndPatterns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0o755))
	assert.True(t, hasTestFiles(dir), "tests/ directory")

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.spec.ts"), nil, 0o644))
	assert.True(t, hasTestFiles(dir), ".spec.ts file")

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_util.py"), nil, 0o644))
	assert.True(t, hasTestFiles(dir), "pytest naming")

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), nil, 0o644))
	assert.False(t, hasTestFiles(dir))
}

func TestTestCommandInference(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))
	sc := &stage.Context{WorktreePath: dir}
	assert.Equal(t, []string{"go", "test", "./..."}, testCommand(sc))

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))
	sc = &stage.Context{WorktreePath: dir}
	assert.Equal(t, []string{"npm", "test", "--silent"}, testCommand(sc))

	sc = &stage.Context{
		WorktreePath: t.TempDir(),
		Config:       map[string]any{"test_command": "make check"},
	}
	assert.Equal(t, []string{"make", "check"}, testCommand(sc), "explicit config wins")

	sc = &stage.Context{WorktreePath: t.TempDir()}
	assert.Nil(t, testCommand(sc), "nothing to infer")
}

func TestCountFailures(t *testing.T) {
	t.Parallel()
	output := `--- FAIL: TestOne (0.00s)
--- FAIL: TestTwo (0.01s)
ok   pkg/a 0.1s
FAILED tests/test_api.py::test_create`
	assert.Equal(t, 3, countFailures(output))

	assert.Equal(t, 1, countFailures("exit status 2"), "failures without markers count once")
	assert.Equal(t, 0, countFailures(""))
}

func TestFindPlanFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "specs"), 0o755))
	planPath := filepath.Join(dir, "specs", "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("# Plan"), 0o644))

	got := findPlanFile("Plan written to specs/plan.md for review.", dir, "agents", "a1b2c3d4")
	assert.Equal(t, "specs/plan.md", got)
}

func TestFindPlanFileFallback(t *testing.T) {
	t.Parallel()
	agentsDir := t.TempDir()
	fallback := filepath.Join(agentsDir, "a1b2c3d4", "sdlc_planner", "plan.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(fallback), 0o755))
	require.NoError(t, os.WriteFile(fallback, []byte("# Plan"), 0o644))

	got := findPlanFile("no path mentioned", t.TempDir(), agentsDir, "a1b2c3d4")
	assert.Equal(t, fallback, got)
}
