package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adw/internal/config"
	"adw/internal/events"
	"adw/internal/stage"
	"adw/internal/state"
)

// stubStage is a scriptable stage used to exercise the engine loop without
// git, worktrees, or subprocesses.
type stubStage struct {
	stage.Hooks
	name       string
	preErr     error
	skip       bool
	skipReason string
	execute    func(sc *stage.Context) stage.Result
}

func (s *stubStage) Name() string           { return s.name }
func (s *stubStage) DisplayName() string    { return s.name }
func (s *stubStage) Dependencies() []string { return nil }

func (s *stubStage) Preconditions(ctx context.Context, sc *stage.Context) error {
	return s.preErr
}

func (s *stubStage) ShouldSkip(ctx context.Context, sc *stage.Context) (bool, string) {
	return s.skip, s.skipReason
}

func (s *stubStage) Execute(ctx context.Context, sc *stage.Context) stage.Result {
	if s.execute != nil {
		return s.execute(sc)
	}
	return stage.Completed(s.name+" done", nil)
}

func register(t *testing.T, s *stubStage) {
	t.Helper()
	stage.Register(s.name, func() stage.Stage { return s })
}

type recorded struct {
	types  []string
	events []events.Event
}

func newEngine(t *testing.T) (*Engine, *state.Store, *recorded) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &recorded{}
	notifier := events.NewNotifier(nil)
	notifier.OnAll(func(evt events.Event) {
		rec.types = append(rec.types, evt.Type)
		rec.events = append(rec.events, evt)
	})

	engine := New(Deps{
		Store:     store,
		Notifier:  notifier,
		AppConfig: config.DefaultAppConfig(),
		Metrics:   MustNewMetrics(prometheus.NewRegistry()),
	})
	return engine, store, rec
}

func TestRunHappyPathTwoStages(t *testing.T) {
	register(t, &stubStage{name: "hp_alpha"})
	register(t, &stubStage{name: "hp_beta"})

	engine, store, rec := newEngine(t)
	wf, err := config.FromStages([]string{"hp_alpha", "hp_beta"})
	require.NoError(t, err)

	require.NoError(t, engine.Run(context.Background(), "a1b2c3d4", nil, wf, nil))

	assert.Equal(t, []string{
		"workflow_started",
		"stage_started", "stage_completed",
		"stage_started", "stage_completed",
		"workflow_completed",
	}, rec.types)

	st, err := store.Load(context.Background(), "a1b2c3d4")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "ready-to-merge", st.CurrentStage)
	assert.True(t, st.Completed)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, []string{"dynamic_hp_alpha_hp_beta"}, st.AllADWs)
	require.NotNil(t, st.OrchestratorState)
	assert.Equal(t, state.WorkflowCompleted, st.OrchestratorState.Status)
}

func TestRunEventProgressionFields(t *testing.T) {
	register(t, &stubStage{name: "pf_one"})
	register(t, &stubStage{name: "pf_two"})

	engine, _, rec := newEngine(t)
	wf, err := config.FromStages([]string{"pf_one", "pf_two"})
	require.NoError(t, err)
	require.NoError(t, engine.Run(context.Background(), "b2c3d4e5", nil, wf, nil))

	// stage_started for the second stage: previous is the completed first
	// stage, next is empty, completed list holds the first stage.
	var secondStart events.Event
	for _, evt := range rec.events {
		if evt.Type == "stage_started" && evt.StageName == "pf_two" {
			secondStart = evt
		}
	}
	require.NotEmpty(t, secondStart.Type)
	assert.Equal(t, "pf_one", secondStart.PreviousStage)
	assert.Empty(t, secondStart.NextStage)
	assert.Equal(t, []string{"pf_one"}, secondStart.CompletedStages)
	assert.Equal(t, 2, secondStart.TotalStages)
}

func TestRunStageFailureStopsWorkflow(t *testing.T) {
	register(t, &stubStage{name: "fail_ok"})
	register(t, &stubStage{name: "fail_bad", execute: func(sc *stage.Context) stage.Result {
		return stage.Failed("exploded", errors.New("exploded"))
	}})
	register(t, &stubStage{name: "fail_never"})

	engine, store, rec := newEngine(t)
	wf, err := config.FromStages([]string{"fail_ok", "fail_bad", "fail_never"})
	require.NoError(t, err)

	err = engine.Run(context.Background(), "c3d4e5f6", nil, wf, nil)
	require.Error(t, err)

	assert.Contains(t, rec.types, "stage_failed")
	assert.Contains(t, rec.types, "workflow_failed")
	assert.NotContains(t, rec.types, "workflow_completed")

	st, loadErr := store.Load(context.Background(), "c3d4e5f6")
	require.NoError(t, loadErr)
	assert.Equal(t, "errored", st.CurrentStage)
	require.NotNil(t, st.OrchestratorState)
	assert.Equal(t, state.WorkflowFailed, st.OrchestratorState.Status)
	assert.Equal(t, state.StagePending, st.OrchestratorState.Stages[2].Status, "later stages never ran")

	// Failures also land in the activity log, exactly once each.
	entries, err := store.ListActivity(context.Background(), "c3d4e5f6")
	require.NoError(t, err)
	var stageFailures, workflowFailures int
	for _, e := range entries {
		switch e.EventType {
		case "stage_failed":
			stageFailures++
		case "workflow_failed":
			workflowFailures++
		}
	}
	assert.Equal(t, 1, stageFailures)
	assert.Equal(t, 1, workflowFailures, "one failure produces one activity row")
}

func TestRunResumeAfterFailure(t *testing.T) {
	firstRuns := 0
	register(t, &stubStage{name: "rs_first", execute: func(sc *stage.Context) stage.Result {
		firstRuns++
		return stage.Completed("done", nil)
	}})

	flakyRuns := 0
	register(t, &stubStage{name: "rs_flaky", execute: func(sc *stage.Context) stage.Result {
		flakyRuns++
		if flakyRuns == 1 {
			return stage.Failed("transient", errors.New("transient"))
		}
		return stage.Completed("recovered", nil)
	}})

	engine, store, _ := newEngine(t)
	wf, err := config.FromStages([]string{"rs_first", "rs_flaky"})
	require.NoError(t, err)

	require.Error(t, engine.Run(context.Background(), "d4e5f6a7", nil, wf, nil))
	require.NoError(t, engine.Run(context.Background(), "d4e5f6a7", nil, wf, nil))

	assert.Equal(t, 1, firstRuns, "completed stages do not re-run on resume")
	assert.Equal(t, 2, flakyRuns, "failed stages re-run on resume")

	st, err := store.Load(context.Background(), "d4e5f6a7")
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.Equal(t, "ready-to-merge", st.CurrentStage)
}

func TestRunContinueOnFailure(t *testing.T) {
	register(t, &stubStage{name: "cf_bad", execute: func(sc *stage.Context) stage.Result {
		return stage.Failed("nope", errors.New("nope"))
	}})
	afterRan := false
	register(t, &stubStage{name: "cf_after", execute: func(sc *stage.Context) stage.Result {
		afterRan = true
		return stage.Completed("done", nil)
	}})

	engine, store, rec := newEngine(t)
	wf, err := config.FromStages([]string{"cf_bad", "cf_after"})
	require.NoError(t, err)

	err = engine.Run(context.Background(), "e5f6a7b8", nil, wf, &config.OrchestratorConfig{ContinueOnFailure: true})
	require.NoError(t, err, "failure policy continues past the failed stage")
	assert.True(t, afterRan)
	assert.Contains(t, rec.types, "workflow_completed")

	st, loadErr := store.Load(context.Background(), "e5f6a7b8")
	require.NoError(t, loadErr)
	assert.True(t, st.Completed)
}

func TestRunSkippedStage(t *testing.T) {
	register(t, &stubStage{name: "sk_run"})
	register(t, &stubStage{name: "sk_skip", skip: true, skipReason: "no test files found"})

	engine, store, rec := newEngine(t)
	wf, err := config.FromStages([]string{"sk_run", "sk_skip"})
	require.NoError(t, err)
	require.NoError(t, engine.Run(context.Background(), "f6a7b8c9", nil, wf, nil))

	assert.Contains(t, rec.types, "stage_skipped")
	assert.Contains(t, rec.types, "workflow_completed")

	var skipped events.Event
	for _, evt := range rec.events {
		if evt.Type == "stage_skipped" {
			skipped = evt
		}
	}
	assert.Equal(t, "no test files found", skipped.SkipReason)

	st, err := store.Load(context.Background(), "f6a7b8c9")
	require.NoError(t, err)
	assert.Equal(t, state.StageSkipped, st.OrchestratorState.Stages[1].Status)
}

func TestRunDisabledStageNeverRuns(t *testing.T) {
	ran := false
	register(t, &stubStage{name: "dis_off", execute: func(sc *stage.Context) stage.Result {
		ran = true
		return stage.Completed("done", nil)
	}})
	register(t, &stubStage{name: "dis_on"})

	engine, _, _ := newEngine(t)
	off := false
	wf := &config.WorkflowConfig{
		Name: "disabled_test",
		Stages: []config.StageSpec{
			{Name: "dis_off", Enabled: &off},
			{Name: "dis_on"},
		},
	}
	require.NoError(t, engine.Run(context.Background(), "a7b8c9d0", nil, wf, nil))
	assert.False(t, ran)
}

func TestRunUnknownStageIgnored(t *testing.T) {
	register(t, &stubStage{name: "uk_known"})

	engine, store, rec := newEngine(t)
	wf := &config.WorkflowConfig{
		Name: "unknown_test",
		Stages: []config.StageSpec{
			{Name: "uk_mystery"},
			{Name: "uk_known"},
		},
	}
	require.NoError(t, engine.Run(context.Background(), "b8c9d0e1", nil, wf, nil))
	assert.Contains(t, rec.types, "workflow_completed")

	// The skip is visible in the event stream, not just the log.
	var skipped events.Event
	for _, evt := range rec.events {
		if evt.Type == "stage_skipped" {
			skipped = evt
		}
	}
	assert.Equal(t, "uk_mystery", skipped.StageName)
	assert.Equal(t, "unknown stage", skipped.SkipReason)

	st, err := store.Load(context.Background(), "b8c9d0e1")
	require.NoError(t, err)
	assert.Equal(t, state.StageSkipped, st.OrchestratorState.Stages[0].Status)
}

func TestRunPreconditionFailure(t *testing.T) {
	register(t, &stubStage{name: "pc_bad", preErr: errors.New("no worktree")})

	engine, _, rec := newEngine(t)
	wf, err := config.FromStages([]string{"pc_bad"})
	require.NoError(t, err)

	err = engine.Run(context.Background(), "c9d0e1f2", nil, wf, nil)
	require.Error(t, err)
	assert.Contains(t, rec.types, "stage_failed")
	assert.NotContains(t, rec.types, "stage_started", "preconditions abort before execute")
}

func TestRunPanickingStageBecomesFailure(t *testing.T) {
	register(t, &stubStage{name: "pn_boom", execute: func(sc *stage.Context) stage.Result {
		panic("boom")
	}})

	engine, store, _ := newEngine(t)
	wf, err := config.FromStages([]string{"pn_boom"})
	require.NoError(t, err)

	err = engine.Run(context.Background(), "d0e1f2a3", nil, wf, nil)
	require.Error(t, err)

	st, loadErr := store.Load(context.Background(), "d0e1f2a3")
	require.NoError(t, loadErr)
	assert.Equal(t, state.WorkflowFailed, st.OrchestratorState.Status)
	assert.Contains(t, st.OrchestratorState.Stages[0].Error, "panic")
}

func TestRunRejectsInvalidADWID(t *testing.T) {
	engine, _, _ := newEngine(t)
	wf, err := config.FromStages([]string{"whatever"})
	require.NoError(t, err)

	assert.Error(t, engine.Run(context.Background(), "bad id", nil, wf, nil))
}

func TestModelOverridePriority(t *testing.T) {
	var seenModel string
	register(t, &stubStage{name: "md_pick", execute: func(sc *stage.Context) stage.Result {
		seenModel = sc.StageModel
		return stage.Completed("done", nil)
	}})

	engine, store, _ := newEngine(t)

	// Default model only.
	wf, err := config.FromStages([]string{"md_pick"})
	require.NoError(t, err)
	require.NoError(t, engine.Run(context.Background(), "e1f2a3b4", nil, wf, &config.OrchestratorConfig{DefaultModel: "haiku"}))
	assert.Equal(t, "haiku", seenModel)

	// Per-ADW state override beats the default.
	require.NoError(t, engine.Run(context.Background(), "f2a3b4c5", nil, wf, &config.OrchestratorConfig{
		DefaultModel: "haiku",
		ModelSet:     "sonnet",
	}))
	assert.Equal(t, "sonnet", seenModel)

	// Stage spec model beats everything.
	wf.Stages[0].Model = "opus"
	require.NoError(t, engine.Run(context.Background(), "a3b4c5d6", nil, wf, &config.OrchestratorConfig{
		DefaultModel: "haiku",
		ModelSet:     "sonnet",
	}))
	assert.Equal(t, "opus", seenModel)

	_ = store
}
