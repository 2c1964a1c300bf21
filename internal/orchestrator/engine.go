// Package orchestrator contains the stage-sequencing engine: it loads or
// resumes a workflow execution, walks its stages through preconditions, skip
// checks, and execute, persists state on every transition, and emits
// lifecycle events.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"adw/internal/adwerrors"
	"adw/internal/config"
	"adw/internal/events"
	"adw/internal/gitops"
	"adw/internal/observability"
	"adw/internal/runner"
	"adw/internal/stage"
	"adw/internal/state"
	"adw/internal/worktree"
)

// Engine runs one workflow at a time; parallel workflows run independent
// Engine instances that share nothing but the state store.
type Engine struct {
	store     *state.Store
	notifier  *events.Notifier
	worktrees *worktree.Manager
	git       *gitops.Git
	github    *gitops.GitHub
	runner    *runner.Runner
	appCfg    config.AppConfig
	logger    *observability.Logger
	metrics   *Metrics
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store     *state.Store
	Notifier  *events.Notifier
	Worktrees *worktree.Manager
	Git       *gitops.Git
	GitHub    *gitops.GitHub
	Runner    *runner.Runner
	AppConfig config.AppConfig
	Logger    *observability.Logger
	Metrics   *Metrics
}

// New creates an Engine.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewComponentLogger("Orchestrator")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Engine{
		store:     deps.Store,
		notifier:  deps.Notifier,
		worktrees: deps.Worktrees,
		git:       deps.Git,
		github:    deps.GitHub,
		runner:    deps.Runner,
		appCfg:    deps.AppConfig,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run executes (or resumes) the workflow for adwID. Returns the first fatal
// error; a completed run returns nil even when individual stages were
// skipped.
func (e *Engine) Run(ctx context.Context, adwID string, issueNumber *int, wf *config.WorkflowConfig, orchCfg *config.OrchestratorConfig) (err error) {
	if !state.IsValidADWID(adwID) {
		return &adwerrors.ValidationError{Field: "adw_id", Message: "must be 8 alphanumeric characters"}
	}
	if orchCfg == nil {
		orchCfg = &config.OrchestratorConfig{}
	}

	ctx = observability.ContextWithADWID(ctx, adwID)
	ctx, endSpan := observability.StartWorkflowSpan(ctx, adwID, wf.Name)
	defer func() { endSpan(err) }()

	e.metrics.WorkflowStarted()
	defer e.metrics.WorkflowFinished()

	st, err := e.ensureState(ctx, adwID, issueNumber, wf, orchCfg)
	if err != nil {
		return err
	}

	exec := e.ensureExecution(st, wf)

	// Anything escaping a stage is recorded on the execution before the
	// error surfaces to the caller. Stage failures handled inside the loop
	// set failureRecorded so the failure is logged once, not twice.
	failureRecorded := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
		if err != nil && !failureRecorded {
			exec.Status = state.WorkflowFailed
			exec.Error = err.Error()
			e.persistExecution(ctx, adwID, exec, events.StageErrored)
			e.appendActivity(ctx, adwID, events.EventWorkflowFailed, map[string]any{"error": err.Error()})
		}
	}()

	exec.Status = state.WorkflowRunning
	if exec.StartedAt == nil {
		now := time.Now().UTC()
		exec.StartedAt = &now
	}
	if err := e.persistExecution(ctx, adwID, exec, ""); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "workflow started", "workflow", wf.Name, "stages", len(exec.Stages))
	e.emitLifecycle(events.EventWorkflowStarted, st, exec, firstEnabledIndex(exec), "workflow started", nil)
	e.appendActivity(ctx, adwID, events.EventWorkflowStarted, map[string]any{"workflow": wf.Name})

	for i := range exec.Stages {
		se := &exec.Stages[i]

		if se.Status == state.StageCompleted {
			// Resume support: completed stages never re-run.
			continue
		}
		if !se.IsEnabled() {
			continue
		}

		exec.CurrentStageIndex = i

		impl := stage.Create(se.StageName)
		if impl == nil {
			e.logger.WarnContext(ctx, "unknown stage, skipping", "stage", se.StageName)
			se.Status = state.StageSkipped
			se.Error = "unknown stage"
			e.metrics.IncStageSkip(se.StageName)
			e.emitSkipped(st, exec, i, "unknown stage")
			e.appendActivity(ctx, adwID, events.EventStageSkipped, map[string]any{
				"stage": se.StageName, "reason": "unknown stage",
			})
			continue
		}

		stageErr := e.runStage(ctx, st, exec, i, impl, wf, orchCfg)
		if stageErr != nil {
			if e.continueOnFailure(wf, orchCfg, i) {
				e.logger.WarnContext(ctx, "stage failed, continuing by policy",
					"stage", se.StageName, "error", stageErr)
				continue
			}
			exec.Status = state.WorkflowFailed
			exec.Error = stageErr.Error()
			if perr := e.persistExecution(ctx, adwID, exec, events.StageErrored); perr != nil {
				e.logger.ErrorContext(ctx, "failed to persist failed execution", "error", perr)
			}
			e.emitLifecycle(events.EventWorkflowFailed, st, exec, i, "workflow failed", stageErr)
			e.appendActivity(ctx, adwID, events.EventWorkflowFailed, map[string]any{
				"stage": se.StageName, "error": stageErr.Error(),
			})
			failureRecorded = true
			return stageErr
		}

		// The agent subprocess may have written state; reload before the
		// engine persists, so engine-side writes do not clobber stage-side
		// writes.
		if fresh, loadErr := e.store.Load(ctx, adwID); loadErr == nil && fresh != nil {
			st = fresh
		}
		if perr := e.persistExecution(ctx, adwID, exec, se.StageName); perr != nil {
			return perr
		}
	}

	now := time.Now().UTC()
	exec.Status = state.WorkflowCompleted
	exec.CompletedAt = &now
	if err := e.finishState(ctx, adwID, exec, wf.Name); err != nil {
		return err
	}
	e.emitLifecycle(events.EventWorkflowCompleted, st, exec, len(exec.Stages)-1, "workflow completed", nil)
	e.appendActivity(ctx, adwID, events.EventWorkflowCompleted, map[string]any{"workflow": wf.Name})
	return nil
}

// runStage drives one stage through its full lifecycle. The returned error
// is non-nil only when the stage failed.
func (e *Engine) runStage(ctx context.Context, st *state.ADWState, exec *state.WorkflowExecution, index int, impl stage.Stage, wf *config.WorkflowConfig, orchCfg *config.OrchestratorConfig) (err error) {
	se := &exec.Stages[index]
	stageCtx := observability.ContextWithStage(ctx, se.StageName)
	stageCtx, endSpan := observability.StartStageSpan(stageCtx, st.ADWID, se.StageName)
	defer func() { endSpan(err) }()

	sc := e.buildStageContext(st, exec, index, wf, orchCfg)
	e.logger.DebugContext(stageCtx, "stage context built",
		"model", sc.StageModel, "attempt", se.Attempts+1)

	defer func() {
		// Cleanup always runs, even when preconditions failed.
		impl.Cleanup(stageCtx, sc)
	}()

	if preErr := impl.Preconditions(stageCtx, sc); preErr != nil {
		se.Status = state.StageFailed
		se.Error = preErr.Error()
		e.metrics.IncStageFailure(se.StageName, "precondition")
		e.emitLifecycle(events.EventStageFailed, st, exec, index, "stage preconditions failed", preErr)
		e.appendActivity(stageCtx, st.ADWID, events.EventStageFailed, map[string]any{
			"stage": se.StageName, "error": preErr.Error(),
		})
		impl.OnFailure(stageCtx, sc, preErr)
		return preErr
	}

	if skip, reason := impl.ShouldSkip(stageCtx, sc); skip {
		se.Status = state.StageSkipped
		e.metrics.IncStageSkip(se.StageName)
		e.emitSkipped(st, exec, index, reason)
		e.appendActivity(stageCtx, st.ADWID, events.EventStageSkipped, map[string]any{
			"stage": se.StageName, "reason": reason,
		})
		return nil
	}

	now := time.Now().UTC()
	se.Status = state.StageRunning
	se.Attempts++
	se.StartedAt = &now
	st.CurrentStage = se.StageName
	e.emitLifecycle(events.EventStageStarted, st, exec, index, impl.DisplayName()+" started", nil)

	result := e.safeExecute(stageCtx, impl, sc)

	finished := time.Now().UTC()
	se.CompletedAt = &finished
	se.DurationMS = finished.Sub(now).Milliseconds()
	if result.DurationMS > 0 {
		se.DurationMS = result.DurationMS
	}
	se.Artifacts = result.Artifacts

	if result.Status == state.StageCompleted {
		se.Status = state.StageCompleted
		se.Error = ""
		e.metrics.ObserveStageDuration(se.StageName, se.Status, finished.Sub(now))
		e.emitLifecycle(events.EventStageCompleted, st, exec, index, result.Message, nil)
		e.appendActivity(stageCtx, st.ADWID, events.EventStageCompleted, map[string]any{
			"stage": se.StageName, "duration_ms": se.DurationMS,
		})
		return nil
	}

	se.Status = state.StageFailed
	execErr := result.Err
	if execErr == nil {
		execErr = fmt.Errorf("%s", result.Message)
	}
	se.Error = execErr.Error()
	e.metrics.ObserveStageDuration(se.StageName, se.Status, finished.Sub(now))
	e.metrics.IncStageFailure(se.StageName, "execute")
	e.emitLifecycle(events.EventStageFailed, st, exec, index, result.Message, execErr)
	e.appendActivity(stageCtx, st.ADWID, events.EventStageFailed, map[string]any{
		"stage": se.StageName, "error": se.Error, "duration_ms": se.DurationMS,
	})
	impl.OnFailure(stageCtx, sc, execErr)
	return execErr
}

// safeExecute converts a panicking stage into a failed result.
func (e *Engine) safeExecute(ctx context.Context, impl stage.Stage, sc *stage.Context) (result stage.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = stage.Failed("stage panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	return impl.Execute(ctx, sc)
}

func (e *Engine) buildStageContext(st *state.ADWState, exec *state.WorkflowExecution, index int, wf *config.WorkflowConfig, orchCfg *config.OrchestratorConfig) *stage.Context {
	se := exec.Stages[index]
	spec := stageSpec(wf, se.StageName)

	// Stage config: orchestrator-level per-stage config overlaid by the
	// workflow stage spec.
	cfg := map[string]any{}
	if orchCfg.StageConfigs != nil {
		for k, v := range orchCfg.StageConfigs[se.StageName] {
			cfg[k] = v
		}
	}
	if spec != nil {
		for k, v := range spec.Config {
			cfg[k] = v
		}
	}

	// Model override priority: stage config > per-ADW state override >
	// default.
	model := orchCfg.DefaultModel
	if st.ModelSet != "" {
		model = st.ModelSet
	}
	if spec != nil && spec.Model != "" {
		model = spec.Model
	}

	var completed, skipped []string
	for _, s := range exec.Stages {
		switch s.Status {
		case state.StageCompleted:
			completed = append(completed, s.StageName)
		case state.StageSkipped:
			skipped = append(skipped, s.StageName)
		}
	}

	return &stage.Context{
		ADWID:           st.ADWID,
		IssueNumber:     st.IssueNumber,
		State:           st,
		WorktreePath:    st.WorktreePath,
		Logger:          e.logger.With("adw_id", st.ADWID, "stage", se.StageName),
		Notifier:        e.notifier,
		Config:          cfg,
		PreviousStage:   previousStage(exec, index),
		StageIndex:      index,
		TotalStages:     len(exec.Stages),
		CompletedStages: completed,
		SkippedStages:   skipped,
		StageModel:      model,
		Store:           e.store,
		Git:             e.git,
		GitHub:          e.github,
		Runner:          e.runner,
		Worktrees:       e.worktrees,
		AgentsDir:       e.appCfg.AgentsDir,
		AgentBinary:     e.appCfg.AgentBinary,
		AgentTimeout:    time.Duration(e.appCfg.AgentTimeoutSeconds) * time.Second,
	}
}

func stageSpec(wf *config.WorkflowConfig, name string) *config.StageSpec {
	for i := range wf.Stages {
		if wf.Stages[i].Name == name {
			return &wf.Stages[i]
		}
	}
	return nil
}

func (e *Engine) continueOnFailure(wf *config.WorkflowConfig, orchCfg *config.OrchestratorConfig, index int) bool {
	if orchCfg.ContinueOnFailure {
		return true
	}
	if orchCfg.Workflow != nil {
		// A workflow embedded in the orchestrator config may carry its own
		// policy via stage config.
		if spec := stageSpec(orchCfg.Workflow, wf.Stages[index].Name); spec != nil {
			if v, ok := spec.Config["continue_on_failure"].(bool); ok {
				return v
			}
		}
	}
	if index < len(wf.Stages) {
		if v, ok := wf.Stages[index].Config["continue_on_failure"].(bool); ok {
			return v
		}
	}
	return false
}

// ensureState loads the visible row or creates a fresh one, fetching the
// GitHub issue when a number is bound.
func (e *Engine) ensureState(ctx context.Context, adwID string, issueNumber *int, wf *config.WorkflowConfig, orchCfg *config.OrchestratorConfig) (*state.ADWState, error) {
	st, err := e.store.Load(ctx, adwID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &state.ADWState{
			ADWID:        adwID,
			CurrentStage: events.StageBacklog,
			Status:       state.WorkflowPending,
			DataSource:   state.SourceGitHub,
		}
	}
	st.WorkflowName = wf.Name
	if orchCfg.ModelSet != "" {
		st.ModelSet = orchCfg.ModelSet
	}
	if issueNumber != nil {
		st.IssueNumber = issueNumber
		if st.IssueJSON == nil && e.github != nil {
			issue, fetchErr := e.github.FetchIssue(ctx, *issueNumber)
			if fetchErr != nil {
				e.logger.Warn("failed to fetch issue, continuing without it",
					"issue", *issueNumber, "error", fetchErr)
			} else {
				st.IssueTitle = issue.Title
				st.IssueBody = issue.Body
				st.IssueClass = issue.Classify()
				st.IssueJSON = issue.ToJSON()
			}
		}
	}
	if err := e.store.Save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ensureExecution resumes a persisted execution when its status and index
// allow, otherwise builds a fresh one from the workflow definition.
func (e *Engine) ensureExecution(st *state.ADWState, wf *config.WorkflowConfig) *state.WorkflowExecution {
	prior := st.OrchestratorState
	if prior != nil &&
		prior.WorkflowName == wf.Name &&
		(prior.Status == state.WorkflowFailed || prior.Status == state.WorkflowPaused) &&
		prior.CurrentStageIndex >= 0 &&
		prior.CurrentStageIndex < len(prior.Stages) {
		e.logger.Info("resuming workflow execution",
			"adw_id", st.ADWID, "from_index", prior.CurrentStageIndex)
		// Failed stages re-run on resume.
		for i := range prior.Stages {
			if prior.Stages[i].Status == state.StageFailed || prior.Stages[i].Status == state.StageRunning {
				prior.Stages[i].Status = state.StagePending
				prior.Stages[i].Error = ""
			}
		}
		return prior
	}

	exec := &state.WorkflowExecution{
		WorkflowName: wf.Name,
		ADWID:        st.ADWID,
		Status:       state.WorkflowPending,
	}
	for _, spec := range wf.Stages {
		exec.Stages = append(exec.Stages, state.StageExecution{
			StageName: spec.Name,
			Status:    state.StagePending,
			Enabled:   spec.Enabled,
		})
	}
	return exec
}

// persistExecution reloads the row, attaches the execution record, and
// saves. currentStage, when non-empty, updates the row's stage column.
func (e *Engine) persistExecution(ctx context.Context, adwID string, exec *state.WorkflowExecution, currentStage string) error {
	st, err := e.store.Load(ctx, adwID)
	if err != nil {
		return err
	}
	if st == nil {
		st = &state.ADWState{ADWID: adwID}
	}
	st.OrchestratorState = exec
	st.Status = exec.Status
	if currentStage != "" {
		st.CurrentStage = currentStage
	}
	return e.store.Save(ctx, st)
}

// finishState marks the row completed and records the workflow name in
// all_adws.
func (e *Engine) finishState(ctx context.Context, adwID string, exec *state.WorkflowExecution, workflowName string) error {
	st, err := e.store.Load(ctx, adwID)
	if err != nil {
		return err
	}
	if st == nil {
		return &adwerrors.NotFoundError{ADWID: adwID}
	}
	st.OrchestratorState = exec
	st.Status = exec.Status
	st.CurrentStage = events.StageReadyToMerge
	st.Completed = true
	st.AppendADW(workflowName)
	return e.store.Save(ctx, st)
}

func (e *Engine) appendActivity(ctx context.Context, adwID, eventType string, data map[string]any) {
	err := e.store.AppendActivity(ctx, state.ActivityEntry{
		ADWID:     adwID,
		EventType: eventType,
		EventData: data,
	})
	if err != nil {
		e.logger.Warn("failed to append activity log", "adw_id", adwID, "error", err)
	}
}
