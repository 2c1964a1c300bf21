package orchestrator

import (
	"adw/internal/events"
	"adw/internal/state"
)

// firstEnabledIndex returns the index of the first enabled, not-yet-completed
// stage, or 0 when every stage is done.
func firstEnabledIndex(exec *state.WorkflowExecution) int {
	for i := range exec.Stages {
		se := &exec.Stages[i]
		if se.IsEnabled() && se.Status != state.StageCompleted {
			return i
		}
	}
	return 0
}

// previousStage is the name of the last completed stage before index, by
// iteration order. Empty for the first stage.
func previousStage(exec *state.WorkflowExecution, index int) string {
	prev := ""
	for i := 0; i < index && i < len(exec.Stages); i++ {
		if exec.Stages[i].Status == state.StageCompleted {
			prev = exec.Stages[i].StageName
		}
	}
	return prev
}

// nextEnabledStage is the name of the next enabled stage after index. Empty
// at the end of the workflow.
func nextEnabledStage(exec *state.WorkflowExecution, index int) string {
	for i := index + 1; i < len(exec.Stages); i++ {
		if exec.Stages[i].IsEnabled() {
			return exec.Stages[i].StageName
		}
	}
	return ""
}

// progressionEvent builds the lifecycle payload shared by all workflow and
// stage events: previous/next stage, index position, and the completed and
// pending stage name lists.
func progressionEvent(eventType string, st *state.ADWState, exec *state.WorkflowExecution, index int) events.Event {
	var completed, pending []string
	for _, se := range exec.Stages {
		switch {
		case se.Status == state.StageCompleted:
			completed = append(completed, se.StageName)
		case se.IsEnabled() && se.Status == state.StagePending:
			pending = append(pending, se.StageName)
		}
	}

	stageName := ""
	if index >= 0 && index < len(exec.Stages) {
		stageName = exec.Stages[index].StageName
	}

	return events.Event{
		Type:            eventType,
		ADWID:           st.ADWID,
		WorkflowName:    exec.WorkflowName,
		StageName:       stageName,
		PreviousStage:   previousStage(exec, index),
		NextStage:       nextEnabledStage(exec, index),
		StageIndex:      index,
		TotalStages:     len(exec.Stages),
		CompletedStages: completed,
		PendingStages:   pending,
	}
}

func (e *Engine) emitLifecycle(eventType string, st *state.ADWState, exec *state.WorkflowExecution, index int, message string, cause error) {
	if e.notifier == nil {
		return
	}
	evt := progressionEvent(eventType, st, exec, index)
	evt.Message = message
	if cause != nil {
		evt.Error = cause.Error()
	}
	if index >= 0 && index < len(exec.Stages) {
		evt.DurationMS = exec.Stages[index].DurationMS
	}
	e.notifier.Emit(evt)
}

func (e *Engine) emitSkipped(st *state.ADWState, exec *state.WorkflowExecution, index int, reason string) {
	if e.notifier == nil {
		return
	}
	evt := progressionEvent(events.EventStageSkipped, st, exec, index)
	evt.SkipReason = reason
	evt.Message = exec.Stages[index].StageName + " skipped"
	e.notifier.Emit(evt)
}
