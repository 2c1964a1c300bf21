package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"adw/internal/events"
)

// stageEventRequest is the union of both accepted shapes: the direct
// transition form and the orchestrator event form. Both normalize to one
// stage_transition broadcast at this boundary.
type stageEventRequest struct {
	ADWID        string `json:"adw_id"`
	WorkflowName string `json:"workflow_name"`
	Message      string `json:"message"`

	// Direct transition shape.
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`

	// Orchestrator event shape.
	EventType     string `json:"event_type"`
	StageName     string `json:"stage_name"`
	PreviousStage string `json:"previous_stage"`
	NextStage     string `json:"next_stage"`
	Error         string `json:"error"`
	SkipReason    string `json:"skip_reason"`
	DurationMS    int64  `json:"duration_ms"`
}

// transitionForEvent maps an orchestrator event type onto a (from, to) pair.
// ok is false when the event produces no transition: skips, unknown types,
// and a completed stage with no next stage.
func transitionForEvent(eventType, stageName, previousStage, nextStage string) (from, to string, ok bool) {
	switch eventType {
	case events.EventWorkflowStarted:
		return events.StageBacklog, stageName, stageName != ""
	case events.EventStageStarted:
		return previousStage, stageName, stageName != ""
	case events.EventStageCompleted:
		// The last stage has no next stage; workflow_completed follows.
		if nextStage == "" {
			return "", "", false
		}
		return stageName, nextStage, true
	case events.EventWorkflowCompleted:
		return stageName, events.StageReadyToMerge, true
	case events.EventStageFailed, events.EventWorkflowFailed:
		return stageName, events.StageErrored, true
	case events.EventStageSkipped:
		return "", "", false
	}
	return "", "", false
}

// handleStageEvent accepts both request shapes, validates the target stage,
// broadcasts the derived stage_transition, and mirrors the transition into
// the state row's current_stage.
func (s *Server) handleStageEvent(c *gin.Context) {
	var req stageEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ADWID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "adw_id is required"})
		return
	}

	from, to := req.FromStage, req.ToStage
	if req.EventType != "" {
		mappedFrom, mappedTo, ok := transitionForEvent(req.EventType, req.StageName, req.PreviousStage, req.NextStage)
		if !ok {
			// Unknown event types and no-transition events are tolerated:
			// drift between orchestrator and frontend must not break either.
			s.logger.Debug("stage event produced no transition",
				"adw_id", req.ADWID, "event_type", req.EventType)
			c.JSON(http.StatusOK, gin.H{"broadcast": false})
			return
		}
		from, to = mappedFrom, mappedTo
	}

	if !events.IsValidStage(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to_stage: " + to})
		return
	}

	s.hub.BroadcastStageTransition(req.ADWID, req.WorkflowName, from, to, req.Message)

	// Best-effort mirror into the state row; a missing row is not an error
	// here, external callers may announce transitions before state exists.
	if st, err := s.store.Load(c.Request.Context(), req.ADWID); err == nil && st != nil {
		st.CurrentStage = to
		if err := s.store.Save(c.Request.Context(), st); err != nil {
			s.logger.Warn("failed to persist stage transition",
				"adw_id", req.ADWID, "to_stage", to, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"broadcast": true, "from_stage": from, "to_stage": to})
}
