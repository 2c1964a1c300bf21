package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"adw/internal/observability"
)

// forwardedTypes are the lifecycle events mirrored to an external server.
// Agent output and transport events stay local; the server derives its own
// fan-out from the lifecycle stream.
var forwardedTypes = map[string]struct{}{
	EventWorkflowStarted:   {},
	EventWorkflowCompleted: {},
	EventWorkflowFailed:    {},
	EventStageStarted:      {},
	EventStageCompleted:    {},
	EventStageSkipped:      {},
	EventStageFailed:       {},
}

// Forwarder mirrors lifecycle events to a running server's stage-event
// endpoint, so workflows driven by the CLI show up on dashboards served by a
// separate server process. Delivery is best-effort: a down or unreachable
// server is logged at debug level and otherwise ignored.
type Forwarder struct {
	url    string
	client *http.Client
	logger *observability.Logger
}

// NewForwarder creates a forwarder targeting baseURL (scheme://host:port).
func NewForwarder(baseURL string, logger *observability.Logger) *Forwarder {
	if logger == nil {
		logger = observability.NewComponentLogger("EventForwarder")
	}
	return &Forwarder{
		url:    strings.TrimRight(baseURL, "/") + "/api/stage-event",
		client: &http.Client{Timeout: 3 * time.Second},
		logger: logger,
	}
}

// Attach registers the forwarder on the notifier. Each post runs on its own
// goroutine so Emit never blocks on the network.
func (f *Forwarder) Attach(n *Notifier) {
	n.OnAll(func(evt Event) {
		if _, ok := forwardedTypes[evt.Type]; !ok {
			return
		}
		go f.post(evt)
	})
}

func (f *Forwarder) post(evt Event) {
	payload := map[string]any{
		"adw_id":        evt.ADWID,
		"event_type":    evt.Type,
		"stage_name":    evt.StageName,
		"workflow_name": evt.WorkflowName,
		"message":       evt.Message,
	}
	if evt.PreviousStage != "" {
		payload["previous_stage"] = evt.PreviousStage
	}
	if evt.NextStage != "" {
		payload["next_stage"] = evt.NextStage
	}
	if evt.SkipReason != "" {
		payload["skip_reason"] = evt.SkipReason
	}
	if evt.Error != "" {
		payload["error"] = evt.Error
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := f.client.Post(f.url, "application/json", bytes.NewReader(body))
	if err != nil {
		f.logger.Debug("stage-event forward failed", "url", f.url, "error", err)
		return
	}
	_ = resp.Body.Close()
}
