package broadcast

// Typed helpers wrap Broadcast with the {type, data} shape the frontend
// expects. Each mirrors one event kind from the event model.

// BroadcastTextBlock forwards an agent text block.
func (m *Manager) BroadcastTextBlock(adwID, content string) {
	m.Broadcast(Message{Type: "text_block", Data: map[string]any{
		"adw_id":  adwID,
		"content": content,
	}}, nil)
}

// BroadcastThinkingBlock forwards an agent thinking block.
func (m *Manager) BroadcastThinkingBlock(adwID, content string) {
	m.Broadcast(Message{Type: "thinking_block", Data: map[string]any{
		"adw_id":  adwID,
		"content": content,
	}}, nil)
}

// BroadcastToolUsePre announces a tool invocation before it runs.
func (m *Manager) BroadcastToolUsePre(adwID, toolName string, toolInput any, toolUseID string) {
	m.Broadcast(Message{Type: "tool_use_pre", Data: map[string]any{
		"adw_id":      adwID,
		"tool_name":   toolName,
		"tool_input":  toolInput,
		"tool_use_id": toolUseID,
	}}, nil)
}

// BroadcastToolUsePost reports a tool result.
func (m *Manager) BroadcastToolUsePost(adwID, toolName, toolOutput, toolUseID string) {
	m.Broadcast(Message{Type: "tool_use_post", Data: map[string]any{
		"adw_id":      adwID,
		"tool_name":   toolName,
		"tool_output": toolOutput,
		"tool_use_id": toolUseID,
	}}, nil)
}

// BroadcastFileChanged reports a file touched by the agent.
func (m *Manager) BroadcastFileChanged(adwID, path, change string) {
	m.Broadcast(Message{Type: "file_changed", Data: map[string]any{
		"adw_id": adwID,
		"path":   path,
		"change": change,
	}}, nil)
}

// BroadcastAgentLog forwards a leveled agent log line.
func (m *Manager) BroadcastAgentLog(adwID, level, message string, extra map[string]any) {
	data := map[string]any{
		"adw_id":  adwID,
		"level":   level,
		"message": message,
	}
	for k, v := range extra {
		data[k] = v
	}
	m.Broadcast(Message{Type: "agent_log", Data: data}, nil)
}

// BroadcastStageTransition emits the single-message transition form the
// frontend consumes directly.
func (m *Manager) BroadcastStageTransition(adwID, workflowName, fromStage, toStage, message string) {
	m.Broadcast(Message{Type: "stage_transition", Data: map[string]any{
		"adw_id":        adwID,
		"workflow_name": workflowName,
		"from_stage":    fromStage,
		"to_stage":      toStage,
		"message":       message,
	}}, nil)
}

// BroadcastError emits an error envelope.
func (m *Manager) BroadcastError(adwID, message string) {
	m.Broadcast(Message{Type: "error", Data: map[string]any{
		"adw_id":  adwID,
		"message": message,
	}}, nil)
}

// BroadcastAgentState fans out one of the agent_* state events verbatim.
func (m *Manager) BroadcastAgentState(eventType string, data map[string]any) {
	m.Broadcast(Message{Type: eventType, Data: data}, nil)
}
