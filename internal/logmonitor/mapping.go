package logmonitor

import (
	"encoding/json"
	"fmt"
)

// maxToolOutputChars caps tool_result payloads forwarded to the frontend.
const maxToolOutputChars = 2000

const truncationMarker = "... [truncated]"

// passthroughTypes are events whose top-level type already matches a target
// WebSocket type; they are forwarded as-is for back-compat with newer agent
// versions that emit the final shape directly.
var passthroughTypes = map[string]struct{}{
	"text_block":     {},
	"tool_use_pre":   {},
	"tool_use_post":  {},
	"thinking_block": {},
	"file_changed":   {},
	"agent_log":      {},
}

// processLine maps one JSONL line onto WebSocket events. Invalid JSON is
// emitted rather than discarded, so the stream is lossless.
func (m *Monitor) processLine(sourceFile, line string) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		m.emit("agent_log", map[string]any{
			"adw_id": m.adwID,
			"level":  "WARNING",
			"source": sourceFile,
			"raw_data": map[string]any{
				"parse_error": err.Error(),
				"line":        line,
			},
		})
		return
	}

	topType, _ := obj["type"].(string)
	subtype, _ := obj["subtype"].(string)

	if _, ok := passthroughTypes[topType]; ok {
		data, _ := obj["data"].(map[string]any)
		if data == nil {
			data = obj
		}
		data["adw_id"] = m.adwID
		m.emit(topType, data)
		return
	}

	switch {
	case topType == "assistant":
		m.handleAssistant(obj)
	case topType == "user":
		m.handleUser(obj)
	case topType == "system" && subtype == "init":
		m.handleSystemInit(obj)
	case subtype == "hook_response":
		m.handleHookResponse(obj)
	case subtype == "error":
		m.emit("agent_log", map[string]any{
			"adw_id":   m.adwID,
			"level":    "ERROR",
			"message":  stringField(obj, "message"),
			"raw_data": obj,
		})
	}
}

func contentItems(obj map[string]any) []map[string]any {
	message, _ := obj["message"].(map[string]any)
	if message == nil {
		message = obj
	}
	raw, _ := message["content"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if item, ok := entry.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items
}

// handleAssistant applies the priority-ordered content mapping: thinking
// blocks win, then tool_use, then plain text.
func (m *Monitor) handleAssistant(obj map[string]any) {
	items := contentItems(obj)

	emitted := false
	for _, item := range items {
		if itemType, _ := item["type"].(string); itemType == "thinking" {
			m.emit("thinking_block", map[string]any{
				"adw_id":  m.adwID,
				"content": stringField(item, "thinking"),
			})
			emitted = true
		}
	}
	if emitted {
		return
	}

	for _, item := range items {
		if itemType, _ := item["type"].(string); itemType == "tool_use" {
			m.emit("tool_use_pre", map[string]any{
				"adw_id":      m.adwID,
				"tool_name":   stringField(item, "name"),
				"tool_input":  item["input"],
				"tool_use_id": stringField(item, "id"),
			})
			emitted = true
		}
	}
	if emitted {
		return
	}

	for _, item := range items {
		if itemType, _ := item["type"].(string); itemType == "text" {
			m.emit("text_block", map[string]any{
				"adw_id":  m.adwID,
				"content": stringField(item, "text"),
			})
		}
	}
}

// handleUser forwards tool results. Output is truncated at 2000 characters;
// list outputs are JSON-serialized; a non-dict tool_use_result is tolerated
// with an empty tool name.
func (m *Monitor) handleUser(obj map[string]any) {
	for _, item := range contentItems(obj) {
		itemType, _ := item["type"].(string)
		if itemType != "tool_result" {
			continue
		}

		output := normalizeToolOutput(item["content"])
		// Character count, not bytes: a multi-byte rune never gets split.
		if runes := []rune(output); len(runes) > maxToolOutputChars {
			output = string(runes[:maxToolOutputChars]) + truncationMarker
		}

		toolName := ""
		if result, ok := obj["tool_use_result"].(map[string]any); ok {
			toolName = stringField(result, "tool_name")
		}

		m.emit("tool_use_post", map[string]any{
			"adw_id":      m.adwID,
			"tool_name":   toolName,
			"tool_output": output,
			"tool_use_id": stringField(item, "tool_use_id"),
			"is_error":    item["is_error"] == true,
		})
	}
}

func (m *Monitor) handleSystemInit(obj map[string]any) {
	model := stringField(obj, "model")
	toolCount := 0
	if tools, ok := obj["tools"].([]any); ok {
		toolCount = len(tools)
	}
	m.emit("agent_log", map[string]any{
		"adw_id":  m.adwID,
		"level":   "INFO",
		"message": fmt.Sprintf("agent session started: model=%s tools=%d", model, toolCount),
	})
}

func (m *Monitor) handleHookResponse(obj map[string]any) {
	level := "INFO"
	exitCode := 0
	if code, ok := obj["exit_code"].(float64); ok {
		exitCode = int(code)
	}
	stderr := stringField(obj, "stderr")
	if exitCode != 0 || stderr != "" {
		level = "ERROR"
	}
	m.emit("agent_log", map[string]any{
		"adw_id":    m.adwID,
		"level":     level,
		"message":   fmt.Sprintf("hook response: exit_code=%d", exitCode),
		"stderr":    stderr,
		"exit_code": exitCode,
	})
}

func normalizeToolOutput(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any, map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
