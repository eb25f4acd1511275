package websocket

import (
	"encoding/json"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

// Inbound is one client message. Payload shape depends on Type.
type Inbound struct {
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
	ChatSessionID   string          `json:"chatSessionId,omitempty"`
}

const (
	typePing         = "ping"
	typePrompt       = "prompt"
	typeCommand      = "command"
	typeInterrupt    = "interrupt"
	typeClearHistory = "clear_history"
	typeTaskResume   = "task_resume"
)

// PromptPayload carries a user prompt.
type PromptPayload struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// CommandPayload accepts either a bare string or {text, silent}.
type CommandPayload struct {
	Text   string `json:"text"`
	Silent bool   `json:"silent,omitempty"`
}

// UnmarshalJSON handles the legacy string form.
func (p *CommandPayload) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.Text)
	}
	type alias CommandPayload
	return json.Unmarshal(data, (*alias)(p))
}

// TaskResumePayload names the task whose conversation should continue.
type TaskResumePayload struct {
	TaskID string `json:"taskId"`
}

// validate checks the per-message schema before dispatch.
func (m *Inbound) validate() error {
	switch m.Type {
	case typePing, typeInterrupt, typeClearHistory:
		return nil
	case typePrompt:
		var p PromptPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return errkind.Input("invalid prompt payload: %v", err)
		}
		if strings.TrimSpace(p.Text) == "" {
			return errkind.Input("prompt text is required")
		}
		return nil
	case typeCommand:
		var p CommandPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return errkind.Input("invalid command payload: %v", err)
		}
		if strings.TrimSpace(p.Text) == "" {
			return errkind.Input("command text is required")
		}
		return nil
	case typeTaskResume:
		var p TaskResumePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return errkind.Input("invalid task_resume payload: %v", err)
		}
		if p.TaskID == "" {
			return errkind.Input("taskId is required")
		}
		return nil
	case "":
		return errkind.Input("message type is required")
	default:
		return errkind.Input("unknown message type %q", m.Type)
	}
}

// wireEventName maps bus subjects to the colon-separated names the frontend
// expects. Lifecycle events keep the task: prefix (task.completed becomes
// task:completed); the chat-stream events message, message:delta, and command
// are unprefixed on the wire.
func wireEventName(subject string) string {
	name := strings.ReplaceAll(subject, ".", ":")
	switch name {
	case "task:message", "task:message:delta", "task:command":
		return strings.TrimPrefix(name, "task:")
	}
	return name
}

func pongMsg(ts int64) map[string]any {
	return map[string]any{"type": "pong", "ts": ts}
}

func ackMsg(clientMessageID string, duplicate bool) map[string]any {
	return map[string]any{
		"type":              "ack",
		"client_message_id": clientMessageID,
		"duplicate":         duplicate,
	}
}

func errorMsg(message string) map[string]any {
	return map[string]any{"type": "error", "message": message}
}

func responseMsg(text string) map[string]any {
	return map[string]any{"type": "response", "text": text}
}

func eventMsg(name string, data map[string]any) map[string]any {
	return map[string]any{"type": "event", "event": name, "data": data}
}
