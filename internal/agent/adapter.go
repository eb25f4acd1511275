// Package agent defines the uniform contract between ADS and external
// code-assistant backends. Concrete vendor adapters live outside the core;
// everything above them programs against Adapter.
package agent

import (
	"context"
	"encoding/json"
)

// Phase describes what an agent is doing while a send is in flight.
type Phase string

const (
	PhaseBoot       Phase = "boot"
	PhaseConnection Phase = "connection"
	PhaseAnalysis   Phase = "analysis"
	PhaseCommand    Phase = "command"
	PhaseEditing    Phase = "editing"
	PhaseTool       Phase = "tool"
	PhaseResponding Phase = "responding"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
)

// Event is an asynchronous progress notification from an adapter.
// Events are delivered in emission order per adapter.
type Event struct {
	AgentID string `json:"agentId"`
	Phase   Phase  `json:"phase"`
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	Raw     any    `json:"-"`
}

// Capabilities describes optional adapter features the orchestration layer
// must branch on.
type Capabilities struct {
	// Stateful adapters remember a vendor-side thread; stateless ones need
	// prior context replayed into each prompt.
	Stateful bool `json:"stateful"`
	// StructuredOutput indicates the adapter accepts an output schema.
	StructuredOutput bool `json:"structuredOutput"`
	// Streaming indicates the adapter can deliver incremental deltas.
	Streaming bool `json:"streaming"`
}

// Metadata identifies an adapter.
type Metadata struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Vendor       string       `json:"vendor"`
	Capabilities Capabilities `json:"capabilities"`
}

// Status is a point-in-time adapter health snapshot.
type Status struct {
	Ready     bool   `json:"ready"`
	Streaming bool   `json:"streaming"`
	Error     string `json:"error,omitempty"`
}

// InputKind tags the variants of a prompt part.
type InputKind string

const (
	InputText  InputKind = "text"
	InputImage InputKind = "image"
	InputBlob  InputKind = "blob"
)

// InputPart is one element of a prompt. Text parts carry Text; image parts
// carry a Path on disk; blob parts carry Mime and Bytes.
type InputPart struct {
	Kind  InputKind `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Path  string    `json:"path,omitempty"`
	Mime  string    `json:"mime,omitempty"`
	Bytes []byte    `json:"bytes,omitempty"`
}

// TextInput builds a single-part text input.
func TextInput(text string) []InputPart {
	return []InputPart{{Kind: InputText, Text: text}}
}

// Usage reports token accounting for one send, when the vendor provides it.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// SendOptions tunes a single Send call.
type SendOptions struct {
	// OutputSchema requests structured output. Only honored by adapters
	// whose capabilities declare StructuredOutput.
	OutputSchema json.RawMessage
	// Streaming requests incremental delivery via events.
	Streaming bool
	// Model overrides the adapter's configured model for this call only.
	Model string
}

// SendResult is the outcome of one completed send.
type SendResult struct {
	Response string
	Usage    *Usage
	AgentID  string
}

// Adapter is the uniform facade over one vendor backend. Send is a blocking
// call cancelled through its context; events arrive asynchronously on the
// handlers registered with OnEvent.
type Adapter interface {
	Metadata() Metadata
	Status() Status

	SetWorkingDirectory(path string)
	SetModel(id string)

	// ThreadID returns the vendor-side conversation id, or "" for
	// stateless adapters and fresh threads.
	ThreadID() string
	// ResumeThread rehydrates a vendor-side conversation.
	ResumeThread(id string)
	// Reset drops the current thread.
	Reset()

	Send(ctx context.Context, input []InputPart, opts SendOptions) (*SendResult, error)

	// OnEvent registers a handler and returns its unsubscribe function.
	// Handlers observe events in emission order.
	OnEvent(fn func(Event)) (unsubscribe func())
}
