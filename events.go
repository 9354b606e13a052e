package petalboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TaskState is the lifecycle state carried by a task-update event.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input_required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
)

// MessagePart is one piece of a structured agent message: text, an image
// reference, or both.
type MessagePart struct {
	Text     string `json:"text,omitempty"`
	ImageURI string `json:"image_uri,omitempty"`
}

// InboundEvent is the closed set of events the reducer consumes. Events are
// keyed by agent identity, not step identity: the reducer resolves which
// step instance an event belongs to.
type InboundEvent interface {
	// Agent returns the agent name (or ID) the event refers to.
	Agent() string
	isInbound()
}

// StatusUpdateEvent carries a free-text status for an agent. Redundant
// sources may emit these alongside task updates.
type StatusUpdateEvent struct {
	AgentName string
	Status    string
}

// TaskUpdateEvent is the authoritative task lifecycle transition for an
// agent, optionally carrying content and token usage.
type TaskUpdateEvent struct {
	AgentName string
	State     TaskState
	Message   string
	ImageURI  string
	Usage     *TokenUsage
}

// AgentMessageEvent is a plain content message with structured parts.
type AgentMessageEvent struct {
	AgentName string
	Parts     []MessagePart
}

// ToolCallEvent reports that an agent invoked a tool.
type ToolCallEvent struct {
	AgentName string
	ToolName  string
}

// ToolResponseEvent reports a tool invocation outcome.
type ToolResponseEvent struct {
	AgentName string
	ToolName  string
	Outcome   string
}

// FinalResponseEvent carries an agent's final answer content.
type FinalResponseEvent struct {
	AgentName string
	Content   string
}

// FileUploadedEvent reports an artifact produced by an agent.
type FileUploadedEvent struct {
	SourceAgent string
	URI         string
	ContentType string
}

// TokenUsageEvent is a host-level token usage report for an agent.
type TokenUsageEvent struct {
	AgentName string
	Usage     TokenUsage
}

func (e StatusUpdateEvent) Agent() string  { return e.AgentName }
func (e TaskUpdateEvent) Agent() string    { return e.AgentName }
func (e AgentMessageEvent) Agent() string  { return e.AgentName }
func (e ToolCallEvent) Agent() string      { return e.AgentName }
func (e ToolResponseEvent) Agent() string  { return e.AgentName }
func (e FinalResponseEvent) Agent() string { return e.AgentName }
func (e FileUploadedEvent) Agent() string  { return e.SourceAgent }
func (e TokenUsageEvent) Agent() string    { return e.AgentName }

func (StatusUpdateEvent) isInbound()  {}
func (TaskUpdateEvent) isInbound()    {}
func (AgentMessageEvent) isInbound()  {}
func (ToolCallEvent) isInbound()      {}
func (ToolResponseEvent) isInbound()  {}
func (FinalResponseEvent) isInbound() {}
func (FileUploadedEvent) isInbound()  {}
func (TokenUsageEvent) isInbound()    {}

// ErrUnknownEventType is returned when a wire event's type discriminator is
// not recognized.
var ErrUnknownEventType = errors.New("unknown inbound event type")

// wireEvent is the transport shape of an inbound event: a flat JSON object
// with a "type" discriminator. Fields not used by a given type are ignored.
type wireEvent struct {
	Type        string        `json:"type"`
	Agent       string        `json:"agent,omitempty"`
	AgentName   string        `json:"agent_name,omitempty"`
	SourceAgent string        `json:"source_agent,omitempty"`
	Status      string        `json:"status,omitempty"`
	State       string        `json:"state,omitempty"`
	Message     string        `json:"message,omitempty"`
	Content     string        `json:"content,omitempty"`
	ImageURI    string        `json:"image_uri,omitempty"`
	Parts       []MessagePart `json:"parts,omitempty"`
	ToolName    string        `json:"tool_name,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	URI         string        `json:"uri,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
	Usage       *wireUsage    `json:"usage,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (w *wireEvent) agent() string {
	if w.AgentName != "" {
		return w.AgentName
	}
	return w.Agent
}

func (w *wireEvent) usage() *TokenUsage {
	if w.Usage == nil {
		return nil
	}
	return &TokenUsage{
		PromptTokens:     w.Usage.PromptTokens,
		CompletionTokens: w.Usage.CompletionTokens,
		TotalTokens:      w.Usage.TotalTokens,
	}
}

// UnmarshalInboundEvent decodes a wire event into its typed variant.
func UnmarshalInboundEvent(data []byte) (InboundEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding inbound event: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(w.Type)) {
	case "status_update":
		return StatusUpdateEvent{AgentName: w.agent(), Status: w.Status}, nil
	case "task_update":
		msg := w.Message
		if msg == "" {
			msg = w.Content
		}
		return TaskUpdateEvent{
			AgentName: w.agent(),
			State:     TaskState(strings.ToLower(w.State)),
			Message:   msg,
			ImageURI:  w.ImageURI,
			Usage:     w.usage(),
		}, nil
	case "message":
		parts := w.Parts
		if len(parts) == 0 && (w.Content != "" || w.Message != "") {
			text := w.Content
			if text == "" {
				text = w.Message
			}
			parts = []MessagePart{{Text: text}}
		}
		return AgentMessageEvent{AgentName: w.agent(), Parts: parts}, nil
	case "tool_call":
		return ToolCallEvent{AgentName: w.agent(), ToolName: w.ToolName}, nil
	case "tool_response":
		return ToolResponseEvent{AgentName: w.agent(), ToolName: w.ToolName, Outcome: w.Outcome}, nil
	case "final_response":
		return FinalResponseEvent{AgentName: w.agent(), Content: w.Content}, nil
	case "file_uploaded":
		agent := w.SourceAgent
		if agent == "" {
			agent = w.agent()
		}
		return FileUploadedEvent{SourceAgent: agent, URI: w.URI, ContentType: w.ContentType}, nil
	case "token_usage":
		usage := w.usage()
		if usage == nil {
			usage = &TokenUsage{}
		}
		return TokenUsageEvent{AgentName: w.agent(), Usage: *usage}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
}
