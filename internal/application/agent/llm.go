package agent

import (
	"context"
	"encoding/json"
)

// ChatMessage is one entry of the LLM conversation context.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatResponse is the model's full response to one inference.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// LLMService runs one full inference over the accumulated context.
type LLMService interface {
	Chat(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatResponse, error)
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func AssistantMessage(response *ChatResponse) ChatMessage {
	return ChatMessage{Role: "assistant", Content: response.Content, ToolCalls: response.ToolCalls}
}

func ToolMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", ToolCallID: callID, Content: content}
}
