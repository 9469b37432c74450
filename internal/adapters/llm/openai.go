// Package llm provides the OpenAI-compatible chat client used by the task
// agent. It works with OpenAI, OpenRouter, Groq, Ollama, vLLM, and any other
// endpoint implementing the chat completions API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rvelazquez/sectorwars-go/internal/application/agent"
)

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model     string           `json:"model"`
	Messages  []message        `json:"messages"`
	Tools     []tool           `json:"tools,omitempty"`
	Reasoning *reasoningConfig `json:"reasoning,omitempty"`
}

// reasoningConfig caps the model's thinking tokens and optionally strips the
// thoughts from the response. Endpoints that do not support reasoning ignore
// the block.
type reasoningConfig struct {
	MaxTokens int  `json:"max_tokens,omitempty"`
	Exclude   bool `json:"exclude,omitempty"`
}

type message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []toolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type tool struct {
	Type     string   `json:"type"` // always "function"
	Function function `json:"function"`
}

type function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolCallRequest struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string            `json:"content"`
			ToolCalls []toolCallRequest `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Client implements the agent's LLMService against an OpenAI-compatible API.
type Client struct {
	apiKey    string
	model     string
	baseURL   string
	reasoning *reasoningConfig
	client    *http.Client
}

// NewClient creates an OpenAI-compatible chat client. baseURL is the API base
// (e.g. "https://api.openai.com/v1"); the /chat/completions path is appended.
// A positive thinkingBudget caps reasoning tokens; includeThoughts keeps the
// thoughts in the response.
func NewClient(apiKey, model, baseURL string, thinkingBudget int, includeThoughts bool) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	if thinkingBudget > 0 {
		c.reasoning = &reasoningConfig{MaxTokens: thinkingBudget, Exclude: !includeThoughts}
	}
	return c
}

// Chat sends one non-streaming chat completion request.
func (c *Client) Chat(ctx context.Context, messages []agent.ChatMessage, tools []agent.ToolDefinition) (*agent.ChatResponse, error) {
	body := chatRequest{
		Model:     c.model,
		Messages:  buildMessages(messages),
		Tools:     buildTools(tools),
		Reasoning: c.reasoning,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, string(errBody))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	return parseResponse(decoded), nil
}

func buildMessages(messages []agent.ChatMessage) []message {
	out := make([]message, 0, len(messages))
	for _, m := range messages {
		converted := message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, toolCallRequest{
				ID:   tc.ID,
				Type: "function",
				Function: functionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func buildTools(tools []agent.ToolDefinition) []tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// parseResponse extracts content and tool calls from choices[0]. Arguments
// arrive as a JSON string; invalid JSON is replaced with an empty object.
func parseResponse(resp chatResponse) *agent.ChatResponse {
	out := &agent.ChatResponse{}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
