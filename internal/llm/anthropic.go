package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient authenticates with authToken (OAuth bearer) when set,
// otherwise with apiKey.
func NewAnthropicClient(apiKey, authToken, model string) *AnthropicClient {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithHeader("User-Agent", "mcpchat/1.0")}
	if authToken != "" {
		opts = append(opts,
			option.WithAuthToken(authToken),
			option.WithHeader("anthropic-beta", "oauth-2025-04-20"),
		)
	} else if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	system, msgs := toAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		System:    system,
		Messages:  msgs,
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	result := &Response{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	return result, nil
}

func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
			Required:   RequiredParams(t),
		}
		out[i] = anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}}
	}
	return out
}

// toAnthropicMessages lifts system turns into the system prompt and folds
// consecutive tool results into one user message, which is how the
// Messages API expects a batch of tool_result blocks. Empty assistant
// turns are dropped and the user turns around them merged.
func toAnthropicMessages(messages []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, isErrorPayload(m.Content)))
		case RoleUser:
			flush()
			text := anthropic.NewTextBlock(m.Content)
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser {
				out[n-1].Content = append(out[n-1].Content, text)
				continue
			}
			out = append(out, anthropic.NewUserMessage(text))
		case RoleAssistant:
			// The API rejects empty text blocks.
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return system, out
}

// toolInput returns the arguments as raw JSON when they parse as an
// object, and an empty object otherwise; the API rejects non-object input.
func toolInput(args string) any {
	trimmed := strings.TrimSpace(args)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return map[string]any{}
}

func isErrorPayload(content string) bool {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return false
	}
	return payload.Error != ""
}
