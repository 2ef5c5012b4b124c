package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/chris/mcpchat/internal/conversation"
	"github.com/chris/mcpchat/internal/llm"
	"github.com/chris/mcpchat/internal/router"
)

// ForcedStopNotice opens the reply when a turn runs out of tool rounds.
const ForcedStopNotice = "I hit the maximum number of tool calls. Here's what I have so far."

const (
	defaultMaxToolRounds = 10
	minMessageBudget     = 1000
)

// Dispatcher executes a tool call by name with its raw JSON arguments.
// *router.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool, rawArgs string) (string, error)
}

type Options struct {
	MaxToolRounds     int
	MaxContextTokens  int // 0 sends the whole transcript
	CompletionTimeout time.Duration
	ToolTimeout       time.Duration
	Logger            *slog.Logger

	// OnToolResult is called after every tool call, in order.
	OnToolResult func(call llm.ToolCall, output string, err error, elapsed time.Duration)
}

type Agent struct {
	client     llm.Client
	dispatcher Dispatcher
	tools      []llm.Tool
	opts       Options
	logger     *slog.Logger
}

// Result describes one completed user turn.
type Result struct {
	Reply      string
	Rounds     int // completion requests that produced tool calls
	ToolCalls  int
	ForcedStop bool
}

func New(client llm.Client, dispatcher Dispatcher, tools []llm.Tool, opts Options) *Agent {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxToolRounds
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{client: client, dispatcher: dispatcher, tools: tools, opts: opts, logger: logger}
}

// Run appends the user's message to conv, runs the tool-calling loop, and
// returns the final text response. Every turn produced along the way is
// appended to conv, including the final assistant turn.
func (a *Agent) Run(ctx context.Context, conv *conversation.Conversation, input string) (Result, error) {
	var res Result
	if err := conv.Append(llm.Message{Role: llm.RoleUser, Content: input}); err != nil {
		return res, fmt.Errorf("append user turn: %w", err)
	}

	var partial string
	for res.Rounds < a.opts.MaxToolRounds {
		resp, err := a.complete(ctx, conv)
		if err != nil {
			return res, fmt.Errorf("llm chat: %w", err)
		}
		if resp.Content != "" {
			partial = resp.Content
		}

		calls := withIDs(resp.ToolCalls, conv.Len())
		if err := conv.Append(llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls}); err != nil {
			return res, fmt.Errorf("append assistant turn: %w", err)
		}

		// No tool calls: this is the final answer.
		if len(calls) == 0 {
			res.Reply = resp.Content
			return res, nil
		}
		res.Rounds++

		for _, tc := range calls {
			content := a.execute(ctx, tc)
			res.ToolCalls++
			if err := conv.Append(llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: tc.ID}); err != nil {
				return res, fmt.Errorf("append tool result: %w", err)
			}
		}
	}

	a.logger.Warn("tool round limit reached", "conversation", conv.ID(), "rounds", res.Rounds, "tool_calls", res.ToolCalls)
	res.ForcedStop = true
	res.Reply = ForcedStopNotice
	if partial != "" {
		res.Reply += "\n\n" + partial
	}
	if err := conv.Append(llm.Message{Role: llm.RoleAssistant, Content: res.Reply}); err != nil {
		return res, fmt.Errorf("append final turn: %w", err)
	}
	return res, nil
}

func (a *Agent) complete(ctx context.Context, conv *conversation.Conversation) (*llm.Response, error) {
	messages := conv.Turns()
	if a.opts.MaxContextTokens > 0 {
		budget := a.opts.MaxContextTokens - llm.EstimateToolsTokens(a.tools)
		if budget < minMessageBudget {
			budget = minMessageBudget // always leave room for the current turn
		}
		trimmed := llm.TrimMessages(messages, budget)
		if len(trimmed) < len(messages) {
			a.logger.Info("context trimmed", "conversation", conv.ID(), "from", len(messages), "to", len(trimmed))
		}
		messages = trimmed
	}

	if a.opts.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CompletionTimeout)
		defer cancel()
	}
	resp, err := a.client.Chat(ctx, messages, a.tools)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty response")
	}
	return resp, nil
}

// execute runs one tool call and returns the content of its tool turn.
// Failures become an error payload so the model can see them and recover.
func (a *Agent) execute(ctx context.Context, tc llm.ToolCall) string {
	if a.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	a.logger.Debug("tool call", "tool", tc.Name, "id", tc.ID, "args", truncate(tc.Arguments, 200))
	out, err := a.dispatcher.Dispatch(ctx, tc.Name, tc.Arguments)
	elapsed := time.Since(start)

	if a.opts.OnToolResult != nil {
		a.opts.OnToolResult(tc, out, err, elapsed)
	}
	if err != nil {
		a.logger.Warn("tool failed", "tool", tc.Name, "type", router.Kind(err), "err", err, "elapsed", elapsed.Round(time.Millisecond))
		return errorPayload(err)
	}
	a.logger.Info("tool done", "tool", tc.Name, "elapsed", elapsed.Round(time.Millisecond),
		"size", humanize.Bytes(uint64(len(out))), "output", truncate(out, 200))
	return out
}

// errorPayload encodes err as {"error": message, "type": kind}. A
// provider's own message is passed through unwrapped.
func errorPayload(err error) string {
	msg := err.Error()
	var provErr *router.ProviderError
	if errors.As(err, &provErr) && provErr.Err != nil {
		msg = provErr.Err.Error()
	}
	b, _ := json.Marshal(map[string]string{"error": msg, "type": router.Kind(err)}) // map of strings; marshal cannot fail
	return string(b)
}

// withIDs returns calls with a usable ID on each: an ID a backend left
// empty, or one already used earlier in the batch, is replaced so every
// call is answered by exactly one tool turn.
func withIDs(calls []llm.ToolCall, seq int) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	copy(out, calls)
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		if c.ID != "" {
			seen[c.ID] = false
		}
	}
	for i := range out {
		if out[i].ID == "" || seen[out[i].ID] {
			id := fmt.Sprintf("call_%d_%d", seq, i)
			for n := 1; ; n++ {
				if _, taken := seen[id]; !taken {
					break
				}
				id = fmt.Sprintf("call_%d_%d_%d", seq, i, n)
			}
			out[i].ID = id
		}
		seen[out[i].ID] = true
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
