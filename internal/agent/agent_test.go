package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chris/mcpchat/internal/conversation"
	"github.com/chris/mcpchat/internal/llm"
	"github.com/chris/mcpchat/internal/router"
)

var quiet = slog.New(slog.DiscardHandler)

// scriptedClient replays canned responses and records every request.
type scriptedClient struct {
	responses []*llm.Response
	err       error
	requests  [][]llm.Message
	tools     [][]llm.Tool
}

func (c *scriptedClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	c.requests = append(c.requests, messages)
	c.tools = append(c.tools, tools)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.requests) > len(c.responses) {
		return &llm.Response{Content: "out of script"}, nil
	}
	return c.responses[len(c.requests)-1], nil
}

type fakeProvider struct {
	calls []string
	fn    func(tool string, args map[string]any) (string, error)
}

func (p *fakeProvider) Invoke(ctx context.Context, tool string, args map[string]any) (string, error) {
	p.calls = append(p.calls, tool)
	if p.fn != nil {
		return p.fn(tool, args)
	}
	return `{"content":[{"type":"text","text":"ok ` + tool + `"}]}`, nil
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func newRouter(t *testing.T, fetch, automation *fakeProvider) *router.Router {
	t.Helper()
	r := router.New()
	require.NoError(t, r.Bind("fetch", "fetch", fetch))
	require.NoError(t, r.BindPrefix("puppeteer_", "automation", automation))
	r.UseSchemas(llm.Catalog())
	return r
}

func toolTurns(turns []llm.Message) []llm.Message {
	var out []llm.Message
	for _, m := range turns {
		if m.Role == llm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func errorType(t *testing.T, content string) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &payload))
	require.NotEmpty(t, payload.Error)
	return payload.Type
}

func TestRun_FetchScenario(t *testing.T) {
	fetch := &fakeProvider{fn: func(tool string, args map[string]any) (string, error) {
		require.Equal(t, "https://example.com", args["url"])
		return `{"content":[{"type":"text","text":"Example Domain"}]}`, nil
	}}
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{call("c1", "fetch", `{"url":"https://example.com"}`)}},
		{Content: "The page says Example Domain."},
	}}
	conv := conversation.New(llm.SystemPrompt)
	a := New(client, newRouter(t, fetch, &fakeProvider{}), llm.Catalog(), Options{Logger: quiet})

	res, err := a.Run(context.Background(), conv, "what's on example.com?")
	require.NoError(t, err)
	require.Equal(t, "The page says Example Domain.", res.Reply)
	require.Equal(t, 1, res.Rounds)
	require.Equal(t, 1, res.ToolCalls)
	require.False(t, res.ForcedStop)
	require.Equal(t, []string{"fetch"}, fetch.calls)

	turns := conv.Turns()
	roles := make([]string, len(turns))
	for i, m := range turns {
		roles[i] = m.Role
	}
	require.Equal(t, []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}, roles)
	require.Equal(t, "c1", turns[3].ToolCallID)
	require.Contains(t, turns[3].Content, "Example Domain")

	// The second request carries the transcript verbatim, tool result included.
	require.Len(t, client.requests, 2)
	require.Equal(t, turns[:4], client.requests[1])

	// Every request offers the whole catalog.
	for i, tools := range client.tools {
		require.Equal(t, llm.Catalog(), tools, "request %d", i)
	}
}

func TestRun_NoToolsReturnsImmediately(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{{Content: "hello"}}}
	conv := conversation.New("sys")
	a := New(client, router.New(), nil, Options{Logger: quiet})

	res, err := a.Run(context.Background(), conv, "hi")
	require.NoError(t, err)
	require.Equal(t, "hello", res.Reply)
	require.Zero(t, res.Rounds)
	require.Len(t, client.requests, 1)
	require.Equal(t, 3, conv.Len())
}

func TestRun_ExecutesCallsInEmittedOrder(t *testing.T) {
	var order []string
	automation := &fakeProvider{fn: func(tool string, args map[string]any) (string, error) {
		order = append(order, tool)
		return `{"content":[]}`, nil
	}}
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			call("a", "puppeteer_navigate", `{"url":"https://example.com"}`),
			call("b", "puppeteer_click", `{"selector":"#more"}`),
			call("c", "puppeteer_screenshot", `{"name":"after"}`),
		}},
		{Content: "done"},
	}}
	conv := conversation.New("sys")
	a := New(client, newRouter(t, &fakeProvider{}, automation), llm.Catalog(), Options{Logger: quiet})

	res, err := a.Run(context.Background(), conv, "click more")
	require.NoError(t, err)
	require.Equal(t, 3, res.ToolCalls)
	require.Equal(t, []string{"puppeteer_navigate", "puppeteer_click", "puppeteer_screenshot"}, order)

	results := toolTurns(conv.Turns())
	require.Len(t, results, 3)
	for i, id := range []string{"a", "b", "c"} {
		require.Equal(t, id, results[i].ToolCallID)
	}
	require.Zero(t, conv.Pending())
}

func TestRun_FailingCallDoesNotAbortSiblings(t *testing.T) {
	automation := &fakeProvider{fn: func(tool string, args map[string]any) (string, error) {
		if args["selector"] == "#missing" {
			return "", errors.New("No element found for selector: #missing")
		}
		return `{"content":[]}`, nil
	}}
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			call("a", "puppeteer_click", `{"selector":"#missing"}`),
			call("b", "puppeteer_click", `{"selector":"#ok"}`),
			call("c", "puppeteer_click", `{"selector": 7}`),
			call("d", "puppeteer_hover", `not json`),
		}},
		{Content: "recovered"},
	}}
	conv := conversation.New("sys")
	a := New(client, newRouter(t, &fakeProvider{}, automation), llm.Catalog(), Options{Logger: quiet})

	res, err := a.Run(context.Background(), conv, "go")
	require.NoError(t, err)
	require.Equal(t, "recovered", res.Reply)
	require.Len(t, automation.calls, 2)

	results := toolTurns(conv.Turns())
	require.Len(t, results, 4)
	require.Equal(t, "provider_error", errorType(t, results[0].Content))
	require.Contains(t, results[0].Content, "No element found for selector: #missing")
	require.Equal(t, `{"content":[]}`, results[1].Content)
	require.Equal(t, "argument_error", errorType(t, results[2].Content))
	require.Equal(t, "argument_error", errorType(t, results[3].Content))
}

func TestRun_UnknownToolRecovers(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{call("x", "delete_everything", `{}`)}},
		{Content: "I can't do that."},
	}}
	conv := conversation.New("sys")
	a := New(client, newRouter(t, &fakeProvider{}, &fakeProvider{}), llm.Catalog(), Options{Logger: quiet})

	res, err := a.Run(context.Background(), conv, "delete everything")
	require.NoError(t, err)
	require.Equal(t, "I can't do that.", res.Reply)

	results := toolTurns(conv.Turns())
	require.Len(t, results, 1)
	require.Equal(t, "unknown_tool", errorType(t, results[0].Content))
	require.Len(t, client.requests, 2)
}

func TestRun_ForcedStopAtRoundCap(t *testing.T) {
	loop := &llm.Response{
		Content:   "still looking",
		ToolCalls: []llm.ToolCall{call("", "fetch", `{"url":"https://example.com"}`)},
	}
	client := &scriptedClient{responses: []*llm.Response{loop, loop, loop, loop}}
	conv := conversation.New("sys")
	fetch := &fakeProvider{}
	a := New(client, newRouter(t, fetch, &fakeProvider{}), llm.Catalog(), Options{MaxToolRounds: 3, Logger: quiet})

	res, err := a.Run(context.Background(), conv, "loop forever")
	require.NoError(t, err)
	require.True(t, res.ForcedStop)
	require.Equal(t, 3, res.Rounds)
	require.Len(t, client.requests, 3)
	require.Len(t, fetch.calls, 3)
	require.True(t, strings.HasPrefix(res.Reply, ForcedStopNotice))
	require.Contains(t, res.Reply, "still looking")

	turns := conv.Turns()
	last := turns[len(turns)-1]
	require.Equal(t, llm.RoleAssistant, last.Role)
	require.Empty(t, last.ToolCalls)
	require.Equal(t, res.Reply, last.Content)
	require.Zero(t, conv.Pending())
}

func TestRun_CompletionErrorKeepsTranscriptValid(t *testing.T) {
	client := &scriptedClient{err: errors.New("503 service unavailable")}
	conv := conversation.New("sys")
	a := New(client, router.New(), nil, Options{Logger: quiet})

	_, err := a.Run(context.Background(), conv, "hi")
	require.ErrorContains(t, err, "503")
	require.Equal(t, 2, conv.Len())
	require.Zero(t, conv.Pending())

	client.err = nil
	client.requests = nil
	client.responses = []*llm.Response{{Content: "back"}}
	res, err := a.Run(context.Background(), conv, "again")
	require.NoError(t, err)
	require.Equal(t, "back", res.Reply)
}

func TestRun_ToolTimeout(t *testing.T) {
	slow := &slowProvider{}
	r := router.New()
	require.NoError(t, r.Bind("fetch", "fetch", slow))
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{call("c1", "fetch", `{"url":"https://slow.example"}`)}},
		{Content: "it timed out"},
	}}
	conv := conversation.New("sys")
	a := New(client, r, nil, Options{ToolTimeout: 10 * time.Millisecond, Logger: quiet})

	_, err := a.Run(context.Background(), conv, "fetch slow")
	require.NoError(t, err)
	results := toolTurns(conv.Turns())
	require.Len(t, results, 1)
	require.Equal(t, "provider_error", errorType(t, results[0].Content))
	require.Contains(t, results[0].Content, context.DeadlineExceeded.Error())
}

type slowProvider struct{}

func (slowProvider) Invoke(ctx context.Context, tool string, args map[string]any) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRun_OnToolResultObservesEveryCall(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			call("a", "fetch", `{"url":"https://example.com"}`),
			call("b", "nope", `{}`),
		}},
		{Content: "done"},
	}}
	var seen []string
	var errs int
	conv := conversation.New("sys")
	a := New(client, newRouter(t, &fakeProvider{}, &fakeProvider{}), llm.Catalog(), Options{
		Logger: quiet,
		OnToolResult: func(c llm.ToolCall, output string, err error, elapsed time.Duration) {
			seen = append(seen, c.ID)
			if err != nil {
				errs++
			}
		},
	})

	_, err := a.Run(context.Background(), conv, "go")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, seen)
	require.Equal(t, 1, errs)
}

func TestRun_TrimsRequestWindowOnly(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{{Content: "ok"}}}
	conv := conversation.New("sys")
	big := strings.Repeat("x", 8000)
	for i := 0; i < 3; i++ {
		require.NoError(t, conv.Append(
			llm.Message{Role: llm.RoleUser, Content: big},
			llm.Message{Role: llm.RoleAssistant, Content: big},
		))
	}
	before := conv.Len()
	a := New(client, router.New(), nil, Options{MaxContextTokens: 1500, Logger: quiet})

	_, err := a.Run(context.Background(), conv, "latest question")
	require.NoError(t, err)

	sent := client.requests[0]
	require.Less(t, len(sent), before+1)
	require.Equal(t, llm.RoleSystem, sent[0].Role)
	require.Equal(t, "latest question", sent[len(sent)-1].Content)
	require.Equal(t, before+2, conv.Len())
}

func TestWithIDs_FillsMissing(t *testing.T) {
	calls := withIDs([]llm.ToolCall{{ID: "keep"}, {}}, 4)
	require.Equal(t, "keep", calls[0].ID)
	require.Equal(t, "call_4_1", calls[1].ID)
}

func TestWithIDs_RewritesDuplicates(t *testing.T) {
	in := []llm.ToolCall{{ID: "call_1"}, {ID: "call_1"}, {}, {ID: "call_2_2"}}
	calls := withIDs(in, 2)

	ids := map[string]bool{}
	for _, c := range calls {
		require.NotEmpty(t, c.ID)
		require.False(t, ids[c.ID], "duplicate id %s", c.ID)
		ids[c.ID] = true
	}
	require.Equal(t, "call_1", calls[0].ID)
	require.Equal(t, "call_2_2", calls[3].ID)
	require.Equal(t, "call_1", in[1].ID, "input must not be modified")
}

func TestRun_DuplicateCallIDsStillAnswerEveryCall(t *testing.T) {
	fetch, automation := &fakeProvider{}, &fakeProvider{}
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			call("call_1", "fetch", `{"url":"https://example.com"}`),
			call("call_1", "puppeteer_navigate", `{"url":"https://example.com"}`),
		}},
		{Content: "both done"},
	}}
	conv := conversation.New("sys")
	a := New(client, newRouter(t, fetch, automation), llm.Catalog(), Options{Logger: quiet})

	res, err := a.Run(context.Background(), conv, "open it twice")
	require.NoError(t, err)
	require.Equal(t, "both done", res.Reply)
	require.Equal(t, 2, res.ToolCalls)

	results := toolTurns(conv.Turns())
	require.Len(t, results, 2)
	require.NotEqual(t, results[0].ToolCallID, results[1].ToolCallID)
	require.Zero(t, conv.Pending())
	require.Len(t, fetch.calls, 1)
	require.Len(t, automation.calls, 1)
}

func TestRun_ResumedWithOpenCallSendsValidRequest(t *testing.T) {
	stored := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "what's on example.com?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call("c1", "fetch", `{"url":"https://example.com"}`)}},
	}
	conv, err := conversation.Restore("conv-1", stored)
	require.NoError(t, err)

	client := &scriptedClient{responses: []*llm.Response{{Content: "ok"}}}
	a := New(client, router.New(), nil, Options{Logger: quiet})
	_, err = a.Run(context.Background(), conv, "next")
	require.NoError(t, err)

	sent := client.requests[0]
	require.Len(t, sent, 5)
	require.Equal(t, llm.RoleTool, sent[3].Role)
	require.Equal(t, "c1", sent[3].ToolCallID)
	require.Equal(t, "provider_error", errorType(t, sent[3].Content))
	require.Equal(t, llm.RoleUser, sent[4].Role)
}

// --- truncate ---

func TestTruncate_Short(t *testing.T) {
	got := truncate("hello", 10)
	if got != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}
}

func TestTruncate_Exact(t *testing.T) {
	got := truncate("hello", 5)
	if got != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := truncate("héllo", 2) // é is two bytes starting at index 1
	if got != "h..." {
		t.Errorf("expected 'h...', got %q", got)
	}
}

func TestTruncate_Long(t *testing.T) {
	got := truncate("hello world", 5)
	if got != "hello..." {
		t.Errorf("expected 'hello...', got %q", got)
	}
}
