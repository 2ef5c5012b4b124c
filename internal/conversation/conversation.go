// Package conversation holds the transcript a completion request is
// built from. A Conversation only grows: turns are appended, never
// removed or reordered.
package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chris/mcpchat/internal/llm"
)

// Recorder persists turns as they are appended. seq is the zero-based
// position of the turn in the conversation.
type Recorder interface {
	RecordTurn(conversationID string, seq int, m llm.Message) error
}

type Option func(*Conversation)

func WithRecorder(r Recorder) Option {
	return func(c *Conversation) { c.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Conversation) { c.logger = l }
}

// Conversation is owned by a single flow of control and is not safe for
// concurrent use.
type Conversation struct {
	id           string
	systemPrompt string
	turns        []llm.Message
	pending      map[string]bool // tool call IDs still waiting for a result
	nextSeq      int             // storage position of the next recorded turn

	recorder Recorder
	logger   *slog.Logger
}

// New starts a conversation whose first turn is the system prompt. An
// empty prompt starts with no turns.
func New(systemPrompt string, opts ...Option) *Conversation {
	c := &Conversation{systemPrompt: systemPrompt, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.start(uuid.NewString())
	return c
}

// Restore rebuilds a conversation from a stored transcript. The turns are
// replayed through the same checks as Append but are not recorded again.
//
// Tool calls left without a result, for example by a crash in the middle
// of a batch, are closed with an interrupted-call error turn so the
// transcript is valid for the next completion request. Only closures at
// the end of the transcript are recorded; earlier ones are rebuilt the
// same way on every restore.
func Restore(id string, turns []llm.Message, opts ...Option) (*Conversation, error) {
	c := &Conversation{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.id = id
	c.pending = make(map[string]bool)
	for i, t := range turns {
		if t.Role != llm.RoleTool {
			c.closeOpenCalls()
		}
		if err := c.check(t); err != nil {
			return nil, fmt.Errorf("restoring turn %d: %w", i, err)
		}
		c.accept(t)
	}
	c.nextSeq = len(turns)
	if len(turns) > 0 && turns[0].Role == llm.RoleSystem {
		c.systemPrompt = turns[0].Content
	}
	for _, t := range c.closeOpenCalls() {
		c.record(t)
	}
	return c, nil
}

// interruptedResult is the content of a tool turn that closes a call
// whose result was never stored.
var interruptedResult = func() string {
	b, _ := json.Marshal(map[string]string{ // map of strings; marshal cannot fail
		"error": "tool call was interrupted before it returned a result",
		"type":  "provider_error",
	})
	return string(b)
}()

// closeOpenCalls appends an interrupted-call result for every pending call
// of the latest assistant turn, in emitted order.
func (c *Conversation) closeOpenCalls() []llm.Message {
	if len(c.pending) == 0 {
		return nil
	}
	var closed []llm.Message
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role != llm.RoleAssistant || len(c.turns[i].ToolCalls) == 0 {
			continue
		}
		for _, tc := range c.turns[i].ToolCalls {
			if c.pending[tc.ID] {
				t := llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: interruptedResult}
				c.accept(t)
				closed = append(closed, t)
			}
		}
		break
	}
	c.logger.Warn("closed interrupted tool calls", "conversation", c.id, "calls", len(closed))
	return closed
}

func (c *Conversation) start(id string) {
	c.id = id
	c.turns = nil
	c.pending = make(map[string]bool)
	c.nextSeq = 0
	if c.systemPrompt != "" {
		_ = c.Append(llm.Message{Role: llm.RoleSystem, Content: c.systemPrompt})
	}
}

func (c *Conversation) ID() string { return c.id }

// Reset starts a fresh conversation with a new ID and the same system
// prompt. Recorded turns of the old conversation stay in storage.
func (c *Conversation) Reset() {
	c.start(uuid.NewString())
}

// Append adds turns in order. A tool turn must answer a call from an
// earlier assistant turn that has no result yet, and no other turn may be
// added while such calls are open. Nothing from the first rejected turn
// onward is appended.
func (c *Conversation) Append(turns ...llm.Message) error {
	for _, t := range turns {
		if err := c.check(t); err != nil {
			return err
		}
		c.accept(t)
		c.record(t)
	}
	return nil
}

func (c *Conversation) record(t llm.Message) {
	seq := c.nextSeq
	c.nextSeq++
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordTurn(c.id, seq, t); err != nil {
		c.logger.Warn("recording turn failed", "conversation", c.id, "seq", seq, "err", err)
	}
}

func (c *Conversation) check(t llm.Message) error {
	switch t.Role {
	case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		if t.ToolCallID != "" {
			return fmt.Errorf("%s turn cannot carry a tool call ID", t.Role)
		}
		if len(t.ToolCalls) > 0 && t.Role != llm.RoleAssistant {
			return fmt.Errorf("%s turn cannot carry tool calls", t.Role)
		}
		if len(c.pending) > 0 {
			return fmt.Errorf("%s turn while %d tool call(s) still wait for a result", t.Role, len(c.pending))
		}
	case llm.RoleTool:
		if t.ToolCallID == "" {
			return fmt.Errorf("tool turn is missing its tool call ID")
		}
		if !c.pending[t.ToolCallID] {
			return fmt.Errorf("tool turn %s does not answer an open tool call", t.ToolCallID)
		}
	default:
		return fmt.Errorf("unknown role %q", t.Role)
	}
	return nil
}

func (c *Conversation) accept(t llm.Message) {
	if t.Role == llm.RoleTool {
		delete(c.pending, t.ToolCallID)
	}
	for _, tc := range t.ToolCalls {
		c.pending[tc.ID] = true
	}
	c.turns = append(c.turns, t)
}

// Turns returns a copy of the transcript.
func (c *Conversation) Turns() []llm.Message {
	out := make([]llm.Message, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int { return len(c.turns) }

// Pending reports how many tool calls are still waiting for a result.
func (c *Conversation) Pending() int { return len(c.pending) }
