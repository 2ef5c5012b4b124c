package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/chris/mcpchat/internal/llm"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// at pins the store clock.
func at(d *DB, ts time.Time) {
	d.now = func() time.Time { return ts }
}

func record(t *testing.T, d *DB, id string, turns ...llm.Message) {
	t.Helper()
	for i, m := range turns {
		if err := d.RecordTurn(id, i, m); err != nil {
			t.Fatalf("RecordTurn(%s, %d): %v", id, i, err)
		}
	}
}

func sampleTranscript() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "what's on example.com?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "fetch", Arguments: `{"url":"https://example.com"}`}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: `{"content":[{"type":"text","text":"Example Domain"}]}`},
		{Role: llm.RoleAssistant, Content: "It says Example Domain."},
	}
}

func TestRecordAndLoadTranscript(t *testing.T) {
	d := openTestDB(t)
	want := sampleTranscript()
	record(t, d, "conv-1", want...)

	got, err := d.LoadTranscript("conv-1")
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d turns, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content || got[i].ToolCallID != want[i].ToolCallID {
			t.Errorf("turn %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if len(got[2].ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got[2].ToolCalls))
	}
	if got[2].ToolCalls[0] != want[2].ToolCalls[0] {
		t.Errorf("tool call: expected %+v, got %+v", want[2].ToolCalls[0], got[2].ToolCalls[0])
	}
	if got[1].ToolCalls != nil {
		t.Errorf("expected no tool calls on user turn, got %v", got[1].ToolCalls)
	}
}

func TestRecordTurnDuplicateSeq(t *testing.T) {
	d := openTestDB(t)
	record(t, d, "conv-1", llm.Message{Role: llm.RoleUser, Content: "hi"})
	if err := d.RecordTurn("conv-1", 0, llm.Message{Role: llm.RoleUser, Content: "again"}); err == nil {
		t.Error("expected error recording the same seq twice")
	}
}

func TestLoadTranscriptUnknown(t *testing.T) {
	d := openTestDB(t)
	_, err := d.LoadTranscript("nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListConversations(t *testing.T) {
	d := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	at(d, base)
	record(t, d, "older", sampleTranscript()...)
	at(d, base.Add(time.Hour))
	record(t, d, "newer", llm.Message{Role: llm.RoleSystem, Content: "sys"}, llm.Message{Role: llm.RoleUser, Content: "hello"})

	list, err := d.ListConversations(10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != "newer" || list[1].ID != "older" {
		t.Errorf("expected newer first, got %s, %s", list[0].ID, list[1].ID)
	}
	if list[1].Turns != 5 {
		t.Errorf("expected 5 turns, got %d", list[1].Turns)
	}
	if list[1].Preview != "what's on example.com?" {
		t.Errorf("unexpected preview %q", list[1].Preview)
	}
	if !list[0].UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("expected updated_at %v, got %v", base.Add(time.Hour), list[0].UpdatedAt)
	}

	limited, err := d.ListConversations(1)
	if err != nil {
		t.Fatalf("ListConversations(1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(limited))
	}
}

func TestPruneBefore(t *testing.T) {
	d := openTestDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	at(d, base)
	record(t, d, "stale", sampleTranscript()...)
	record(t, d, "revived", llm.Message{Role: llm.RoleUser, Content: "old"})
	at(d, base.Add(40*24*time.Hour))
	if err := d.RecordTurn("revived", 1, llm.Message{Role: llm.RoleAssistant, Content: "new"}); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	record(t, d, "fresh", llm.Message{Role: llm.RoleUser, Content: "hi"})

	n, err := d.PruneBefore(base.Add(30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if _, err := d.LoadTranscript("stale"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected stale to be gone, got %v", err)
	}
	for _, id := range []string{"revived", "fresh"} {
		if _, err := d.LoadTranscript(id); err != nil {
			t.Errorf("expected %s to survive, got %v", id, err)
		}
	}

	var orphans int
	if err := d.conn.QueryRow("SELECT COUNT(*) FROM turns WHERE conversation_id = 'stale'").Scan(&orphans); err != nil {
		t.Fatalf("counting turns: %v", err)
	}
	if orphans != 0 {
		t.Errorf("expected stale turns to be deleted, got %d", orphans)
	}
}
