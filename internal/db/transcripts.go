package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chris/mcpchat/internal/llm"
)

type ConversationSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     int       `json:"turns"`
	Preview   string    `json:"preview,omitempty"` // first user turn
}

// RecordTurn stores one turn. The conversation row is created on first use.
func (d *DB) RecordTurn(conversationID string, seq int, m llm.Message) error {
	var toolCalls any
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		toolCalls = string(b)
	}
	now := d.stamp()

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT OR IGNORE INTO conversations (id, created_at) VALUES (?, ?)", conversationID, now); err != nil {
		return fmt.Errorf("creating conversation %s: %w", conversationID, err)
	}
	_, err = tx.Exec(
		"INSERT INTO turns (conversation_id, seq, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		conversationID, seq, m.Role, m.Content, toolCalls, nullStr(m.ToolCallID), now,
	)
	if err != nil {
		return fmt.Errorf("recording turn %d of %s: %w", seq, conversationID, err)
	}
	return tx.Commit()
}

// LoadTranscript returns the turns of a conversation in order. An unknown
// ID yields sql.ErrNoRows.
func (d *DB) LoadTranscript(conversationID string) ([]llm.Message, error) {
	var exists int
	err := d.conn.QueryRow("SELECT 1 FROM conversations WHERE id = ?", conversationID).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
		}
		return nil, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}

	rows, err := d.conn.Query(
		"SELECT role, content, COALESCE(tool_calls, ''), COALESCE(tool_call_id, '') FROM turns WHERE conversation_id = ? ORDER BY seq",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	defer rows.Close()

	var turns []llm.Message
	for rows.Next() {
		var m llm.Message
		var toolCalls string
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &m.ToolCallID); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls: %w", err)
			}
		}
		turns = append(turns, m)
	}
	return turns, rows.Err()
}

// ListConversations returns the most recently active conversations first.
func (d *DB) ListConversations(limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.Query(`
		SELECT c.id, c.created_at,
		       COALESCE(MAX(t.created_at), c.created_at) AS updated_at,
		       COUNT(t.seq),
		       COALESCE((SELECT content FROM turns u
		                 WHERE u.conversation_id = c.id AND u.role = 'user'
		                 ORDER BY u.seq LIMIT 1), '')
		FROM conversations c
		LEFT JOIN turns t ON t.conversation_id = c.id
		GROUP BY c.id
		ORDER BY updated_at DESC, c.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		var created, updated string
		if err := rows.Scan(&s.ID, &created, &updated, &s.Turns, &s.Preview); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		s.CreatedAt, _ = time.Parse(timeLayout, created) // written by stamp
		s.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneBefore deletes conversations with no turn recorded at or after
// cutoff. Their turns go with them.
func (d *DB) PruneBefore(cutoff time.Time) (int64, error) {
	c := cutoff.UTC().Format(timeLayout)
	res, err := d.conn.Exec(`
		DELETE FROM conversations
		WHERE created_at < ?
		  AND id NOT IN (SELECT conversation_id FROM turns WHERE created_at >= ?)`, c, c)
	if err != nil {
		return 0, fmt.Errorf("pruning conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
