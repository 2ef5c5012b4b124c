package discord

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/chris/mcpchat/internal/agent"
)

const (
	maxMessageLen = 2000
	resetReply    = "Started a new conversation."
	failureReply  = "Something went wrong. Try again?"
)

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore own messages
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}

	// Only respond to DMs or when mentioned
	isDM := m.GuildID == ""
	isMentioned := false
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			isMentioned = true
			break
		}
	}
	if !isDM && !isMentioned {
		return
	}

	content := strings.TrimSpace(stripMention(m.Content, s.State.User.ID))
	if content == "" {
		return
	}

	// Show typing indicator
	s.ChannelTyping(m.ChannelID)

	reply := b.handle(b.ctx, m.ChannelID, content)
	for _, chunk := range splitMessage(reply, maxMessageLen) {
		if _, err := s.ChannelMessageSend(m.ChannelID, chunk); err != nil {
			b.logger.Warn("sending reply", "channel", m.ChannelID, "err", err)
		}
	}
}

// handle runs one message through the channel's conversation. Messages in
// the same channel are processed one at a time.
func (b *Bot) handle(ctx context.Context, channelID, content string) string {
	ch := b.channel(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if strings.EqualFold(content, "reset") {
		ch.conv.Reset()
		b.logger.Info("conversation reset", "channel", channelID, "conversation", ch.conv.ID())
		return resetReply
	}

	res, err := b.runner.Run(ctx, ch.conv, content)
	if err != nil {
		b.logger.Error("agent error", "channel", channelID, "conversation", ch.conv.ID(), "err", err)
		return failureReply
	}
	if res.ForcedStop {
		b.logger.Warn("turn stopped at round limit", "channel", channelID, "rounds", res.Rounds)
	}
	return replyText(res)
}

func replyText(res agent.Result) string {
	if strings.TrimSpace(res.Reply) == "" {
		return "(no reply)"
	}
	return res.Reply
}

func stripMention(s, userID string) string {
	s = strings.ReplaceAll(s, "<@"+userID+">", "")
	s = strings.ReplaceAll(s, "<@!"+userID+">", "")
	return s
}

func splitMessage(s string, maxLen int) []string {
	if len(s) <= maxLen {
		return []string{s}
	}
	var chunks []string
	for len(s) > 0 {
		end := maxLen
		if end > len(s) {
			end = len(s)
		}
		// Try to split at a newline
		if idx := strings.LastIndex(s[:end], "\n"); idx > 0 {
			end = idx + 1
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
