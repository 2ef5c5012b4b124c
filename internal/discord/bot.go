// Package discord serves conversations over a Discord bot. Each channel
// gets its own conversation; the provider clients behind the agent are
// shared by all of them.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/chris/mcpchat/internal/agent"
	"github.com/chris/mcpchat/internal/conversation"
)

// Runner runs one user turn against a conversation. *agent.Agent
// satisfies it.
type Runner interface {
	Run(ctx context.Context, conv *conversation.Conversation, input string) (agent.Result, error)
}

type channel struct {
	mu   sync.Mutex // held for the whole turn
	conv *conversation.Conversation
}

type Bot struct {
	session *discordgo.Session
	runner  Runner
	newConv func() *conversation.Conversation
	logger  *slog.Logger

	// ctx is cancelled by Close so turns still running stop with it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channel
}

func newBot(runner Runner, newConv func() *conversation.Conversation, logger *slog.Logger) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		runner:   runner,
		newConv:  newConv,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
	}
}

// NewBot connects to Discord. newConv is called the first time a channel
// speaks to the bot.
func NewBot(token string, runner Runner, newConv func() *conversation.Conversation, logger *slog.Logger) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating Discord session: %w", err)
	}

	bot := newBot(runner, newConv, logger)
	bot.session = s
	s.AddHandler(bot.onMessage)
	s.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	if err := s.Open(); err != nil {
		bot.cancel()
		return nil, fmt.Errorf("opening Discord connection: %w", err)
	}

	logger.Info("discord bot connected", "user", s.State.User.Username)
	return bot, nil
}

// Close cancels turns in flight and disconnects.
func (b *Bot) Close() {
	b.cancel()
	if b.session != nil {
		b.session.Close()
	}
}

func (b *Bot) channel(id string) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[id]
	if !ok {
		ch = &channel{conv: b.newConv()}
		b.channels[id] = ch
	}
	return ch
}
