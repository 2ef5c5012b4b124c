package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/chris/mcpchat/config"
	"github.com/chris/mcpchat/internal/agent"
	"github.com/chris/mcpchat/internal/conversation"
	"github.com/chris/mcpchat/internal/db"
	"github.com/chris/mcpchat/internal/discord"
	"github.com/chris/mcpchat/internal/llm"
	"github.com/chris/mcpchat/internal/logging"
	"github.com/chris/mcpchat/internal/mcp"
	"github.com/chris/mcpchat/internal/router"
	"github.com/chris/mcpchat/internal/scheduler"
)

const connectTimeout = 60 * time.Second

func main() {
	resume := flag.String("resume", "", "resume the stored conversation with this ID")
	list := flag.Bool("list", false, "list stored conversations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	slog.SetDefault(logger)

	err = run(cfg, logger, *resume, *list)
	closer.Close()
	if err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, resume string, list bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var database *db.DB
	if cfg.DatabasePath != "" {
		var err error
		database, err = db.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
	}

	if list {
		if database == nil {
			return errors.New("-list needs DATABASE_PATH")
		}
		return listConversations(os.Stdout, database)
	}

	catalog := llm.Catalog()
	if err := llm.ValidateCatalog(catalog); err != nil {
		return fmt.Errorf("tool catalog: %w", err)
	}

	client, err := newLLMClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	r, clients, err := connectProviders(ctx, cfg.Providers, catalog, logging.Component(logger, "mcp"))
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	if err != nil {
		return err
	}
	if cfg.ValidateToolArgs {
		r.UseSchemas(catalog)
	}

	var convOpts []conversation.Option
	convOpts = append(convOpts, conversation.WithLogger(logging.Component(logger, "conversation")))
	if database != nil {
		convOpts = append(convOpts, conversation.WithRecorder(database))

		if cfg.RetentionDays > 0 {
			sched, err := scheduler.New(database, cfg.RetentionDays, cfg.RetentionCron, logging.Component(logger, "scheduler"))
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()
		}
	}

	opts := agent.Options{
		MaxToolRounds:     cfg.MaxToolRounds,
		MaxContextTokens:  cfg.MaxContextTokens,
		CompletionTimeout: cfg.CompletionTimeout,
		ToolTimeout:       cfg.ToolTimeout,
		Logger:            logging.Component(logger, "agent"),
	}

	// If Discord token is set, run as bot
	if cfg.DiscordToken != "" {
		ag := agent.New(client, r, catalog, opts)
		return runBot(ctx, cfg.DiscordToken, ag, convOpts, logging.Component(logger, "discord"))
	}

	conv := conversation.New(llm.SystemPrompt, convOpts...)
	if resume != "" {
		if database == nil {
			return errors.New("-resume needs DATABASE_PATH")
		}
		turns, err := database.LoadTranscript(resume)
		if err != nil {
			return fmt.Errorf("resuming %s: %w", resume, err)
		}
		if conv, err = conversation.Restore(resume, turns, convOpts...); err != nil {
			return fmt.Errorf("resuming %s: %w", resume, err)
		}
		logger.Info("conversation resumed", "conversation", resume, "turns", conv.Len())
	}

	term := newCLI(os.Stdin, os.Stdout, os.Stderr)
	opts.OnToolResult = term.toolProgress
	return term.run(ctx, agent.New(client, r, catalog, opts), conv)
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	return llm.NewClient(llm.ProviderConfig{
		Provider:       cfg.LLMProvider,
		OpenAIKey:      cfg.OpenAIKey,
		AnthropicKey:   cfg.AnthropicKey,
		AnthropicToken: cfg.AnthropicToken,
		Model:          cfg.LLMModel,
		OllamaBaseURL:  cfg.OllamaBaseURL,
	})
}

// connectProviders connects every configured provider and binds its tool
// names and prefixes. The returned clients must be closed even when err is
// set.
func connectProviders(ctx context.Context, providers []config.Provider, catalog []llm.Tool, logger *slog.Logger) (*router.Router, []*mcp.Client, error) {
	r := router.New()
	var clients []*mcp.Client
	for _, p := range providers {
		c := mcp.NewClient(p.Name, p.Transport, mcp.WithLogger(logger))
		clients = append(clients, c)

		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			return nil, clients, err
		}

		for _, tool := range p.Tools {
			if err := r.Bind(tool, p.Name, c); err != nil {
				return nil, clients, err
			}
		}
		for _, prefix := range p.Prefixes {
			if err := r.BindPrefix(prefix, p.Name, c); err != nil {
				return nil, clients, err
			}
		}
	}
	if err := r.Check(catalog); err != nil {
		return nil, clients, err
	}

	for _, c := range clients {
		crossCheck(ctx, r, c, catalog, logger)
	}
	return r, clients, nil
}

// crossCheck warns about catalog tools routed to c that its server does
// not list.
func crossCheck(ctx context.Context, r *router.Router, c *mcp.Client, catalog []llm.Tool, logger *slog.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	served, err := c.ListTools(listCtx)
	if err != nil {
		logger.Warn("listing provider tools", "provider", c.Name(), "err", err)
		return
	}
	for _, t := range catalog {
		if name, _, err := r.Resolve(t.Name); err != nil || name != c.Name() {
			continue
		}
		if !slices.Contains(served, t.Name) {
			logger.Warn("tool not served by its provider", "tool", t.Name, "provider", c.Name())
		}
	}
}

func runBot(ctx context.Context, token string, ag *agent.Agent, convOpts []conversation.Option, logger *slog.Logger) error {
	newConv := func() *conversation.Conversation {
		return conversation.New(llm.SystemPrompt, convOpts...)
	}
	bot, err := discord.NewBot(token, ag, newConv, logger)
	if err != nil {
		return fmt.Errorf("failed to start Discord bot: %w", err)
	}
	defer bot.Close()

	logger.Info("bot is running. Press Ctrl+C to exit.")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
