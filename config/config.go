package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider binds one MCP capability server to the tool names it owns.
type Provider struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"` // stdio command, stdio://, http(s)://, http+stream://
	Tools     []string `yaml:"tools"`     // reserved literal tool names
	Prefixes  []string `yaml:"prefixes"`  // namespace prefixes
}

type Config struct {
	LLMProvider    string // openai, anthropic, ollama
	AnthropicKey   string // API key (X-Api-Key header)
	AnthropicToken string // OAuth token (Authorization: Bearer header)
	OpenAIKey      string
	LLMModel       string
	OllamaBaseURL  string

	Providers []Provider

	MaxToolRounds     int
	MaxContextTokens  int // 0 sends the transcript untrimmed
	CompletionTimeout time.Duration
	ToolTimeout       time.Duration
	ValidateToolArgs  bool

	DiscordToken  string
	DatabasePath  string // empty disables transcript persistence
	RetentionDays int
	RetentionCron string

	LogLevel  string
	LogFormat string
	LogFile   string
}

func Load() (*Config, error) {
	_ = godotenv.Load() // ignore error if no .env

	cfg := &Config{
		LLMProvider:      envOr("LLM_PROVIDER", "openai"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicToken:   os.Getenv("ANTHROPIC_AUTH_TOKEN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		LLMModel:         os.Getenv("LLM_MODEL"),
		OllamaBaseURL:    os.Getenv("OLLAMA_BASE_URL"),
		DiscordToken:     os.Getenv("DISCORD_BOT_TOKEN"),
		DatabasePath:     envOr("DATABASE_PATH", "./mcpchat.db"),
		RetentionCron:    envOr("RETENTION_CRON", "0 3 * * *"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "text"),
		LogFile:          os.Getenv("LOG_FILE"),
		ValidateToolArgs: true,
	}
	if _, ok := os.LookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = os.Getenv("DATABASE_PATH")
	}

	var err error
	if cfg.MaxToolRounds, err = envInt("MAX_TOOL_ROUNDS", 10); err != nil {
		return nil, err
	}
	if cfg.MaxContextTokens, err = envInt("MAX_CONTEXT_TOKENS", 0); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = envInt("RETENTION_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.CompletionTimeout, err = envDuration("COMPLETION_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.ToolTimeout, err = envDuration("TOOL_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("VALIDATE_TOOL_ARGS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("VALIDATE_TOOL_ARGS: %w", err)
		}
		cfg.ValidateToolArgs = b
	}

	if path := os.Getenv("PROVIDERS_FILE"); path != "" {
		providers, err := LoadProviders(path)
		if err != nil {
			return nil, err
		}
		cfg.Providers = providers
	} else {
		cfg.Providers = DefaultProviders()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultProviders returns the fetch and browser-automation servers.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:      "fetch",
			Transport: envOr("FETCH_SERVER_CMD", "uvx mcp-server-fetch --ignore-robots-txt"),
			Tools:     []string{"fetch"},
		},
		{
			Name:      "automation",
			Transport: envOr("AUTOMATION_SERVER_CMD", "npx -y @modelcontextprotocol/server-puppeteer"),
			Prefixes:  []string{"puppeteer_"},
		},
	}
}

// LoadProviders reads provider bindings from a YAML file of the form
//
//	providers:
//	  - name: fetch
//	    transport: uvx mcp-server-fetch
//	    tools: [fetch]
func LoadProviders(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	return ParseProviders(data)
}

func ParseProviders(data []byte) ([]Provider, error) {
	var doc struct {
		Providers []Provider `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}
	return doc.Providers, nil
}

// Validate reports configuration errors that must stop startup.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no tool providers configured")
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("provider %q: duplicate name", name)
		}
		seen[name] = true
		if strings.TrimSpace(p.Transport) == "" {
			return fmt.Errorf("provider %q: transport is required", name)
		}
		if len(p.Tools) == 0 && len(p.Prefixes) == 0 {
			return fmt.Errorf("provider %q: needs at least one tool or prefix", name)
		}
	}
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be at least 1, got %d", c.MaxToolRounds)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("90s") or plain seconds ("90").
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
