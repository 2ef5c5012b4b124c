package llm

import (
	"errors"
	"fmt"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434/v1"
	defaultOllamaModel   = "llama3.1"
)

// ProviderConfig carries the credentials of every backend; NewClient picks
// the ones its provider needs.
type ProviderConfig struct {
	Provider       string // openai, anthropic, ollama
	OpenAIKey      string
	AnthropicKey   string
	AnthropicToken string // OAuth token, preferred over AnthropicKey
	Model          string
	OllamaBaseURL  string
}

var ErrMissingCredentials = errors.New("missing credentials")

func NewClient(cfg ProviderConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicKey == "" && cfg.AnthropicToken == "" {
			return nil, fmt.Errorf("anthropic: %w: set ANTHROPIC_API_KEY or ANTHROPIC_AUTH_TOKEN", ErrMissingCredentials)
		}
		return NewAnthropicClient(cfg.AnthropicKey, cfg.AnthropicToken, cfg.Model), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai: %w: set OPENAI_API_KEY", ErrMissingCredentials)
		}
		return NewOpenAIClient(cfg.OpenAIKey, cfg.Model, ""), nil
	case "ollama":
		model, baseURL := cfg.Model, cfg.OllamaBaseURL
		if model == "" {
			model = defaultOllamaModel
		}
		if baseURL == "" {
			baseURL = DefaultOllamaBaseURL
		}
		// Ollama ignores the key but the SDK requires one.
		return NewOpenAIClient("ollama", model, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}
