// Package router maps tool names to the providers that execute them.
//
// A tool is owned either by an exact-name binding (a reserved literal such
// as "fetch") or by a namespace prefix (such as "puppeteer_"). The router
// knows nothing about what tools do; adding a provider only means adding a
// binding.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/chris/mcpchat/internal/llm"
)

// Provider executes tools. The full tool name is passed through.
type Provider interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (string, error)
}

type binding struct {
	name     string
	key      string
	provider Provider
}

type Router struct {
	exact    map[string]binding
	prefixes []binding // longest first
	schemas  map[string]llm.Tool
}

func New() *Router {
	return &Router{exact: make(map[string]binding)}
}

// Bind routes the literal tool name to provider. providerName is used in
// errors and logs.
func (r *Router) Bind(tool, providerName string, p Provider) error {
	if tool == "" {
		return fmt.Errorf("bind: empty tool name")
	}
	if p == nil {
		return fmt.Errorf("bind %s: nil provider", tool)
	}
	if existing, ok := r.exact[tool]; ok {
		return fmt.Errorf("bind %s: already bound to %s", tool, existing.name)
	}
	r.exact[tool] = binding{name: providerName, key: tool, provider: p}
	return nil
}

// BindPrefix routes every tool whose name starts with prefix to provider.
// When prefixes overlap the longest one wins.
func (r *Router) BindPrefix(prefix, providerName string, p Provider) error {
	if prefix == "" {
		return fmt.Errorf("bind prefix: empty prefix")
	}
	if p == nil {
		return fmt.Errorf("bind prefix %s: nil provider", prefix)
	}
	for _, b := range r.prefixes {
		if b.key == prefix {
			return fmt.Errorf("bind prefix %s: already bound to %s", prefix, b.name)
		}
	}
	r.prefixes = append(r.prefixes, binding{name: providerName, key: prefix, provider: p})
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].key) > len(r.prefixes[j].key)
	})
	return nil
}

// UseSchemas enables argument validation against the given tool
// definitions. Tools without a definition are not validated.
func (r *Router) UseSchemas(tools []llm.Tool) {
	r.schemas = make(map[string]llm.Tool, len(tools))
	for _, t := range tools {
		r.schemas[t.Name] = t
	}
}

// Resolve returns the provider that owns tool.
func (r *Router) Resolve(tool string) (string, Provider, error) {
	if b, ok := r.exact[tool]; ok {
		return b.name, b.provider, nil
	}
	for _, b := range r.prefixes {
		if strings.HasPrefix(tool, b.key) {
			return b.name, b.provider, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
}

// Check verifies that every tool in the catalog has a provider.
func (r *Router) Check(tools []llm.Tool) error {
	var missing []string
	for _, t := range tools {
		if _, _, err := r.Resolve(t.Name); err != nil {
			missing = append(missing, t.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no provider for tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Dispatch parses rawArgs, validates them when schemas are configured,
// and invokes the owning provider.
func (r *Router) Dispatch(ctx context.Context, tool, rawArgs string) (string, error) {
	args, err := parseArgs(rawArgs)
	if err != nil {
		return "", &ArgumentError{Tool: tool, Err: err}
	}

	name, provider, err := r.Resolve(tool)
	if err != nil {
		return "", err
	}

	if def, ok := r.schemas[tool]; ok {
		if err := validateArgs(def, args); err != nil {
			return "", &ArgumentError{Tool: tool, Err: err}
		}
	}

	out, err := provider.Invoke(ctx, tool, args)
	if err != nil {
		return "", &ProviderError{Tool: tool, Provider: name, Err: err}
	}
	return out, nil
}
