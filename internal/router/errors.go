package router

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when no provider owns a tool name.
var ErrUnknownTool = errors.New("unknown tool")

// ArgumentError reports tool arguments that could not be parsed or that
// do not match the tool's declared schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// ProviderError wraps a failure raised by the provider that executed a
// tool. The original message is preserved.
type ProviderError struct {
	Tool     string
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed on %s: %v", e.Provider, e.Tool, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Kind classifies a dispatch error for the tool-result payload.
func Kind(err error) string {
	var argErr *ArgumentError
	var provErr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownTool):
		return "unknown_tool"
	case errors.As(err, &argErr):
		return "argument_error"
	case errors.As(err, &provErr):
		return "provider_error"
	default:
		return "error"
	}
}
