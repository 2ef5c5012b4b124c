package mcp

import (
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	stdioScheme = "stdio://"
	sseHint     = "sse"
	streamHint  = "stream"
)

// buildTransport turns a transport spec into an SDK transport:
//
//	stdio://uvx mcp-server-fetch   subprocess over stdio
//	uvx mcp-server-fetch           same, without the scheme
//	https://host/sse               SSE
//	http+sse://host/sse            SSE, explicit
//	http+stream://host/mcp         streamable HTTP
func buildTransport(spec string) (mcpsdk.Transport, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("transport spec is empty")
	}

	lowered := strings.ToLower(spec)
	if strings.HasPrefix(lowered, stdioScheme) {
		return commandTransport(spec[len(stdioScheme):])
	}

	if kind, endpoint, ok, err := parseHTTPSpec(spec); err != nil {
		return nil, err
	} else if ok {
		if kind == streamHint {
			return &mcpsdk.StreamableClientTransport{Endpoint: endpoint}, nil
		}
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint}, nil
	}

	return commandTransport(spec)
}

// commandTransport starts the server as a subprocess. The process lives
// until the session is closed, not until a connect deadline expires.
func commandTransport(command string) (mcpsdk.Transport, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("stdio command is empty")
	}
	// #nosec G204 -- the command comes from operator configuration
	cmd := exec.Command(parts[0], parts[1:]...)
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// parseHTTPSpec recognizes http(s) URLs, optionally with a "+sse" or
// "+stream" hint in the scheme. Plain http(s) URLs default to SSE.
func parseHTTPSpec(spec string) (kind, endpoint string, ok bool, err error) {
	u, parseErr := url.Parse(spec)
	if parseErr != nil || u.Scheme == "" || u.Opaque != "" {
		return "", "", false, nil
	}
	base, hint, hasHint := strings.Cut(strings.ToLower(u.Scheme), "+")
	if base != "http" && base != "https" {
		return "", "", false, nil
	}

	kind = sseHint
	if hasHint {
		switch hint {
		case "sse":
		case "stream", "streamable", "http":
			kind = streamHint
		default:
			return "", "", true, fmt.Errorf("unsupported HTTP transport hint %q", hint)
		}
	}
	if u.Host == "" {
		return "", "", true, fmt.Errorf("endpoint %q is missing a host", spec)
	}
	u.Scheme = base
	return kind, u.String(), true, nil
}
