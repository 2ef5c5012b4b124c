package llm

import (
	"encoding/json"
	"fmt"
)

var catalog = []Tool{
	{
		Name:        "fetch",
		Description: "Fetch a URL and return its content converted to readable text.",
		Parameters: objReq(map[string]any{
			"url":         prop("string", "URL to fetch"),
			"max_length":  propDefault("integer", "Maximum number of characters to return (default: 5000)", 5000),
			"start_index": propDefault("integer", "Start returning content at this character index (default: 0)", 0),
			"raw":         propDefault("boolean", "Return the raw HTML instead of readable text (default: false)", false),
		}, "url"),
	},
	{
		Name:        "puppeteer_navigate",
		Description: "Navigate the browser to a URL.",
		Parameters: objReq(map[string]any{
			"url": prop("string", "URL to navigate to"),
		}, "url"),
	},
	{
		Name:        "puppeteer_screenshot",
		Description: "Take a screenshot of the current page or of a specific element.",
		Parameters: objReq(map[string]any{
			"name":     prop("string", "Name for the screenshot"),
			"selector": prop("string", "CSS selector of the element to capture"),
			"width":    propDefault("number", "Width in pixels (default: 800)", 800),
			"height":   propDefault("number", "Height in pixels (default: 600)", 600),
		}, "name"),
	},
	{
		Name:        "puppeteer_click",
		Description: "Click an element on the page.",
		Parameters: objReq(map[string]any{
			"selector": prop("string", "CSS selector of the element to click"),
		}, "selector"),
	},
	{
		Name:        "puppeteer_fill",
		Description: "Fill out an input field.",
		Parameters: objReq(map[string]any{
			"selector": prop("string", "CSS selector of the input field"),
			"value":    prop("string", "Value to fill in"),
		}, "selector", "value"),
	},
	{
		Name:        "puppeteer_select",
		Description: "Select an option in a select element.",
		Parameters: objReq(map[string]any{
			"selector": prop("string", "CSS selector of the select element"),
			"value":    prop("string", "Value to select"),
		}, "selector", "value"),
	},
	{
		Name:        "puppeteer_hover",
		Description: "Hover over an element on the page.",
		Parameters: objReq(map[string]any{
			"selector": prop("string", "CSS selector of the element to hover"),
		}, "selector"),
	},
	{
		Name:        "puppeteer_evaluate",
		Description: "Execute JavaScript in the browser console.",
		Parameters: objReq(map[string]any{
			"script": prop("string", "JavaScript code to execute"),
		}, "script"),
	},
}

// Catalog returns the tools offered to the model. The result is a deep
// copy, so callers can never mutate the process-wide catalog.
func Catalog() []Tool {
	out := make([]Tool, len(catalog))
	for i, t := range catalog {
		out[i] = Tool{Name: t.Name, Description: t.Description, Parameters: cloneSchema(t.Parameters)}
	}
	return out
}

// ValidateCatalog checks that every definition is a well-formed object
// schema. A failure here is a configuration error.
func ValidateCatalog(tools []Tool) error {
	seen := make(map[string]bool, len(tools))
	for i, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("tool %d: empty name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tool %s: duplicate name", t.Name)
		}
		seen[t.Name] = true

		if typ, _ := t.Parameters["type"].(string); typ != "object" {
			return fmt.Errorf("tool %s: parameters must be an object schema", t.Name)
		}
		props, _ := t.Parameters["properties"].(map[string]any)
		for name, p := range props {
			def, ok := p.(map[string]any)
			if !ok {
				return fmt.Errorf("tool %s: property %s is not a schema", t.Name, name)
			}
			if typ, _ := def["type"].(string); typ == "" {
				return fmt.Errorf("tool %s: property %s has no type", t.Name, name)
			}
		}
		for _, req := range RequiredParams(t) {
			if _, ok := props[req]; !ok {
				return fmt.Errorf("tool %s: required parameter %s is not declared", t.Name, req)
			}
		}
	}
	return nil
}

// RequiredParams returns the required parameter names of a tool schema.
func RequiredParams(t Tool) []string {
	switch req := t.Parameters["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func cloneSchema(s map[string]any) map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("llm: catalog schema is not serializable: %v", err))
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out) // round trip of our own output
	return out
}

// Helper functions for building JSON Schema objects.

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func propDefault(typ, desc string, def any) map[string]any {
	p := prop(typ, desc)
	p["default"] = def
	return p
}

func obj(properties map[string]any) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

func objReq(properties map[string]any, required ...string) map[string]any {
	s := obj(properties)
	s["required"] = required
	return s
}
