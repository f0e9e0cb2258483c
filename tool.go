package cell

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolInfo describes one callable tool exposed by the tool backend.
type ToolInfo struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolFields is the declared parameter surface of a tool: the full set of
// accepted parameter names and the required subset.
type ToolFields struct {
	Allowed  []string
	Required []string
}

// ToolRunner abstracts the MCP tool backend.
// The toolmcp package provides the production implementation.
type ToolRunner interface {
	// ListTools returns the tools the agent may call. A nil allowed list
	// means every connected tool; otherwise only names in the list.
	ListTools(ctx context.Context, allowed []string) ([]ToolInfo, error)
	// ToolFields returns the declared parameter names of a tool.
	ToolFields(ctx context.Context, name string) (ToolFields, error)
	// ExecTool invokes a tool and returns its textual result.
	ExecTool(ctx context.Context, name string, params map[string]any) (string, error)
}

// noTools is the runner used when no tool backend is configured. The agent
// then runs with an empty tool catalog.
type noTools struct{}

func (noTools) ListTools(context.Context, []string) ([]ToolInfo, error) { return nil, nil }

func (noTools) ToolFields(_ context.Context, name string) (ToolFields, error) {
	return ToolFields{}, fmt.Errorf("no tool backend: %s", name)
}

func (noTools) ExecTool(_ context.Context, name string, _ map[string]any) (string, error) {
	return "", fmt.Errorf("no tool backend: %s", name)
}
