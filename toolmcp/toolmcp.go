// Package toolmcp implements cell.ToolRunner over the Model Context
// Protocol. One Runner fans out across multiple MCP servers (stdio or
// streamable HTTP) and flattens their tool catalogs into a single
// name-addressed surface.
package toolmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/zimagi/cell"
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	Name      string
	Transport string // "stdio" or "http"
	Command   []string
	URL       string
	Env       map[string]string
}

type server struct {
	name    string
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// Runner implements cell.ToolRunner across a set of connected MCP servers.
// Tool names are unique across servers; on a collision the first connected
// server wins.
type Runner struct {
	servers []*server
	byName  map[string]*server
}

var _ cell.ToolRunner = (*Runner)(nil)

// Connect dials every configured server and loads its tool catalog. A
// failed server fails the whole connect; partial tool surfaces make the
// agent's declared-tool validation unreliable.
func Connect(ctx context.Context, configs []ServerConfig) (*Runner, error) {
	r := &Runner{byName: map[string]*server{}}
	for _, cfg := range configs {
		srv, err := connectOne(ctx, cfg)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.servers = append(r.servers, srv)
		for _, t := range srv.tools {
			if _, taken := r.byName[t.Name]; !taken {
				r.byName[t.Name] = srv
			}
		}
	}
	return r, nil
}

func connectOne(ctx context.Context, cfg ServerConfig) (*server, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "cell",
		Version: "0.1.0",
	}, nil)

	var transport mcp.Transport
	switch cfg.Transport {
	case "stdio":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("toolmcp: server %s: stdio transport needs a command", cfg.Name)
		}
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcp.CommandTransport{Command: cmd}
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("toolmcp: server %s: http transport needs a url", cfg.Name)
		}
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("toolmcp: server %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolmcp: connect %s: %w", cfg.Name, err)
	}
	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("toolmcp: list tools on %s: %w", cfg.Name, err)
	}
	return &server{name: cfg.Name, session: session, tools: listed.Tools}, nil
}

// ListTools returns the connected tool catalog, restricted to the allowed
// names when the list is non-nil, sorted by name.
func (r *Runner) ListTools(ctx context.Context, allowed []string) ([]cell.ToolInfo, error) {
	var allowSet map[string]bool
	if allowed != nil {
		allowSet = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allowSet[name] = true
		}
	}
	var out []cell.ToolInfo
	for _, srv := range r.servers {
		for _, t := range srv.tools {
			if r.byName[t.Name] != srv {
				continue
			}
			if allowSet != nil && !allowSet[t.Name] {
				continue
			}
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("toolmcp: encode schema of %s: %w", t.Name, err)
			}
			out = append(out, cell.ToolInfo{
				Server:      srv.name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ToolFields derives the parameter surface from the tool's JSON schema:
// property names become the allowed set, the schema's required list the
// required set.
func (r *Runner) ToolFields(ctx context.Context, name string) (cell.ToolFields, error) {
	srv, ok := r.byName[name]
	if !ok {
		return cell.ToolFields{}, fmt.Errorf("toolmcp: unknown tool %q", name)
	}
	for _, t := range srv.tools {
		if t.Name != name {
			continue
		}
		raw, err := json.Marshal(t.InputSchema)
		if err != nil {
			return cell.ToolFields{}, fmt.Errorf("toolmcp: encode schema of %s: %w", name, err)
		}
		return fieldsFromSchema(raw)
	}
	return cell.ToolFields{}, fmt.Errorf("toolmcp: unknown tool %q", name)
}

func fieldsFromSchema(raw []byte) (cell.ToolFields, error) {
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &schema); err != nil {
			return cell.ToolFields{}, fmt.Errorf("toolmcp: decode schema: %w", err)
		}
	}
	fields := cell.ToolFields{Required: schema.Required}
	for prop := range schema.Properties {
		fields.Allowed = append(fields.Allowed, prop)
	}
	sort.Strings(fields.Allowed)
	return fields, nil
}

// ExecTool calls the named tool and joins its text content blocks. A
// result flagged as an error comes back as a Go error carrying the same
// text.
func (r *Runner) ExecTool(ctx context.Context, name string, params map[string]any) (string, error) {
	srv, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("toolmcp: unknown tool %q", name)
	}
	result, err := srv.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: params,
	})
	if err != nil {
		return "", fmt.Errorf("toolmcp: call %s: %w", name, err)
	}
	text := contentText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("toolmcp: tool %s failed: %s", name, text)
	}
	return text, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if blob, err := json.Marshal(c); err == nil {
				parts = append(parts, string(blob))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Close tears down every server session.
func (r *Runner) Close() error {
	var firstErr error
	for _, srv := range r.servers {
		if err := srv.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolmcp: close %s: %w", srv.name, err)
		}
	}
	r.servers = nil
	r.byName = map[string]*server{}
	return firstErr
}
