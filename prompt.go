package cell

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Template names registered by default.
const (
	TemplateSystem  = "system"
	TemplateRequest = "request"
	TemplateTools   = "tools"
)

const defaultSystemTemplate = `You are {{ .Self }}, an autonomous agent.
{{- with .State.goal }}

Your goal: {{ . }}
{{- end }}
{{- with .State.rules }}

Rules you must follow:
{{- range . }}
- {{ . }}
{{- end }}
{{- end }}

You work in cycles. In each cycle you may reply with text for the user and
embed machine-actionable blocks as fenced code blocks tagged json or yaml,
optionally suffixed with an identifier (for example ` + "```json:results`" + `).
A block of the form {"tool": "<name>", "parameters": {...}} executes a tool.
A block of the form {"location": "...", "type": "file"|"web"} records a
reference; file references also need a "library" key. Any other block is
kept as named data.

When the task is finished, include the literal token {{ .CompletionToken }}
in your reply. You have at most {{ .MaxCycles }} cycles.`

const defaultRequestTemplate = `{{ .Sender }} says:

{{ .Message }}`

const defaultToolsTemplate = `{{- if .Tools }}
You can execute the following tools:
{{ range .Tools }}
### {{ .Name }}
{{ .Description }}
{{- if .InputSchema }}
Parameters (JSON Schema): {{ printf "%s" .InputSchema }}
{{- end }}
{{ end }}
{{- else }}
No tools are available.
{{- end }}`

// PromptEngine renders named prompt templates against variables. Templates
// use text/template syntax with the sprig function map.
type PromptEngine struct {
	templates map[string]*template.Template
}

// NewPromptEngine creates an engine preloaded with the default system,
// request and tools templates. Register replaces them.
func NewPromptEngine() *PromptEngine {
	e := &PromptEngine{templates: map[string]*template.Template{}}
	// Defaults are compiled in; parse errors here are programmer errors.
	for name, text := range map[string]string{
		TemplateSystem:  defaultSystemTemplate,
		TemplateRequest: defaultRequestTemplate,
		TemplateTools:   defaultToolsTemplate,
	} {
		if err := e.Register(name, text); err != nil {
			panic(fmt.Sprintf("cell: default template %q: %v", name, err))
		}
	}
	return e
}

// Register parses and stores a template under name, replacing any previous
// template with that name.
func (e *PromptEngine) Register(name, text string) error {
	t, err := template.New(name).Funcs(sprig.FuncMap()).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %q: %w", name, err)
	}
	e.templates[name] = t
	return nil
}

// Render executes the named template against vars.
func (e *PromptEngine) Render(name string, vars any) (string, error) {
	t, ok := e.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return buf.String(), nil
}
