package cell

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

// Actor defaults.
const (
	DefaultMaxCycles       = 10
	DefaultCompletionToken = "<<DONE>>"
	defaultContextTokens   = 8192
	defaultSearchField     = "message"
)

// State keys the actor consults and refines.
const (
	stateKeyTools      = "tools"
	stateKeyToolParams = "tool_params"
	stateKeyLastSensor = "last_sensor"
	stateKeyLastSender = "last_sender"
	stateKeyLastActive = "last_active"
)

// Result is the outcome of one response cycle loop. When Err is set the
// other fields describe the partial progress made before the failure;
// callers inspect Err instead of catching an exception. Exhausting all
// cycles without a completion signal is not an error: Complete stays false
// and Response holds the last cycle's partial output.
type Result struct {
	Response ResponseExport `json:"response"`
	Complete bool           `json:"complete"`
	Cycles   int            `json:"cycles"`
	Usage    Usage          `json:"usage"`
	Err      *ErrorInfo     `json:"error,omitempty"`
}

// ErrorInfo is the structured error value returned in place of a normal
// response when a cycle fails.
type ErrorInfo struct {
	Error       string         `json:"error"`
	Traceback   string         `json:"traceback"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Actor orchestrates one response cycle: prompt assembly, the bounded
// multi-cycle LLM loop, output parsing, tool execution and response
// accumulation. A single Actor handles one sensory event at a time.
type Actor struct {
	self     string
	provider Provider
	memory   *MemoryManager
	prompts  *PromptEngine
	state    *StateManager
	tools    ToolRunner
	logger   *slog.Logger

	maxCycles       int
	completionToken string
	contextTokens   int
	searchField     string
	toolDefaults    map[string]map[string]any
}

// ActorOption configures an Actor.
type ActorOption func(*Actor)

// WithMaxCycles bounds the LLM loop. Default 10.
func WithMaxCycles(n int) ActorOption {
	return func(a *Actor) { a.maxCycles = n }
}

// WithCompletionToken sets the literal sentinel the model emits to signal
// completion. Default "<<DONE>>".
func WithCompletionToken(token string) ActorOption {
	return func(a *Actor) { a.completionToken = token }
}

// WithContextTokens sets the per-cycle token budget handed to memory
// retrieval. Default 8192.
func WithContextTokens(n int) ActorOption {
	return func(a *Actor) { a.contextTokens = n }
}

// WithSearchField names the event payload field used both as the request
// text and as the retrieval query. Default "message".
func WithSearchField(field string) ActorOption {
	return func(a *Actor) { a.searchField = field }
}

// WithToolDefaults sets per-tool default parameters merged into tool calls.
// String values may contain "{message}", interpolated against the
// triggering message. The state key "tool_params" overrides these.
func WithToolDefaults(defaults map[string]map[string]any) ActorOption {
	return func(a *Actor) { a.toolDefaults = defaults }
}

// WithActorLogger sets a structured logger for the response loop.
func WithActorLogger(l *slog.Logger) ActorOption {
	return func(a *Actor) { a.logger = l }
}

// NewActor creates an Actor named self over its collaborators.
func NewActor(self string, provider Provider, memory *MemoryManager, prompts *PromptEngine,
	state *StateManager, tools ToolRunner, opts ...ActorOption) *Actor {
	a := &Actor{
		self:            self,
		provider:        provider,
		memory:          memory,
		prompts:         prompts,
		state:           state,
		tools:           tools,
		logger:          nopLogger,
		maxCycles:       DefaultMaxCycles,
		completionToken: DefaultCompletionToken,
		contextTokens:   defaultContextTokens,
		searchField:     defaultSearchField,
	}
	if tools == nil {
		a.tools = noTools{}
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Respond runs the full response cycle loop for one sensory event. Failures
// inside the loop are converted to an error Result; Respond never returns a
// Go error to the driver. The agent state is refined and persisted on the
// way out regardless of outcome.
func (a *Actor) Respond(ctx context.Context, event SensoryEvent) (result Result) {
	defer a.refineState(ctx, event)
	defer func() {
		if r := recover(); r != nil {
			result = a.errorResult(fmt.Errorf("panic: %v", r), result, event)
		}
	}()

	// State is last-write-wins across processes; reload so refinements
	// persisted elsewhere since startup are visible to this cycle.
	if err := a.state.Load(ctx); err != nil {
		return a.errorResult(err, result, event)
	}
	snapshot := a.state.Export()
	query := event.Field(a.searchField)

	infos, err := a.tools.ListTools(ctx, allowedTools(snapshot))
	if err != nil {
		return a.errorResult(fmt.Errorf("list tools: %w", err), result, event)
	}

	vars := map[string]any{
		"Self":            a.self,
		"State":           snapshot,
		"MaxCycles":       a.maxCycles,
		"CompletionToken": a.completionToken,
		"Tools":           infos,
		"Sensor":          event.Sensor,
		"Sender":          event.Sender,
		"Message":         query,
		"Event":           event.Data,
	}
	system, err := a.renderSystem(vars)
	if err != nil {
		return a.errorResult(err, result, event)
	}
	request, err := a.prompts.Render(TemplateRequest, vars)
	if err != nil {
		return a.errorResult(err, result, event)
	}

	a.memory.Add(SystemMessage(system))
	a.memory.Add(ChatMessage{Role: RoleUser, Content: request, Name: event.Sender})

	resp := NewResponse()
	fields := a.fieldsFunc(ctx)

	for cycle := 0; cycle < a.maxCycles; cycle++ {
		result.Cycles = cycle + 1

		messages, err := a.memory.Load(ctx, query, a.contextTokens)
		if err != nil {
			return a.errorResult(err, result, event)
		}
		completion, err := a.provider.Exec(ctx, messages)
		if err != nil {
			return a.errorResult(err, result, event)
		}
		result.Usage.Add(completion)

		text, complete := stripCompletion(completion.Text, a.completionToken)
		blocks := ParseBlocks(text, fields)

		if text != "" {
			resp.AddMessage(text)
			a.memory.Add(AssistantMessage(text))
		}

		var calls []ParsedBlock
		for _, block := range blocks {
			switch block.Kind {
			case BlockToolCall:
				calls = append(calls, block)
			case BlockReference:
				resp.AddReference(block.ID, *block.Ref)
			case BlockData:
				resp.AddData(block.ID, block.Data)
			}
		}

		for _, block := range calls {
			call := *block.ToolCall
			params := a.mergeDefaults(call, snapshot, query)
			a.logger.Debug("executing tool", "tool", call.Tool, "cycle", cycle)
			out, err := a.tools.ExecTool(ctx, call.Tool, params)
			if err != nil {
				return a.errorResult(fmt.Errorf("exec tool %s: %w", call.Tool, err), result, event)
			}
			resp.AddMessage(out)
			a.memory.Add(ToolMessage(out))
		}

		result.Response = resp.Export()
		if complete {
			result.Complete = true
			break
		}
	}

	a.logger.Info("response cycle finished",
		"sensor", event.Sensor, "cycles", result.Cycles, "complete", result.Complete)
	return result
}

// Memorize flushes the memory buffer. It is a distinct step the driver
// invokes after Respond; the response loop itself never persists turns.
func (a *Actor) Memorize(ctx context.Context) error {
	return a.memory.Save(ctx)
}

// renderSystem renders the system prompt followed by the tools prompt.
func (a *Actor) renderSystem(vars map[string]any) (string, error) {
	system, err := a.prompts.Render(TemplateSystem, vars)
	if err != nil {
		return "", err
	}
	tools, err := a.prompts.Render(TemplateTools, vars)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(tools) == "" {
		return system, nil
	}
	return system + "\n\n" + tools, nil
}

// fieldsFunc adapts the tool runner's schema lookup to the pure parser.
func (a *Actor) fieldsFunc(ctx context.Context) ToolFieldsFunc {
	return func(name string) (ToolFields, bool) {
		fields, err := a.tools.ToolFields(ctx, name)
		if err != nil {
			return ToolFields{}, false
		}
		return fields, true
	}
}

// mergeDefaults fills the call's missing parameters from the agent's
// configured defaults, interpolating "{message}" in string values against
// the triggering message. Explicit model-provided parameters win. Defaults
// under the "tool_params" state key override constructor-supplied ones.
func (a *Actor) mergeDefaults(call ToolCall, snapshot map[string]any, message string) map[string]any {
	params := map[string]any{}
	for k, v := range call.Parameters {
		params[k] = v
	}
	apply := func(defaults map[string]any) {
		for k, v := range defaults {
			if _, present := params[k]; present {
				continue
			}
			if s, ok := v.(string); ok {
				v = strings.ReplaceAll(s, "{message}", message)
			}
			params[k] = v
		}
	}
	if defaults, ok := a.toolDefaults[call.Tool]; ok {
		apply(defaults)
	}
	if configured, ok := snapshot[stateKeyToolParams].(map[string]any); ok {
		if defaults, ok := configured[call.Tool].(map[string]any); ok {
			apply(defaults)
		}
	}
	return params
}

// refineState records the event on the agent state. Each Set writes the
// blob through; failures are logged, never raised, so the guaranteed step
// cannot mask the cycle outcome.
func (a *Actor) refineState(ctx context.Context, event SensoryEvent) {
	for key, value := range map[string]any{
		stateKeyLastSensor: event.Sensor,
		stateKeyLastSender: event.Sender,
		stateKeyLastActive: time.Now().UTC().Format(time.RFC3339),
	} {
		if err := a.state.Set(ctx, key, value); err != nil {
			a.logger.Error("refine state", "key", key, "error", err)
		}
	}
}

// errorResult converts a cycle failure into the structured error value
// handed back to the caller.
func (a *Actor) errorResult(err error, partial Result, event SensoryEvent) Result {
	a.logger.Error("response cycle failed", "sensor", event.Sensor, "error", err)
	partial.Err = &ErrorInfo{
		Error:     err.Error(),
		Traceback: string(debug.Stack()),
		Diagnostics: map[string]any{
			"sensor": event.Sensor,
			"sender": event.Sender,
			"cycle":  partial.Cycles,
		},
	}
	return partial
}

// allowedTools extracts the tool allow-list from a state snapshot. A nil
// return means every connected tool is allowed.
func allowedTools(snapshot map[string]any) []string {
	raw, ok := snapshot[stateKeyTools].([]any)
	if !ok {
		return nil
	}
	allowed := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			allowed = append(allowed, s)
		}
	}
	return allowed
}

// stripCompletion reports whether text contains the completion token and
// returns the text with the token and its surrounding whitespace removed.
// A mid-text token leaves a single space between the remaining halves.
func stripCompletion(text, token string) (string, bool) {
	if token == "" || !strings.Contains(text, token) {
		return text, false
	}
	var kept []string
	for _, part := range strings.Split(text, token) {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, " "), true
}
