package cell

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// ToolFieldsFunc reports the declared parameter surface of a tool. ok is
// false for unknown tools.
type ToolFieldsFunc func(name string) (fields ToolFields, ok bool)

// ParseBlocks extracts machine-actionable blocks from model output. It scans
// the text for fenced code blocks tagged json or yaml, each optionally
// suffixed ":<identifier>", decodes the body, and classifies the result in
// priority order: ToolCall, then Reference, then Data. Malformed block
// bodies are dropped silently. The function is pure; tool schemas are
// supplied through fields.
func ParseBlocks(source string, fields ToolFieldsFunc) []ParsedBlock {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []ParsedBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lang, id := splitInfoTag(string(fcb.Language(src)))
		if lang != "json" && lang != "yaml" {
			return ast.WalkContinue, nil
		}

		var body bytes.Buffer
		for i := 0; i < fcb.Lines().Len(); i++ {
			seg := fcb.Lines().At(i)
			body.Write(seg.Value(src))
		}

		value, ok := decodeBlock(lang, body.Bytes())
		if !ok {
			return ast.WalkContinue, nil
		}
		blocks = append(blocks, classify(value, id, fields))
		return ast.WalkContinue, nil
	})
	return blocks
}

// splitInfoTag separates the fence language from its identifier suffix,
// e.g. "json:results" -> ("json", "results").
func splitInfoTag(info string) (lang, id string) {
	lang, id, found := strings.Cut(info, ":")
	if !found {
		return info, ""
	}
	return lang, id
}

// decodeBlock parses a block body. ok is false when the body is not valid
// JSON or YAML for the declared language.
func decodeBlock(lang string, body []byte) (any, bool) {
	var value any
	switch lang {
	case "json":
		if err := json.Unmarshal(body, &value); err != nil {
			return nil, false
		}
	case "yaml":
		if err := yaml.Unmarshal(body, &value); err != nil {
			return nil, false
		}
	}
	if value == nil {
		return nil, false
	}
	return value, true
}

// classify applies the ToolCall > Reference > Data priority to one decoded
// block value.
func classify(value any, id string, fields ToolFieldsFunc) ParsedBlock {
	obj, isObj := value.(map[string]any)
	if isObj {
		if tc, ok := asToolCall(obj, fields); ok {
			return ParsedBlock{Kind: BlockToolCall, ID: id, ToolCall: tc}
		}
		if ref, ok := asReference(obj); ok {
			return ParsedBlock{Kind: BlockReference, ID: id, Ref: ref}
		}
	}
	return ParsedBlock{Kind: BlockData, ID: id, Data: value}
}

// asToolCall validates an object as a tool call: a non-empty "tool" key,
// every required parameter present, and no parameter outside the declared
// set. Validation failures are lenient; the caller falls through to Data.
func asToolCall(obj map[string]any, fields ToolFieldsFunc) (*ToolCall, bool) {
	name, _ := obj["tool"].(string)
	if name == "" || fields == nil {
		return nil, false
	}
	declared, ok := fields(name)
	if !ok {
		return nil, false
	}

	params := map[string]any{}
	if raw, present := obj["parameters"]; present {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, false
		}
		params = m
	}
	for _, req := range declared.Required {
		if _, present := params[req]; !present {
			return nil, false
		}
	}
	allowed := map[string]bool{}
	for _, p := range declared.Allowed {
		allowed[p] = true
	}
	for p := range params {
		if !allowed[p] {
			return nil, false
		}
	}
	return &ToolCall{Tool: name, Parameters: params}, true
}

// asReference validates an object as a reference: exactly the keys
// {location, type} with type "web", or {location, type, library} with type
// "file". location (and library, for files) must be non-empty strings.
func asReference(obj map[string]any) (*Reference, bool) {
	location, _ := obj["location"].(string)
	kind, _ := obj["type"].(string)
	if location == "" {
		return nil, false
	}
	switch kind {
	case "web":
		if len(obj) != 2 {
			return nil, false
		}
		return &Reference{Location: location, Type: kind}, true
	case "file":
		library, _ := obj["library"].(string)
		if library == "" || len(obj) != 3 {
			return nil, false
		}
		return &Reference{Location: location, Type: kind, Library: library}, true
	}
	return nil, false
}
