package cell

import "strconv"

// Response accumulates the visible output of one response cycle: assistant
// messages, named data blocks and references. It is ephemeral; Export
// produces the plain structure that leaves the engine.
type Response struct {
	messages []string
	data     map[string]any
	refs     map[string]Reference
	nextKey  int
}

// ResponseExport is the exported form of a Response.
type ResponseExport struct {
	Messages   []string             `json:"messages"`
	Data       map[string]any       `json:"data,omitempty"`
	References map[string]Reference `json:"references,omitempty"`
}

// NewResponse creates an empty Response.
func NewResponse() *Response {
	return &Response{
		data: map[string]any{},
		refs: map[string]Reference{},
	}
}

// AddMessage appends a visible assistant message. Empty strings are ignored.
func (r *Response) AddMessage(text string) {
	if text == "" {
		return
	}
	r.messages = append(r.messages, text)
}

// AddData stores a data value under id. Repeats of the same identifier
// accumulate into a list. An empty id gets an auto-incrementing key.
func (r *Response) AddData(id string, value any) {
	if id == "" {
		id = strconv.Itoa(r.nextKey)
		r.nextKey++
		r.data[id] = value
		return
	}
	if prev, ok := r.data[id]; ok {
		if list, ok := prev.([]any); ok {
			r.data[id] = append(list, value)
		} else {
			r.data[id] = []any{prev, value}
		}
		return
	}
	r.data[id] = value
}

// AddReference stores a reference under id. An empty id gets an
// auto-incrementing key.
func (r *Response) AddReference(id string, ref Reference) {
	if id == "" {
		id = strconv.Itoa(r.nextKey)
		r.nextKey++
	}
	r.refs[id] = ref
}

// Export returns the accumulated response as a plain structure.
func (r *Response) Export() ResponseExport {
	out := ResponseExport{Messages: r.messages}
	if len(r.data) > 0 {
		out.Data = r.data
	}
	if len(r.refs) > 0 {
		out.References = r.refs
	}
	return out
}
