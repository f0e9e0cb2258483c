package cell

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// --- Store doubles ---

// memMessages is an in-memory MessageStore.
type memMessages struct {
	mu       sync.Mutex
	chats    map[string]Chat
	dialogs  []Dialog
	messages []Message
	nextID   int
}

func newMemMessages() *memMessages {
	return &memMessages{chats: map[string]Chat{}}
}

func (s *memMessages) id(prefix string) string {
	s.nextID++
	return prefix + strconv.Itoa(s.nextID)
}

func (s *memMessages) GetOrCreateChat(_ context.Context, userID, key string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := userID + "/" + key
	if chat, ok := s.chats[ck]; ok {
		return chat, nil
	}
	chat := Chat{ID: s.id("chat"), UserID: userID, Key: key, CreatedAt: time.Now().UnixNano()}
	s.chats[ck] = chat
	return chat, nil
}

func (s *memMessages) LatestMessage(_ context.Context, chatID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ChatID == chatID {
			m := s.messages[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memMessages) CreateDialog(_ context.Context, chatID string) (Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dialog := Dialog{ID: s.id("dialog"), ChatID: chatID, CreatedAt: time.Now().UnixNano()}
	s.dialogs = append(s.dialogs, dialog)
	return dialog, nil
}

func (s *memMessages) StoreMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.id("msg")
	msg.CreatedAt = time.Now().UnixNano()
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *memMessages) DialogMessages(_ context.Context, dialogID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.DialogID == dialogID {
			out = append(out, m)
		}
	}
	return out, nil
}

// memVectors is a VectorStore that records writes and returns canned hits.
type memVectors struct {
	mu      sync.Mutex
	stored  []MemoryRecord
	hits    []ScoredRecord
	queries []SearchQuery
}

func (s *memVectors) StoreRecords(_ context.Context, records []MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, records...)
	return nil
}

func (s *memVectors) SearchRecords(_ context.Context, _ [][]float32, q SearchQuery) ([]ScoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return s.hits, nil
}

// cosineVectors is a VectorStore that computes real cosine scores over the
// stored records, so retrieval tests can round-trip Save through Load.
type cosineVectors struct {
	mu     sync.Mutex
	stored []MemoryRecord
}

func (s *cosineVectors) StoreRecords(_ context.Context, records []MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range records {
		if r.ID == "" {
			records[i].ID = fmt.Sprintf("rec%d", len(s.stored)+i+1)
		}
	}
	s.stored = append(s.stored, records...)
	return nil
}

func (s *cosineVectors) SearchRecords(_ context.Context, embeddings [][]float32, q SearchQuery) ([]ScoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []ScoredRecord
	for _, r := range s.stored {
		if q.FilterField == "chat_id" && len(q.FilterValues) > 0 && !containsString(q.FilterValues, r.ChatID) {
			continue
		}
		score := float32(0)
		for _, emb := range embeddings {
			if c := cosine(emb, r.Embedding); c > score {
				score = c
			}
		}
		if score < q.MinScore {
			continue
		}
		hits = append(hits, ScoredRecord{MemoryRecord: r, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// memState is an in-memory StateStore with an optional injected failure.
type memState struct {
	mu       sync.Mutex
	blobs    map[StateScope]map[string]json.RawMessage
	failSave error
	saves    int
}

func newMemState() *memState {
	return &memState{blobs: map[StateScope]map[string]json.RawMessage{}}
}

func (s *memState) LoadState(_ context.Context, scope StateScope) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[scope]
	if !ok {
		return map[string]json.RawMessage{}, nil
	}
	out := make(map[string]json.RawMessage, len(blob))
	for k, v := range blob {
		out[k] = v
	}
	return out, nil
}

func (s *memState) SaveState(_ context.Context, scope StateScope, state map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	copied := make(map[string]json.RawMessage, len(state))
	for k, v := range state {
		copied[k] = v
	}
	s.blobs[scope] = copied
	s.saves++
	return nil
}

// recordingLocker records lock names and delegates to in-process mutexes.
type recordingLocker struct {
	inner *MutexLocker
	mu    sync.Mutex
	names []string
}

func newRecordingLocker() *recordingLocker {
	return &recordingLocker{inner: NewMutexLocker()}
}

func (l *recordingLocker) Lock(ctx context.Context, name string) (UnlockFunc, error) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	return l.inner.Lock(ctx, name)
}

// --- Provider doubles ---

// scriptProvider pops canned completions in order and counts tokens at a
// flat rate per message.
type scriptProvider struct {
	completions []Completion
	err         error
	calls       int

	tokensPerMessage int
}

func (p *scriptProvider) Exec(_ context.Context, _ []ChatMessage) (Completion, error) {
	p.calls++
	if p.err != nil {
		return Completion{}, p.err
	}
	if len(p.completions) == 0 {
		return Completion{}, fmt.Errorf("script exhausted after %d calls", p.calls)
	}
	c := p.completions[0]
	if len(p.completions) > 1 {
		p.completions = p.completions[1:]
	}
	return c, nil
}

func (p *scriptProvider) TokenCount(_ context.Context, messages []ChatMessage) (int, error) {
	per := p.tokensPerMessage
	if per == 0 {
		per = 5
	}
	return per * len(messages), nil
}

func (p *scriptProvider) Name() string { return "script" }

// unitEncoder returns fixed small vectors.
type unitEncoder struct{}

func (unitEncoder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (unitEncoder) Dimensions() int { return 4 }
func (unitEncoder) Name() string    { return "unit" }

// cannedEncoder maps known texts to fixed vectors so similarity between
// texts is under the test's control.
type cannedEncoder struct {
	vectors map[string][]float32
}

func (e cannedEncoder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := e.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no canned vector for %q", text)
		}
		out[i] = v
	}
	return out, nil
}

func (e cannedEncoder) Dimensions() int { return 4 }
func (e cannedEncoder) Name() string    { return "canned" }

// wholeSplitter returns the text as a single section.
type wholeSplitter struct{}

func (wholeSplitter) Split(text string) []string {
	if text == "" {
		return nil
	}
	return []string{text}
}

// --- Tool doubles ---

// fakeTools serves a static catalog and records executions.
type fakeTools struct {
	fields map[string]ToolFields
	output map[string]string
	err    error

	mu    sync.Mutex
	calls []executedCall
}

type executedCall struct {
	name   string
	params map[string]any
}

func (t *fakeTools) ListTools(_ context.Context, allowed []string) ([]ToolInfo, error) {
	var out []ToolInfo
	for name := range t.fields {
		if allowed != nil && !containsString(allowed, name) {
			continue
		}
		out = append(out, ToolInfo{Name: name, Description: "test tool"})
	}
	return out, nil
}

func (t *fakeTools) ToolFields(_ context.Context, name string) (ToolFields, error) {
	fields, ok := t.fields[name]
	if !ok {
		return ToolFields{}, fmt.Errorf("unknown tool %q", name)
	}
	return fields, nil
}

func (t *fakeTools) ExecTool(_ context.Context, name string, params map[string]any) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, executedCall{name: name, params: params})
	t.mu.Unlock()
	if t.err != nil {
		return "", t.err
	}
	return t.output[name], nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// --- Transport doubles ---

// fakeTransport serves queued packages and records publishes. A set
// nextErr makes every subscription read fail.
type fakeTransport struct {
	mu        sync.Mutex
	queue     []*Package
	published []publishedMessage
	subErr    error
	nextErr   error
	nextCalls int
}

type publishedMessage struct {
	channel string
	payload []byte
}

func (t *fakeTransport) Subscribe(_ context.Context, _ string) (Subscription, error) {
	if t.subErr != nil {
		return nil, t.subErr
	}
	return &fakeSubscription{transport: t}, nil
}

func (t *fakeTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, publishedMessage{channel: channel, payload: payload})
	return nil
}

func (t *fakeTransport) publishedTo(channel string) []publishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []publishedMessage
	for _, p := range t.published {
		if p.channel == channel {
			out = append(out, p)
		}
	}
	return out
}

type fakeSubscription struct {
	transport *fakeTransport
}

func (s *fakeSubscription) Next(ctx context.Context, _ time.Duration) (*Package, error) {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.nextCalls++
	if s.transport.nextErr != nil {
		return nil, s.transport.nextErr
	}
	if len(s.transport.queue) == 0 {
		// Behaves like a poll timeout with nothing to read.
		return nil, nil
	}
	pkg := s.transport.queue[0]
	s.transport.queue = s.transport.queue[1:]
	return pkg, nil
}

func (s *fakeSubscription) Close() error { return nil }

func rawPackage(sender string, message any) *Package {
	raw, err := json.Marshal(message)
	if err != nil {
		panic(err)
	}
	return &Package{Time: time.Now().UTC(), Sender: sender, Message: raw}
}
