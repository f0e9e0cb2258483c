package cell

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Default retrieval parameters.
const (
	defaultSearchLimit    = 20
	defaultSearchMinScore = 0.5
)

// Experience is the ephemeral aggregation of one retrieval query: vector
// hits grouped by dialog, scored by the best hit in each. Never persisted.
type Experience map[string]*DialogExperience

// DialogExperience collects the hits of a single dialog.
type DialogExperience struct {
	// Score is the maximum relevance score across the dialog's hits.
	Score float32
	// MessageScores holds the best score seen per member message.
	MessageScores map[string]float32
	// MessageIDs lists the member messages in hit order.
	MessageIDs []string
}

// aggregate folds vector hits into an Experience.
func aggregate(hits []ScoredRecord) Experience {
	exp := Experience{}
	for _, hit := range hits {
		d, ok := exp[hit.DialogID]
		if !ok {
			d = &DialogExperience{MessageScores: map[string]float32{}}
			exp[hit.DialogID] = d
		}
		if hit.Score > d.Score {
			d.Score = hit.Score
		}
		if prev, seen := d.MessageScores[hit.MessageID]; !seen || hit.Score > prev {
			if !seen {
				d.MessageIDs = append(d.MessageIDs, hit.MessageID)
			}
			d.MessageScores[hit.MessageID] = hit.Score
		}
	}
	return exp
}

// rank returns dialog ids by descending score. Ties break on dialog id so
// the order is deterministic.
func (e Experience) rank() []string {
	ids := make([]string, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := e[ids[i]].Score, e[ids[j]].Score
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// MemoryManager buffers the current turn's messages and retrieves prior
// dialogs by vector similarity under a token budget. Buffered messages
// become durable only on Save, which runs under a named exclusive lock
// keyed by chat id so concurrent saves to the same chat serialize across
// processes. Encoder, search and store failures propagate to the caller;
// the manager never retries.
type MemoryManager struct {
	userID  string
	chatKey string

	messages MessageStore
	vectors  VectorStore
	splitter Splitter
	encoder  Encoder
	provider Provider
	locker   Locker
	logger   *slog.Logger

	searchLimit    int
	searchMinScore float32

	chat   *Chat
	buffer []ChatMessage
}

// MemoryOption configures a MemoryManager.
type MemoryOption func(*MemoryManager)

// WithSearchLimit caps the number of vector hits per retrieval. Default 20.
func WithSearchLimit(n int) MemoryOption {
	return func(m *MemoryManager) { m.searchLimit = n }
}

// WithSearchMinScore drops hits scoring below the threshold. Default 0.5.
func WithSearchMinScore(score float32) MemoryOption {
	return func(m *MemoryManager) { m.searchMinScore = score }
}

// WithMemoryLogger sets a structured logger for memory operations.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *MemoryManager) { m.logger = l }
}

// NewMemoryManager creates a MemoryManager for the chat identified by
// (userID, chatKey). The chat record itself is created on first use.
func NewMemoryManager(userID, chatKey string, messages MessageStore, vectors VectorStore,
	splitter Splitter, encoder Encoder, provider Provider, locker Locker, opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		userID:         userID,
		chatKey:        chatKey,
		messages:       messages,
		vectors:        vectors,
		splitter:       splitter,
		encoder:        encoder,
		provider:       provider,
		locker:         locker,
		logger:         nopLogger,
		searchLimit:    defaultSearchLimit,
		searchMinScore: defaultSearchMinScore,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add buffers messages for the current turn. They are not durable until
// Save.
func (m *MemoryManager) Add(msgs ...ChatMessage) {
	m.buffer = append(m.buffer, msgs...)
}

// Buffered returns a copy of the not-yet-persisted turn messages.
func (m *MemoryManager) Buffered() []ChatMessage {
	out := make([]ChatMessage, len(m.buffer))
	copy(out, m.buffer)
	return out
}

// Load retrieves prior dialogs relevant to text within availableTokens.
//
// The query text is split into sections, embedded, and searched against
// this chat's memory records. Hits aggregate into an Experience scored per
// dialog. The token cost of the buffered new messages is subtracted from
// availableTokens to obtain the history budget; whole dialogs are then
// admitted in descending score order until the first dialog that does not
// fit, which stops admission outright. Lower-scored dialogs are never
// admitted in its place: relevance order wins over knapsack packing.
//
// The result is the admitted dialogs' messages, chronological within each
// dialog, concatenated in admission order, followed by the buffered new
// messages.
func (m *MemoryManager) Load(ctx context.Context, text string, availableTokens int) ([]ChatMessage, error) {
	chat, err := m.ensureChat(ctx)
	if err != nil {
		return nil, err
	}

	exp, err := m.search(ctx, chat, text)
	if err != nil {
		return nil, err
	}

	budget := availableTokens
	if len(m.buffer) > 0 {
		cost, err := m.provider.TokenCount(ctx, m.buffer)
		if err != nil {
			return nil, fmt.Errorf("count buffered tokens: %w", err)
		}
		budget -= cost
	}

	var history []ChatMessage
	used := 0
	admitted := 0
	for _, dialogID := range exp.rank() {
		msgs, err := m.messages.DialogMessages(ctx, dialogID)
		if err != nil {
			return nil, fmt.Errorf("load dialog %s: %w", dialogID, err)
		}
		turns := make([]ChatMessage, 0, len(msgs))
		for _, msg := range msgs {
			turns = append(turns, ChatMessage{Role: msg.Role, Content: msg.Content})
		}
		cost, err := m.provider.TokenCount(ctx, turns)
		if err != nil {
			return nil, fmt.Errorf("count dialog tokens: %w", err)
		}
		if used+cost > budget {
			break
		}
		history = append(history, turns...)
		used += cost
		admitted++
	}
	m.logger.Debug("memory loaded",
		"chat", chat.ID, "dialogs", admitted, "history_tokens", used, "budget", budget)

	return append(history, m.buffer...), nil
}

// Save persists the buffered messages: each is assigned to a dialog by the
// turn-boundary rule, stored, re-split and re-embedded, and one memory
// record per section is written. The whole operation holds the chat's named
// lock, and the buffer is cleared only on success. A no-op when the buffer
// is empty.
func (m *MemoryManager) Save(ctx context.Context) error {
	if len(m.buffer) == 0 {
		return nil
	}
	chat, err := m.ensureChat(ctx)
	if err != nil {
		return err
	}

	unlock, err := m.locker.Lock(ctx, "memory:"+chat.ID)
	if err != nil {
		return fmt.Errorf("lock chat %s: %w", chat.ID, err)
	}
	defer unlock()

	latest, err := m.messages.LatestMessage(ctx, chat.ID)
	if err != nil {
		return fmt.Errorf("latest message of chat %s: %w", chat.ID, err)
	}

	for _, turn := range m.buffer {
		dialogID, err := m.resolveDialog(ctx, chat, latest, turn.Role)
		if err != nil {
			return err
		}
		stored, err := m.messages.StoreMessage(ctx, Message{
			DialogID: dialogID,
			ChatID:   chat.ID,
			Role:     turn.Role,
			Content:  turn.Content,
		})
		if err != nil {
			return fmt.Errorf("store message: %w", err)
		}
		if err := m.index(ctx, chat, stored); err != nil {
			return err
		}
		latest = &stored
	}

	m.logger.Debug("memory saved", "chat", chat.ID, "messages", len(m.buffer))
	m.buffer = nil
	return nil
}

// resolveDialog applies the turn-boundary rule: a new dialog opens when a
// user message follows an assistant message (or the chat is empty);
// otherwise the message joins the open dialog.
func (m *MemoryManager) resolveDialog(ctx context.Context, chat Chat, latest *Message, role string) (string, error) {
	if latest != nil && !(role == RoleUser && latest.Role == RoleAssistant) {
		return latest.DialogID, nil
	}
	dialog, err := m.messages.CreateDialog(ctx, chat.ID)
	if err != nil {
		return "", fmt.Errorf("create dialog: %w", err)
	}
	return dialog.ID, nil
}

// index splits a stored message into sections, embeds them, and writes one
// memory record per section.
func (m *MemoryManager) index(ctx context.Context, chat Chat, msg Message) error {
	sections := m.splitter.Split(msg.Content)
	if len(sections) == 0 {
		return nil
	}
	embeddings, err := m.encoder.Embed(ctx, sections)
	if err != nil {
		return fmt.Errorf("embed message %s: %w", msg.ID, err)
	}
	records := make([]MemoryRecord, 0, len(sections))
	for i, section := range sections {
		records = append(records, MemoryRecord{
			ChatID:    chat.ID,
			UserID:    chat.UserID,
			DialogID:  msg.DialogID,
			MessageID: msg.ID,
			Role:      msg.Role,
			Section:   i,
			Text:      section,
			Embedding: embeddings[i],
		})
	}
	if err := m.vectors.StoreRecords(ctx, records); err != nil {
		return fmt.Errorf("store records for message %s: %w", msg.ID, err)
	}
	return nil
}

// search embeds the query sections and aggregates the chat-scoped hits.
func (m *MemoryManager) search(ctx context.Context, chat Chat, text string) (Experience, error) {
	sections := m.splitter.Split(text)
	if len(sections) == 0 {
		return Experience{}, nil
	}
	embeddings, err := m.encoder.Embed(ctx, sections)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := m.vectors.SearchRecords(ctx, embeddings, SearchQuery{
		Limit:        m.searchLimit,
		MinScore:     m.searchMinScore,
		FilterField:  "chat_id",
		FilterValues: []string{chat.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	return aggregate(hits), nil
}

// ensureChat resolves the chat record, creating it on first reference.
func (m *MemoryManager) ensureChat(ctx context.Context) (Chat, error) {
	if m.chat != nil {
		return *m.chat, nil
	}
	chat, err := m.messages.GetOrCreateChat(ctx, m.userID, m.chatKey)
	if err != nil {
		return Chat{}, fmt.Errorf("resolve chat %s/%s: %w", m.userID, m.chatKey, err)
	}
	m.chat = &chat
	return chat, nil
}
