package cell

import (
	"context"
	"testing"
)

func seedDialog(t *testing.T, store *memMessages, chatID string, contents ...string) string {
	t.Helper()
	dialog, err := store.CreateDialog(context.Background(), chatID)
	if err != nil {
		t.Fatalf("CreateDialog: %v", err)
	}
	role := RoleUser
	for _, content := range contents {
		if _, err := store.StoreMessage(context.Background(), Message{
			DialogID: dialog.ID, ChatID: chatID, Role: role, Content: content,
		}); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
		if role == RoleUser {
			role = RoleAssistant
		} else {
			role = RoleUser
		}
	}
	return dialog.ID
}

func newTestMemory(store *memMessages, vectors *memVectors, locker Locker) *MemoryManager {
	if locker == nil {
		locker = NewMutexLocker()
	}
	return NewMemoryManager("alice", "support", store, vectors, wholeSplitter{},
		unitEncoder{}, &scriptProvider{}, locker)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemMessages()
	vectors := &cosineVectors{}
	encoder := cannedEncoder{vectors: map[string][]float32{
		"where is my order":   {1, 0, 0, 0},
		"it ships tomorrow":   {0.9, 0.1, 0, 0},
		"what is the weather": {0, 1, 0, 0},
		"sunny all week":      {0, 0.9, 0.1, 0},
	}}
	memory := NewMemoryManager("alice", "support", store, vectors, wholeSplitter{},
		encoder, &scriptProvider{tokensPerMessage: 1}, NewMutexLocker())

	// Two persisted dialogs on unrelated topics.
	memory.Add(ChatMessage{Role: RoleUser, Content: "where is my order"})
	memory.Add(ChatMessage{Role: RoleAssistant, Content: "it ships tomorrow"})
	if err := memory.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	memory.Add(ChatMessage{Role: RoleUser, Content: "what is the weather"})
	memory.Add(ChatMessage{Role: RoleAssistant, Content: "sunny all week"})
	if err := memory.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A new turn querying the first topic retrieves that dialog whole, in
	// chronological order, and not the unrelated one.
	memory.Add(ChatMessage{Role: RoleUser, Content: "where is my order"})
	msgs, err := memory.Load(ctx, "where is my order", 100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []ChatMessage{
		{Role: RoleUser, Content: "where is my order"},
		{Role: RoleAssistant, Content: "it ships tomorrow"},
		{Role: RoleUser, Content: "where is my order"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i].Role != want[i].Role || msgs[i].Content != want[i].Content {
			t.Errorf("message %d = %s %q, want %s %q",
				i, msgs[i].Role, msgs[i].Content, want[i].Role, want[i].Content)
		}
	}
	for _, m := range msgs {
		if m.Content == "sunny all week" || m.Content == "what is the weather" {
			t.Errorf("unrelated dialog admitted: %q", m.Content)
		}
	}
}

func TestAggregateScoresDialogByBestHit(t *testing.T) {
	exp := aggregate([]ScoredRecord{
		{MemoryRecord: MemoryRecord{DialogID: "d1", MessageID: "m1"}, Score: 0.6},
		{MemoryRecord: MemoryRecord{DialogID: "d1", MessageID: "m2"}, Score: 0.9},
		{MemoryRecord: MemoryRecord{DialogID: "d2", MessageID: "m3"}, Score: 0.7},
	})
	if got := exp["d1"].Score; got != 0.9 {
		t.Errorf("d1 score = %v, want 0.9", got)
	}
	if got := exp["d2"].Score; got != 0.7 {
		t.Errorf("d2 score = %v, want 0.7", got)
	}
	if len(exp["d1"].MessageIDs) != 2 {
		t.Errorf("d1 messages = %d, want 2", len(exp["d1"].MessageIDs))
	}
}

func TestRankOrdersByScoreThenID(t *testing.T) {
	exp := Experience{
		"db": {Score: 0.5},
		"da": {Score: 0.5},
		"dc": {Score: 0.8},
	}
	got := exp.rank()
	want := []string{"dc", "da", "db"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank = %v, want %v", got, want)
		}
	}
}

func TestLoadStopsAtFirstDialogOverBudget(t *testing.T) {
	ctx := context.Background()
	store := newMemMessages()
	vectors := &memVectors{}
	mem := newTestMemory(store, vectors, nil)

	chat, err := store.GetOrCreateChat(ctx, "alice", "support")
	if err != nil {
		t.Fatal(err)
	}
	// Token cost is 5 per message: d1 costs 10, d2 costs 20, d3 costs 5.
	d1 := seedDialog(t, store, chat.ID, "how do I reset?", "press the button")
	d2 := seedDialog(t, store, chat.ID, "a", "b", "c", "d")
	d3 := seedDialog(t, store, chat.ID, "short")

	vectors.hits = []ScoredRecord{
		{MemoryRecord: MemoryRecord{DialogID: d1, MessageID: "m1"}, Score: 0.9},
		{MemoryRecord: MemoryRecord{DialogID: d2, MessageID: "m3"}, Score: 0.8},
		{MemoryRecord: MemoryRecord{DialogID: d3, MessageID: "m7"}, Score: 0.7},
	}

	mem.Add(UserMessage("new question"))

	// Buffer costs 5, so the history budget is 25. d1 fits (10), d2 does
	// not (10+20 > 25) and admission halts: d3 is never considered even
	// though it would fit.
	messages, err := mem.Load(ctx, "reset", 30)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3 (2 history + 1 buffered)", len(messages))
	}
	if messages[0].Content != "how do I reset?" || messages[1].Content != "press the button" {
		t.Errorf("history = %q, %q; want d1's messages", messages[0].Content, messages[1].Content)
	}
	if messages[2].Content != "new question" {
		t.Errorf("last message = %q, want the buffered turn", messages[2].Content)
	}
}

func TestLoadScopesSearchToChat(t *testing.T) {
	ctx := context.Background()
	store := newMemMessages()
	vectors := &memVectors{}
	mem := newTestMemory(store, vectors, nil)

	if _, err := mem.Load(ctx, "anything", 100); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(vectors.queries) != 1 {
		t.Fatalf("got %d search queries, want 1", len(vectors.queries))
	}
	q := vectors.queries[0]
	if q.FilterField != "chat_id" || len(q.FilterValues) != 1 {
		t.Errorf("search not chat-scoped: %+v", q)
	}
}

func TestSaveOpensDialogOnUserAfterAssistant(t *testing.T) {
	ctx := context.Background()
	store := newMemMessages()
	mem := newTestMemory(store, &memVectors{}, nil)

	mem.Add(
		UserMessage("first question"),
		AssistantMessage("first answer"),
		UserMessage("second question"),
		AssistantMessage("second answer"),
	)
	if err := mem.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if len(store.dialogs) != 2 {
		t.Fatalf("got %d dialogs, want 2", len(store.dialogs))
	}
	first, second := store.dialogs[0].ID, store.dialogs[1].ID
	wantDialogs := []string{first, first, second, second}
	for i, m := range store.messages {
		if m.DialogID != wantDialogs[i] {
			t.Errorf("message %d in dialog %s, want %s", i, m.DialogID, wantDialogs[i])
		}
	}
}

func TestSaveJoinsOpenDialogAcrossTurns(t *testing.T) {
	ctx := context.Background()
	store := newMemMessages()
	mem := newTestMemory(store, &memVectors{}, nil)

	// A user message following a user message stays in the open dialog.
	mem.Add(UserMessage("part one"), UserMessage("part two"), AssistantMessage("answer"))
	if err := mem.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(store.dialogs) != 1 {
		t.Fatalf("got %d dialogs, want 1", len(store.dialogs))
	}

	// A later user turn after the assistant's reply opens a new dialog.
	mem.Add(UserMessage("new topic"))
	if err := mem.Save(ctx); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if len(store.dialogs) != 2 {
		t.Fatalf("got %d dialogs after second save, want 2", len(store.dialogs))
	}
}

func TestSaveIndexesEverySection(t *testing.T) {
	ctx := context.Background()
	store := newMemMessages()
	vectors := &memVectors{}
	mem := newTestMemory(store, vectors, nil)

	mem.Add(UserMessage("remember this"))
	if err := mem.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if len(vectors.stored) != 1 {
		t.Fatalf("got %d records, want 1", len(vectors.stored))
	}
	rec := vectors.stored[0]
	if rec.Text != "remember this" || rec.Role != RoleUser || rec.Section != 0 {
		t.Errorf("record = %+v", rec)
	}
	if rec.MessageID == "" || rec.DialogID == "" || rec.ChatID == "" {
		t.Errorf("record missing provenance: %+v", rec)
	}
}

func TestSaveHoldsChatLock(t *testing.T) {
	ctx := context.Background()
	store := newMemMessages()
	locker := newRecordingLocker()
	mem := newTestMemory(store, &memVectors{}, locker)

	mem.Add(UserMessage("hello"))
	if err := mem.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	chat, _ := store.GetOrCreateChat(ctx, "alice", "support")
	if len(locker.names) != 1 || locker.names[0] != "memory:"+chat.ID {
		t.Errorf("lock names = %v, want [memory:%s]", locker.names, chat.ID)
	}
}

func TestSaveEmptyBufferIsNoop(t *testing.T) {
	store := newMemMessages()
	locker := newRecordingLocker()
	mem := newTestMemory(store, &memVectors{}, locker)

	if err := mem.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(locker.names) != 0 {
		t.Errorf("empty save acquired a lock: %v", locker.names)
	}
	if len(store.messages) != 0 {
		t.Errorf("empty save stored messages: %v", store.messages)
	}
}

func TestSaveClearsBufferOnSuccess(t *testing.T) {
	mem := newTestMemory(newMemMessages(), &memVectors{}, nil)
	mem.Add(UserMessage("hello"), AssistantMessage("hi"))

	if err := mem.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := mem.Buffered(); len(got) != 0 {
		t.Errorf("buffer not cleared: %v", got)
	}
}

func TestBufferedReturnsCopy(t *testing.T) {
	mem := newTestMemory(newMemMessages(), &memVectors{}, nil)
	mem.Add(UserMessage("original"))

	got := mem.Buffered()
	got[0].Content = "mutated"
	if mem.Buffered()[0].Content != "original" {
		t.Error("Buffered exposed the internal buffer")
	}
}
