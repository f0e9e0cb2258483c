package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/zimagi/cell"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "cell.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestGetOrCreateChatIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateChat(ctx, "alice", "support")
	if err != nil {
		t.Fatalf("GetOrCreateChat: %v", err)
	}
	if first.ID == "" || first.UserID != "alice" || first.Key != "support" {
		t.Fatalf("unexpected chat: %+v", first)
	}

	second, err := s.GetOrCreateChat(ctx, "alice", "support")
	if err != nil {
		t.Fatalf("GetOrCreateChat again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("same (user, key) produced two chats: %q vs %q", first.ID, second.ID)
	}

	other, err := s.GetOrCreateChat(ctx, "alice", "billing")
	if err != nil {
		t.Fatalf("GetOrCreateChat other key: %v", err)
	}
	if other.ID == first.ID {
		t.Error("distinct keys shared a chat id")
	}
}

func TestLatestMessageOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat, err := s.GetOrCreateChat(ctx, "alice", "support")
	if err != nil {
		t.Fatalf("GetOrCreateChat: %v", err)
	}

	latest, err := s.LatestMessage(ctx, chat.ID)
	if err != nil {
		t.Fatalf("LatestMessage: %v", err)
	}
	if latest != nil {
		t.Fatalf("empty chat returned a message: %+v", latest)
	}

	dialog, err := s.CreateDialog(ctx, chat.ID)
	if err != nil {
		t.Fatalf("CreateDialog: %v", err)
	}
	base := time.Now().UnixNano()
	for i, content := range []string{"hello", "hi there", "thanks"} {
		_, err := s.StoreMessage(ctx, cell.Message{
			DialogID:  dialog.ID,
			ChatID:    chat.ID,
			Role:      cell.RoleUser,
			Content:   content,
			CreatedAt: base + int64(i),
		})
		if err != nil {
			t.Fatalf("StoreMessage %d: %v", i, err)
		}
	}

	latest, err = s.LatestMessage(ctx, chat.ID)
	if err != nil {
		t.Fatalf("LatestMessage: %v", err)
	}
	if latest == nil || latest.Content != "thanks" {
		t.Fatalf("latest = %+v, want content %q", latest, "thanks")
	}
}

func TestStoreMessageAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat, _ := s.GetOrCreateChat(ctx, "alice", "support")
	dialog, _ := s.CreateDialog(ctx, chat.ID)

	msg, err := s.StoreMessage(ctx, cell.Message{
		DialogID: dialog.ID,
		ChatID:   chat.ID,
		Role:     cell.RoleAssistant,
		Content:  "on it",
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if msg.ID == "" {
		t.Error("message id not assigned")
	}
	if msg.CreatedAt == 0 {
		t.Error("message timestamp not assigned")
	}
}

func TestDialogMessagesChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat, _ := s.GetOrCreateChat(ctx, "alice", "support")
	first, _ := s.CreateDialog(ctx, chat.ID)
	second, _ := s.CreateDialog(ctx, chat.ID)

	base := time.Now().UnixNano()
	turns := []struct {
		dialog  cell.Dialog
		role    string
		content string
	}{
		{first, cell.RoleUser, "where is my order"},
		{first, cell.RoleAssistant, "checking now"},
		{second, cell.RoleUser, "any update"},
	}
	for i, turn := range turns {
		_, err := s.StoreMessage(ctx, cell.Message{
			DialogID:  turn.dialog.ID,
			ChatID:    chat.ID,
			Role:      turn.role,
			Content:   turn.content,
			CreatedAt: base + int64(i),
		})
		if err != nil {
			t.Fatalf("StoreMessage %d: %v", i, err)
		}
	}

	msgs, err := s.DialogMessages(ctx, first.ID)
	if err != nil {
		t.Fatalf("DialogMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "where is my order" || msgs[1].Content != "checking now" {
		t.Errorf("messages out of order: %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestSearchRecordsRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []cell.MemoryRecord{
		{ID: "r1", ChatID: "c1", UserID: "alice", DialogID: "d1", MessageID: "m1",
			Role: cell.RoleUser, Text: "exact match", Embedding: []float32{1, 0, 0}},
		{ID: "r2", ChatID: "c1", UserID: "alice", DialogID: "d1", MessageID: "m2",
			Role: cell.RoleUser, Text: "close match", Embedding: []float32{1, 1, 0}},
		{ID: "r3", ChatID: "c1", UserID: "alice", DialogID: "d2", MessageID: "m3",
			Role: cell.RoleUser, Text: "orthogonal", Embedding: []float32{0, 0, 1}},
		{ID: "r4", ChatID: "c2", UserID: "bob", DialogID: "d3", MessageID: "m4",
			Role: cell.RoleUser, Text: "other chat", Embedding: []float32{1, 0, 0}},
	}
	if err := s.StoreRecords(ctx, records); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}

	hits, err := s.SearchRecords(ctx, [][]float32{{1, 0, 0}}, cell.SearchQuery{
		FilterField:  "chat_id",
		FilterValues: []string{"c1"},
		MinScore:     0.5,
	})
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	if hits[0].ID != "r1" || hits[1].ID != "r2" {
		t.Errorf("hit order = %q, %q, want r1, r2", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("exact match scored %v, want ~1", hits[0].Score)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v, %v", hits[0].Score, hits[1].Score)
	}
}

func TestSearchRecordsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []cell.MemoryRecord{
		{ID: "r1", ChatID: "c1", Text: "a", Embedding: []float32{1, 0}},
		{ID: "r2", ChatID: "c1", Text: "b", Embedding: []float32{1, 0.1}},
		{ID: "r3", ChatID: "c1", Text: "c", Embedding: []float32{1, 0.2}},
	}
	if err := s.StoreRecords(ctx, records); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}

	hits, err := s.SearchRecords(ctx, [][]float32{{1, 0}}, cell.SearchQuery{Limit: 2})
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "r1" {
		t.Errorf("top hit = %q, want r1", hits[0].ID)
	}
}

func TestSearchRecordsBestQueryWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []cell.MemoryRecord{
		{ID: "r1", ChatID: "c1", Text: "a", Embedding: []float32{1, 0}},
	}
	if err := s.StoreRecords(ctx, records); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}

	// The second query embedding matches perfectly; its score must win.
	hits, err := s.SearchRecords(ctx, [][]float32{{0, 1}, {1, 0}}, cell.SearchQuery{})
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Score < 0.999 {
		t.Errorf("score = %v, want ~1", hits[0].Score)
	}
}

func TestSearchRecordsRejectsUnknownFilterField(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SearchRecords(context.Background(), [][]float32{{1}}, cell.SearchQuery{
		FilterField:  "text; DROP TABLE memory_records",
		FilterValues: []string{"x"},
	})
	if err == nil {
		t.Fatal("unknown filter field accepted")
	}
}

func TestStateRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := cell.StateScope{Agent: "cell", Identity: "alice"}

	state, err := s.LoadState(ctx, scope)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("fresh scope not empty: %v", state)
	}

	want := map[string]json.RawMessage{
		"last_sensor": json.RawMessage(`"chat"`),
		"count":       json.RawMessage(`3`),
	}
	if err := s.SaveState(ctx, scope, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.LoadState(ctx, scope)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if string(got["last_sensor"]) != `"chat"` || string(got["count"]) != `3` {
		t.Errorf("state = %v, want %v", got, want)
	}

	// Saving again replaces the whole blob.
	if err := s.SaveState(ctx, scope, map[string]json.RawMessage{"count": json.RawMessage(`4`)}); err != nil {
		t.Fatalf("SaveState replace: %v", err)
	}
	got, err = s.LoadState(ctx, scope)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if _, ok := got["last_sensor"]; ok {
		t.Error("replaced blob kept stale key")
	}
	if string(got["count"]) != `4` {
		t.Errorf("count = %s, want 4", got["count"])
	}

	other, err := s.LoadState(ctx, cell.StateScope{Agent: "cell", Identity: "bob"})
	if err != nil {
		t.Fatalf("LoadState other scope: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("scope leak: %v", other)
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unlock, err := s.Lock(ctx, "memory:c1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// A second acquire cannot take the lease while it is held.
	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(blocked, "memory:c1"); err != blocked.Err() {
		t.Fatalf("second Lock err = %v, want %v", err, blocked.Err())
	}

	// A different name is independent.
	unlockOther, err := s.Lock(ctx, "memory:c2")
	if err != nil {
		t.Fatalf("Lock other name: %v", err)
	}
	if err := unlockOther(); err != nil {
		t.Fatalf("unlock other name: %v", err)
	}

	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	retry, err := s.Lock(ctx, "memory:c1")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	if err := retry(); err != nil {
		t.Fatalf("unlock after release: %v", err)
	}
}
