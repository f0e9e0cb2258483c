// Package sqlite implements the cell store interfaces using pure-Go SQLite
// with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zimagi/cell"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Lease and polling parameters for the lock table.
const (
	lockTTL      = 30 * time.Second
	lockPollBase = 50 * time.Millisecond
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cell.MessageStore, cell.VectorStore, cell.StateStore and
// cell.Locker backed by a local SQLite file. Embeddings are stored as JSON
// text and vector search runs in-process using cosine similarity. The lock
// table gives chat-level leases that serialize writers sharing the file.
type Store struct {
	db     *sql.DB
	holder string
	logger *slog.Logger
}

var _ cell.MessageStore = (*Store)(nil)
var _ cell.VectorStore = (*Store)(nil)
var _ cell.StateStore = (*Store)(nil)
var _ cell.Locker = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection so all goroutines serialize through one
// connection, eliminating SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, holder: uuid.NewString(), logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS dialogs (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			dialog_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages(chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_dialog_idx ON messages(dialog_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			dialog_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			section INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS memory_records_chat_idx ON memory_records(chat_id)`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			agent TEXT NOT NULL,
			identity TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(agent, identity)
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.logger.Debug("sqlite: schema ready")
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- MessageStore ---

// GetOrCreateChat returns the chat for (userID, key), creating it on first
// reference.
func (s *Store) GetOrCreateChat(ctx context.Context, userID, key string) (cell.Chat, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, key, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO NOTHING`,
		uuid.NewString(), userID, key, time.Now().UnixNano())
	if err != nil {
		return cell.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	var chat cell.Chat
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, key, created_at FROM chats WHERE user_id = ? AND key = ?`,
		userID, key).Scan(&chat.ID, &chat.UserID, &chat.Key, &chat.CreatedAt)
	if err != nil {
		return cell.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

// LatestMessage returns the most recent message of a chat, or nil when the
// chat has none.
func (s *Store) LatestMessage(ctx context.Context, chatID string) (*cell.Message, error) {
	var m cell.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dialog_id, chat_id, role, content, created_at
		 FROM messages WHERE chat_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		chatID).Scan(&m.ID, &m.DialogID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return &m, nil
}

// CreateDialog opens a new dialog in the chat.
func (s *Store) CreateDialog(ctx context.Context, chatID string) (cell.Dialog, error) {
	dialog := cell.Dialog{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		CreatedAt: time.Now().UnixNano(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialogs (id, chat_id, created_at) VALUES (?, ?, ?)`,
		dialog.ID, dialog.ChatID, dialog.CreatedAt)
	if err != nil {
		return cell.Dialog{}, fmt.Errorf("create dialog: %w", err)
	}
	return dialog, nil
}

// StoreMessage persists a message, assigning its id and timestamp.
func (s *Store) StoreMessage(ctx context.Context, msg cell.Message) (cell.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, dialog_id, chat_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.DialogID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return cell.Message{}, fmt.Errorf("store message: %w", err)
	}
	s.logger.Debug("sqlite: message stored", "id", msg.ID, "dialog", msg.DialogID, "role", msg.Role)
	return msg, nil
}

// DialogMessages returns all messages of a dialog in chronological order.
func (s *Store) DialogMessages(ctx context.Context, dialogID string) ([]cell.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dialog_id, chat_id, role, content, created_at
		 FROM messages WHERE dialog_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		dialogID)
	if err != nil {
		return nil, fmt.Errorf("dialog messages: %w", err)
	}
	defer rows.Close()

	var out []cell.Message
	for rows.Next() {
		var m cell.Message
		if err := rows.Scan(&m.ID, &m.DialogID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- VectorStore ---

// StoreRecords writes memory records with their embeddings.
func (s *Store) StoreRecords(ctx context.Context, records []cell.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		emb, err := json.Marshal(r.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_records (id, chat_id, user_id, dialog_id, message_id, role, section, text, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ChatID, r.UserID, r.DialogID, r.MessageID, r.Role, r.Section, r.Text, string(emb))
		if err != nil {
			return fmt.Errorf("store record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	s.logger.Debug("sqlite: records stored", "count", len(records))
	return nil
}

// recordColumns maps the filterable payload fields to columns. Anything
// outside this map is rejected rather than interpolated into SQL.
var recordColumns = map[string]string{
	"chat_id":    "chat_id",
	"user_id":    "user_id",
	"dialog_id":  "dialog_id",
	"message_id": "message_id",
	"role":       "role",
}

// SearchRecords scans the candidate records and scores each against the
// best-matching query embedding.
func (s *Store) SearchRecords(ctx context.Context, embeddings [][]float32, q cell.SearchQuery) ([]cell.ScoredRecord, error) {
	start := time.Now()

	query := `SELECT id, chat_id, user_id, dialog_id, message_id, role, section, text, embedding FROM memory_records`
	var args []any
	if q.FilterField != "" && len(q.FilterValues) > 0 {
		column, ok := recordColumns[q.FilterField]
		if !ok {
			return nil, fmt.Errorf("unknown filter field %q", q.FilterField)
		}
		query += fmt.Sprintf(" WHERE %s IN (?%s)", column, strings.Repeat(", ?", len(q.FilterValues)-1))
		for _, v := range q.FilterValues {
			args = append(args, v)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var results []cell.ScoredRecord
	scanned := 0
	for rows.Next() {
		var r cell.MemoryRecord
		var embJSON string
		if err := rows.Scan(&r.ID, &r.ChatID, &r.UserID, &r.DialogID, &r.MessageID, &r.Role, &r.Section, &r.Text, &embJSON); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		scanned++
		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			continue
		}
		score := float32(0)
		for _, emb := range embeddings {
			if s := cosineSimilarity(emb, stored); s > score {
				score = s
			}
		}
		if score < q.MinScore {
			continue
		}
		results = append(results, cell.ScoredRecord{MemoryRecord: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	s.logger.Debug("sqlite: search records ok",
		"scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// --- StateStore ---

// LoadState returns the persisted state blob for the scope, or an empty
// map when none exists.
func (s *Store) LoadState(ctx context.Context, scope cell.StateScope) (map[string]json.RawMessage, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM agent_state WHERE agent = ? AND identity = ?`,
		scope.Agent, scope.Identity).Scan(&blob)
	if err == sql.ErrNoRows {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	state := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// SaveState rewrites the entire state blob for the scope.
func (s *Store) SaveState(ctx context.Context, scope cell.StateScope, state map[string]json.RawMessage) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_state (agent, identity, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent, identity) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		scope.Agent, scope.Identity, string(blob), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// --- Locker ---

// Lock acquires a named lease in the locks table, polling until the lock
// is free or ctx is done. Leases expire after 30s so a crashed holder
// cannot wedge its chat.
func (s *Store) Lock(ctx context.Context, name string) (cell.UnlockFunc, error) {
	for {
		acquired, err := s.tryLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if acquired {
			return func() error { return s.unlock(name) }, nil
		}
		wait := lockPollBase + rand.N(lockPollBase)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Store) tryLock(ctx context.Context, name string) (bool, error) {
	now := time.Now().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND expires_at < ?`, name, now); err != nil {
		return false, fmt.Errorf("expire lock: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, s.holder, time.Now().Add(lockTTL).UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) unlock(name string) error {
	_, err := s.db.Exec(`DELETE FROM locks WHERE name = ? AND holder = ?`, name, s.holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty or the dimensions differ.
func cosineSimilarity(a, b []float32) float32 {
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
