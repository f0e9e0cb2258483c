// Package postgres implements the cell store interfaces on PostgreSQL with
// pgvector for native cosine similarity search. The chat lock maps to
// session-level advisory locks, so savers of the same chat serialize across
// every process sharing the database.
//
// The Store accepts an externally-owned *pgxpool.Pool; the caller closes it.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zimagi/cell"
)

// Option configures a Store.
type Option func(*pgConfig)

type pgConfig struct {
	embeddingDimension int // 0 = untyped vector column
}

// WithDimensions declares the embedding dimension, letting Init create a
// typed vector(N) column and an HNSW index over it.
func WithDimensions(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// Store implements cell.MessageStore, cell.VectorStore, cell.StateStore and
// cell.Locker backed by PostgreSQL + pgvector.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

var _ cell.MessageStore = (*Store)(nil)
var _ cell.VectorStore = (*Store)(nil)
var _ cell.StateStore = (*Store)(nil)
var _ cell.Locker = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE(user_id, key)
		)`,

		`CREATE TABLE IF NOT EXISTS dialogs (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			dialog_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages(chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_dialog_idx ON messages(dialog_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			dialog_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			section INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding %s
		)`, s.vectorType()),
		`CREATE INDEX IF NOT EXISTS memory_records_chat_idx ON memory_records(chat_id)`,

		`CREATE TABLE IF NOT EXISTS agent_state (
			agent TEXT NOT NULL,
			identity TEXT NOT NULL,
			state JSONB NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY(agent, identity)
		)`,
	}
	if s.cfg.embeddingDimension > 0 {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS memory_records_embedding_idx
			 ON memory_records USING hnsw (embedding vector_cosine_ops)`)
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// --- MessageStore ---

func (s *Store) GetOrCreateChat(ctx context.Context, userID, key string) (cell.Chat, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, user_id, key, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, key) DO NOTHING`,
		uuid.NewString(), userID, key, time.Now().UnixNano())
	if err != nil {
		return cell.Chat{}, fmt.Errorf("postgres: create chat: %w", err)
	}
	var chat cell.Chat
	err = s.pool.QueryRow(ctx,
		`SELECT id, user_id, key, created_at FROM chats WHERE user_id = $1 AND key = $2`,
		userID, key).Scan(&chat.ID, &chat.UserID, &chat.Key, &chat.CreatedAt)
	if err != nil {
		return cell.Chat{}, fmt.Errorf("postgres: get chat: %w", err)
	}
	return chat, nil
}

func (s *Store) LatestMessage(ctx context.Context, chatID string) (*cell.Message, error) {
	var m cell.Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, dialog_id, chat_id, role, content, created_at
		 FROM messages WHERE chat_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		chatID).Scan(&m.ID, &m.DialogID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: latest message: %w", err)
	}
	return &m, nil
}

func (s *Store) CreateDialog(ctx context.Context, chatID string) (cell.Dialog, error) {
	dialog := cell.Dialog{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		CreatedAt: time.Now().UnixNano(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dialogs (id, chat_id, created_at) VALUES ($1, $2, $3)`,
		dialog.ID, dialog.ChatID, dialog.CreatedAt)
	if err != nil {
		return cell.Dialog{}, fmt.Errorf("postgres: create dialog: %w", err)
	}
	return dialog, nil
}

func (s *Store) StoreMessage(ctx context.Context, msg cell.Message) (cell.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixNano()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, dialog_id, chat_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.DialogID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return cell.Message{}, fmt.Errorf("postgres: store message: %w", err)
	}
	return msg, nil
}

func (s *Store) DialogMessages(ctx context.Context, dialogID string) ([]cell.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, dialog_id, chat_id, role, content, created_at
		 FROM messages WHERE dialog_id = $1
		 ORDER BY created_at ASC`,
		dialogID)
	if err != nil {
		return nil, fmt.Errorf("postgres: dialog messages: %w", err)
	}
	defer rows.Close()

	var out []cell.Message
	for rows.Next() {
		var m cell.Message
		if err := rows.Scan(&m.ID, &m.DialogID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- VectorStore ---

func (s *Store) StoreRecords(ctx context.Context, records []cell.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO memory_records (id, chat_id, user_id, dialog_id, message_id, role, section, text, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector)`,
			r.ID, r.ChatID, r.UserID, r.DialogID, r.MessageID, r.Role, r.Section, r.Text, serializeEmbedding(r.Embedding))
		if err != nil {
			return fmt.Errorf("postgres: store record: %w", err)
		}
	}
	return tx.Commit(ctx)
}

var recordColumns = map[string]string{
	"chat_id":    "chat_id",
	"user_id":    "user_id",
	"dialog_id":  "dialog_id",
	"message_id": "message_id",
	"role":       "role",
}

// SearchRecords runs one index-backed query per embedding and merges the
// hits, keeping the best score per record.
func (s *Store) SearchRecords(ctx context.Context, embeddings [][]float32, q cell.SearchQuery) ([]cell.ScoredRecord, error) {
	best := map[string]cell.ScoredRecord{}
	for _, emb := range embeddings {
		hits, err := s.searchOne(ctx, emb, q)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if prev, ok := best[hit.ID]; !ok || hit.Score > prev.Score {
				best[hit.ID] = hit
			}
		}
	}
	out := make([]cell.ScoredRecord, 0, len(best))
	for _, hit := range best {
		out = append(out, hit)
	}
	sortScored(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) searchOne(ctx context.Context, embedding []float32, q cell.SearchQuery) ([]cell.ScoredRecord, error) {
	query := `SELECT id, chat_id, user_id, dialog_id, message_id, role, section, text,
	                 1 - (embedding <=> $1::vector) AS score
	          FROM memory_records`
	args := []any{serializeEmbedding(embedding)}
	if q.FilterField != "" && len(q.FilterValues) > 0 {
		column, ok := recordColumns[q.FilterField]
		if !ok {
			return nil, fmt.Errorf("postgres: unknown filter field %q", q.FilterField)
		}
		query += fmt.Sprintf(" WHERE %s = ANY($2)", column)
		args = append(args, q.FilterValues)
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT %d", max(q.Limit, 1))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search records: %w", err)
	}
	defer rows.Close()

	var out []cell.ScoredRecord
	for rows.Next() {
		var r cell.ScoredRecord
		if err := rows.Scan(&r.ID, &r.ChatID, &r.UserID, &r.DialogID, &r.MessageID, &r.Role, &r.Section, &r.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		if r.Score < q.MinScore {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- StateStore ---

func (s *Store) LoadState(ctx context.Context, scope cell.StateScope) (map[string]json.RawMessage, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM agent_state WHERE agent = $1 AND identity = $2`,
		scope.Agent, scope.Identity).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load state: %w", err)
	}
	state := map[string]json.RawMessage{}
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("postgres: decode state: %w", err)
	}
	return state, nil
}

func (s *Store) SaveState(ctx context.Context, scope cell.StateScope, state map[string]json.RawMessage) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: encode state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_state (agent, identity, state, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (agent, identity) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		scope.Agent, scope.Identity, blob, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("postgres: save state: %w", err)
	}
	return nil
}

// --- Locker ---

// Lock takes a session-level advisory lock keyed by the name's hash. The
// backing connection is pinned until unlock so the lock survives pool
// recycling.
func (s *Store) Lock(ctx context.Context, name string) (cell.UnlockFunc, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire conn: %w", err)
	}
	key := lockKey(name)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: advisory lock %s: %w", name, err)
	}
	return func() error {
		defer conn.Release()
		_, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		if err != nil {
			return fmt.Errorf("postgres: advisory unlock %s: %w", name, err)
		}
		return nil
	}, nil
}

// lockKey maps a lock name onto the advisory-lock keyspace.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func sortScored(records []cell.ScoredRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].ID < records[j].ID
	})
}
