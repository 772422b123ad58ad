package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent storage for config, knowledge
// chunks and conversation memory.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. Use one shared connection to avoid writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS agent_configs (
			id TEXT PRIMARY KEY,
			persona_instructions TEXT NOT NULL DEFAULT '',
			allowed_channels_json TEXT NOT NULL DEFAULT '[]',
			retrieval_enabled INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS agent_configs_created_idx ON agent_configs(created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_created_idx ON knowledge_chunks(created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_source_idx ON knowledge_chunks(source);`,
		`CREATE TABLE IF NOT EXISTS conversation_memory (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_memory_updated_idx ON conversation_memory(updated_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// --- agent config ---

func (s *SQLiteStore) LatestAgentConfig(ctx context.Context) (*AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, persona_instructions, allowed_channels_json, retrieval_enabled, created_at_ms, updated_at_ms
		FROM agent_configs ORDER BY created_at_ms DESC LIMIT 1`)
	cfg, err := scanAgentConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest agent config: %w", err)
	}
	return cfg, nil
}

// CreateAgentConfig always inserts a new record with a fresh ID, even when
// cfg was copied from an existing record. The newest record is the active
// configuration, so creation never collides with or mutates prior ones.
func (s *SQLiteStore) CreateAgentConfig(ctx context.Context, cfg AgentConfig) (*AgentConfig, error) {
	cfg.ID = uuid.NewString()
	now := nowMS()
	channels, err := json.Marshal(nonNil(cfg.AllowedChannelIDs))
	if err != nil {
		return nil, fmt.Errorf("marshal allowed channels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_configs (id, persona_instructions, allowed_channels_json, retrieval_enabled, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.PersonaInstructions, string(channels), boolToInt(cfg.RetrievalEnabled), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert agent config: %w", err)
	}
	cfg.CreatedAt = msToTime(now)
	cfg.UpdatedAt = msToTime(now)
	return &cfg, nil
}

func (s *SQLiteStore) UpdateAgentConfig(ctx context.Context, cfg AgentConfig) (*AgentConfig, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("agent config id is required")
	}
	now := nowMS()
	channels, err := json.Marshal(nonNil(cfg.AllowedChannelIDs))
	if err != nil {
		return nil, fmt.Errorf("marshal allowed channels: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_configs
		SET persona_instructions = ?, allowed_channels_json = ?, retrieval_enabled = ?, updated_at_ms = ?
		WHERE id = ?`,
		cfg.PersonaInstructions, string(channels), boolToInt(cfg.RetrievalEnabled), now, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("update agent config: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, fmt.Errorf("agent config %s not found", cfg.ID)
	}
	cfg.UpdatedAt = msToTime(now)
	return &cfg, nil
}

// --- knowledge chunks ---

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk insert: %w", err)
	}
	defer tx.Rollback()

	now := nowMS()
	for _, chunk := range chunks {
		id := chunk.ID
		if id == "" {
			id = uuid.NewString()
		}
		vec, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO knowledge_chunks (id, content, embedding_json, source, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, chunk.Content, string(vec), chunk.Source, now, now); err != nil {
			return fmt.Errorf("insert knowledge chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListChunks(ctx context.Context, limit int) ([]KnowledgeChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, embedding_json, source, created_at_ms, updated_at_ms
		FROM knowledge_chunks ORDER BY created_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var (
			chunk     KnowledgeChunk
			vecJSON   string
			createdMS int64
			updatedMS int64
		)
		if err := rows.Scan(&chunk.ID, &chunk.Content, &vecJSON, &chunk.Source, &createdMS, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan knowledge chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(vecJSON), &chunk.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding for chunk %s: %w", chunk.ID, err)
		}
		chunk.CreatedAt = msToTime(createdMS)
		chunk.UpdatedAt = msToTime(updatedMS)
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM knowledge_chunks ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("query knowledge sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("scan knowledge source: %w", err)
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

func (s *SQLiteStore) DeleteChunk(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete knowledge chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChunksBySource(ctx context.Context, source string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE source = ?`, source)
	if err != nil {
		return fmt.Errorf("delete knowledge chunks by source: %w", err)
	}
	return nil
}

// --- conversation memory ---

func (s *SQLiteStore) LatestMemory(ctx context.Context) (*ConversationMemory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, summary, created_at_ms, updated_at_ms
		FROM conversation_memory ORDER BY updated_at_ms DESC LIMIT 1`)

	var (
		mem       ConversationMemory
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&mem.ID, &mem.Summary, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest memory: %w", err)
	}
	mem.CreatedAt = msToTime(createdMS)
	mem.UpdatedAt = msToTime(updatedMS)
	return &mem, nil
}

func (s *SQLiteStore) CreateMemory(ctx context.Context, summary string) (*ConversationMemory, error) {
	now := nowMS()
	mem := ConversationMemory{
		ID:        uuid.NewString(),
		Summary:   summary,
		CreatedAt: msToTime(now),
		UpdatedAt: msToTime(now),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversation_memory (id, summary, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?)`, mem.ID, mem.Summary, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation memory: %w", err)
	}
	return &mem, nil
}

func (s *SQLiteStore) UpdateMemory(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversation_memory SET summary = ?, updated_at_ms = ? WHERE id = ?`,
		summary, nowMS(), id)
	if err != nil {
		return fmt.Errorf("update conversation memory: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation memory %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ResetMemory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_memory`); err != nil {
		return fmt.Errorf("reset conversation memory: %w", err)
	}
	_, err := s.CreateMemory(ctx, "")
	return err
}

// --- helpers ---

func scanAgentConfig(row *sql.Row) (*AgentConfig, error) {
	var (
		cfg          AgentConfig
		channelsJSON string
		retrieval    int
		createdMS    int64
		updatedMS    int64
	)
	if err := row.Scan(&cfg.ID, &cfg.PersonaInstructions, &channelsJSON, &retrieval, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(channelsJSON), &cfg.AllowedChannelIDs); err != nil {
		return nil, fmt.Errorf("unmarshal allowed channels: %w", err)
	}
	cfg.RetrievalEnabled = retrieval != 0
	cfg.CreatedAt = msToTime(createdMS)
	cfg.UpdatedAt = msToTime(updatedMS)
	return &cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
