package store

import (
	"context"
	"time"
)

// AgentConfig is the operator-managed bot configuration. The most recently
// created record is the active one; older records are tolerated but ignored.
type AgentConfig struct {
	ID                  string
	PersonaInstructions string
	AllowedChannelIDs   []string
	RetrievalEnabled    bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// KnowledgeChunk is one embedded slice of an ingested document.
type KnowledgeChunk struct {
	ID        string
	Content   string
	Embedding []float32
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationMemory holds the rolling summary. The most recently updated
// record is the current one.
type ConversationMemory struct {
	ID        string
	Summary   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence contract for configuration, knowledge and memory.
type Store interface {
	LatestAgentConfig(ctx context.Context) (*AgentConfig, error)
	CreateAgentConfig(ctx context.Context, cfg AgentConfig) (*AgentConfig, error)
	UpdateAgentConfig(ctx context.Context, cfg AgentConfig) (*AgentConfig, error)

	SaveChunks(ctx context.Context, chunks []KnowledgeChunk) error
	ListChunks(ctx context.Context, limit int) ([]KnowledgeChunk, error)
	ListSources(ctx context.Context) ([]string, error)
	DeleteChunk(ctx context.Context, id string) error
	DeleteChunksBySource(ctx context.Context, source string) error

	LatestMemory(ctx context.Context) (*ConversationMemory, error)
	CreateMemory(ctx context.Context, summary string) (*ConversationMemory, error)
	UpdateMemory(ctx context.Context, id, summary string) error
	ResetMemory(ctx context.Context) error

	Close() error
}
