package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/discopilot/discopilot/pkg/logger"
	"github.com/discopilot/discopilot/pkg/providers"
	"github.com/discopilot/discopilot/pkg/store"
)

// Ingester chunks documents, embeds every chunk and persists the results.
type Ingester struct {
	store    store.Store
	provider providers.Client
	size     int
	overlap  int
}

func NewIngester(st store.Store, provider providers.Client, size, overlap int) *Ingester {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	return &Ingester{store: st, provider: provider, size: size, overlap: overlap}
}

// Ingest splits text into chunks, embeds each one and stores them under
// source. An embedding failure aborts the whole ingestion: a partially
// embedded document would silently rank below fully embedded ones.
func (ing *Ingester) Ingest(ctx context.Context, source, text string) (int, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return 0, fmt.Errorf("knowledge source label is required")
	}

	parts := ChunkText(text, ing.size, ing.overlap)
	if len(parts) == 0 {
		return 0, fmt.Errorf("no content to ingest for source %q", source)
	}

	chunks := make([]store.KnowledgeChunk, 0, len(parts))
	for i, part := range parts {
		embedding, err := ing.provider.Embed(ctx, part)
		if err != nil {
			return 0, fmt.Errorf("embed chunk %d/%d of %q: %w", i+1, len(parts), source, err)
		}
		chunks = append(chunks, store.KnowledgeChunk{
			Content:   part,
			Embedding: embedding,
			Source:    source,
		})
	}

	if err := ing.store.SaveChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("save chunks for %q: %w", source, err)
	}

	logger.InfoCF("knowledge", "Ingested document", map[string]any{
		"source": source,
		"chunks": len(chunks),
	})
	return len(chunks), nil
}
