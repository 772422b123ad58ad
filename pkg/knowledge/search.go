package knowledge

import (
	"context"
	"sort"

	"github.com/discopilot/discopilot/pkg/store"
)

const (
	defaultCandidateLimit = 100
	defaultTopK           = 5
)

// Engine scores stored knowledge chunks against a query embedding with a
// manual cosine-similarity scan. The store has no native vector search, so
// the scan runs over a capped candidate window; this is a known scalability
// ceiling, acceptable while chunk volume stays under the cap.
type Engine struct {
	store          store.Store
	candidateLimit int
}

func NewEngine(st store.Store, candidateLimit int) *Engine {
	if candidateLimit <= 0 {
		candidateLimit = defaultCandidateLimit
	}
	return &Engine{store: st, candidateLimit: candidateLimit}
}

// Search returns at most topK chunks with similarity strictly greater than
// zero, ordered by descending similarity. Ties keep store iteration order.
func (e *Engine) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]store.KnowledgeChunk, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	if len(queryEmbedding) == 0 {
		return nil, nil
	}

	candidates, err := e.store.ListChunks(ctx, e.candidateLimit)
	if err != nil {
		return nil, err
	}

	type scoredChunk struct {
		chunk      store.KnowledgeChunk
		similarity float64
	}

	scored := make([]scoredChunk, 0, len(candidates))
	for _, chunk := range candidates {
		if len(chunk.Embedding) == 0 {
			continue
		}
		similarity := CosineSimilarity(queryEmbedding, chunk.Embedding)
		if similarity <= 0 {
			continue
		}
		scored = append(scored, scoredChunk{chunk: chunk, similarity: similarity})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].similarity > scored[j].similarity
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}

	chunks := make([]store.KnowledgeChunk, 0, len(scored))
	for _, s := range scored {
		chunks = append(chunks, s.chunk)
	}
	return chunks, nil
}
