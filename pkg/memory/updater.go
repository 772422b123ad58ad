package memory

import (
	"context"
	"fmt"

	"github.com/discopilot/discopilot/pkg/store"
)

const DefaultMaxSummaryLength = 2000

// Updater maintains the rolling conversation summary. Despite the name this
// is lossy compaction, not LLM summarization: when the combined text exceeds
// the cap, the oldest content is dropped first.
type Updater struct {
	store     store.Store
	maxLength int
}

func NewUpdater(st store.Store, maxLength int) *Updater {
	if maxLength <= 0 {
		maxLength = DefaultMaxSummaryLength
	}
	return &Updater{store: st, maxLength: maxLength}
}

// Update appends the latest exchange to currentSummary and persists the
// result, updating the existing memory record in place or creating one.
func (u *Updater) Update(ctx context.Context, userText, botText, currentSummary string) error {
	summary := appendExchange(currentSummary, userText, botText, u.maxLength)

	existing, err := u.store.LatestMemory(ctx)
	if err != nil {
		return fmt.Errorf("load current memory: %w", err)
	}
	if existing != nil {
		if err := u.store.UpdateMemory(ctx, existing.ID, summary); err != nil {
			return fmt.Errorf("persist memory update: %w", err)
		}
		return nil
	}
	if _, err := u.store.CreateMemory(ctx, summary); err != nil {
		return fmt.Errorf("create memory record: %w", err)
	}
	return nil
}

// appendExchange formats the new exchange, joins it to the existing summary
// and truncates to the trailing maxLength characters.
func appendExchange(currentSummary, userText, botText string, maxLength int) string {
	exchange := fmt.Sprintf("User: %s\nBot: %s", userText, botText)

	combined := exchange
	if currentSummary != "" {
		combined = currentSummary + "\n\n" + exchange
	}

	if len(combined) > maxLength {
		combined = combined[len(combined)-maxLength:]
	}
	return combined
}
