package agent

import (
	"context"
	"sync"
	"time"

	"github.com/discopilot/discopilot/pkg/bus"
	"github.com/discopilot/discopilot/pkg/logger"
	"github.com/discopilot/discopilot/pkg/memory"
	"github.com/discopilot/discopilot/pkg/providers"
	"github.com/discopilot/discopilot/pkg/store"
	"github.com/discopilot/discopilot/pkg/utils"
)

const (
	rateLimitReply = "I'm processing too many requests right now. Please try again in a moment."
	errorReply     = "Sorry, I encountered an error while processing your message. Please try again."

	// How many recent channel messages the reply-once guard inspects.
	historyScanLimit = 20

	memoryUpdateTimeout = 30 * time.Second
)

// Searcher ranks stored knowledge chunks against a query embedding.
type Searcher interface {
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]store.KnowledgeChunk, error)
}

// HistoryFetcher reads recent messages from a chat, newest first. Used by
// the reply-once guard; a nil fetcher disables the history scan.
type HistoryFetcher interface {
	FetchRecent(ctx context.Context, channel, chatID string, limit int) ([]bus.InboundMessage, error)
}

// TypingNotifier shows a typing indicator in a chat while a reply is being
// generated. Optional; a nil notifier disables it.
type TypingNotifier interface {
	NotifyTyping(channel, chatID string)
}

// Options configures a Dispatcher.
type Options struct {
	Bus      *bus.MessageBus
	Store    store.Store
	Provider providers.Client
	Search   Searcher
	Memory   *memory.Updater
	History  HistoryFetcher
	Typing   TypingNotifier

	TopK             int
	MaxMessageLength int
	RateLimitWindow  time.Duration
	RateLimitMax     int
	ConfigTTL        time.Duration
	DedupTTL         time.Duration
}

// Dispatcher is the pipeline orchestrator: it consumes inbound messages,
// decides admission, assembles the prompt, calls the completion provider and
// publishes the reply, then schedules a background memory update. All
// mutable pipeline state (config cache, rate limiter, dedup and reply
// guards) lives on the instance so tests can construct isolated dispatchers.
type Dispatcher struct {
	bus      *bus.MessageBus
	store    store.Store
	provider providers.Client
	search   Searcher
	memory   *memory.Updater
	history  HistoryFetcher
	typing   TypingNotifier

	configs   *ConfigCache
	limiter   *RateLimiter
	processed *ttlSet
	replied   *ttlSet

	topK             int
	maxMessageLength int

	background sync.WaitGroup
}

func NewDispatcher(opts Options) *Dispatcher {
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}
	maxLen := opts.MaxMessageLength
	if maxLen <= 0 {
		maxLen = 2000
	}

	return &Dispatcher{
		bus:              opts.Bus,
		store:            opts.Store,
		provider:         opts.Provider,
		search:           opts.Search,
		memory:           opts.Memory,
		history:          opts.History,
		typing:           opts.Typing,
		configs:          NewConfigCache(opts.Store, opts.ConfigTTL),
		limiter:          NewRateLimiter(opts.RateLimitWindow, opts.RateLimitMax),
		processed:        newTTLSet(opts.DedupTTL),
		replied:          newTTLSet(opts.DedupTTL),
		topK:             topK,
		maxMessageLength: maxLen,
	}
}

// Configs exposes the config cache so admin commands can invalidate it.
func (d *Dispatcher) Configs() *ConfigCache {
	return d.configs
}

// Run consumes inbound messages until ctx is cancelled or the bus closes.
// Each message is handled in its own goroutine; Run returns only after all
// in-flight handlers and background memory updates finish.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.InfoC("agent", "Dispatcher started")
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		d.background.Add(1)
		go func(m bus.InboundMessage) {
			defer d.background.Done()
			d.HandleMessage(ctx, m)
		}(msg)
	}
	d.background.Wait()
	d.processed.Stop()
	d.replied.Stop()
	logger.InfoC("agent", "Dispatcher stopped")
}

// HandleMessage runs the full pipeline for one inbound message.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	key := eventKey(msg)
	if d.processed.Seen(key) {
		// Duplicate platform delivery, not an error.
		return
	}
	if msg.SenderBot {
		return
	}

	cfg, err := d.configs.Active(ctx)
	if err != nil {
		logger.WarnCF("agent", "Config fetch failed, using defaults", map[string]any{
			"error": err.Error(),
		})
		cfg = nil
	}
	if !admit(msg, cfg) {
		return
	}
	d.processed.Mark(key)

	logger.DebugCF("agent", "Message admitted", map[string]any{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"sender":  msg.SenderName,
	})

	if !d.limiter.Allow(msg.ChatID) {
		logger.DebugCF("agent", "Rate limited", map[string]any{"chat_id": msg.ChatID})
		d.publish(msg, rateLimitReply, true)
		return
	}

	if d.typing != nil {
		d.typing.NotifyTyping(msg.Channel, msg.ChatID)
	}

	mem, err := d.store.LatestMemory(ctx)
	if err != nil {
		logger.WarnCF("agent", "Memory load failed, continuing without", map[string]any{
			"error": err.Error(),
		})
		mem = nil
	}

	cleaned := CleanMessage(msg.Content)
	chunks := d.retrieve(ctx, cfg, cleaned)

	promptCtx := AssembleContext(msg.Content, cfg, mem, chunks)
	reply, err := d.provider.Complete(ctx, promptCtx.BuildPrompt())
	if err != nil {
		logger.ErrorCF("agent", "Completion failed", map[string]any{
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		// Bot senders were rejected on entry, so this never answers a bot.
		d.publish(msg, errorReply, true)
		return
	}

	reply = utils.FormatResponse(reply)
	if reply == "" {
		return
	}

	if d.alreadyReplied(ctx, msg, reply, key) {
		logger.DebugCF("agent", "Reply already sent, skipping", map[string]any{
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
		})
		return
	}
	d.replied.Mark(key)

	d.deliver(msg, reply)
	d.scheduleMemoryUpdate(promptCtx.UserMessage, reply, promptCtx.MemorySummary)
}

// Wait blocks until all background memory updates have finished.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

// admit applies the admission rule: a direct mention of the bot always
// admits; otherwise the chat must be on the configured allow-list. With no
// configuration the bot answers mentions only.
func admit(msg bus.InboundMessage, cfg *store.AgentConfig) bool {
	for _, id := range msg.Mentions {
		if id != "" && id == msg.BotID {
			return true
		}
	}
	if cfg == nil {
		return false
	}
	for _, id := range cfg.AllowedChannelIDs {
		if id == msg.ChatID {
			return true
		}
	}
	return false
}

// retrieve embeds the cleaned message and ranks knowledge chunks against
// it. Best-effort: any failure degrades to zero chunks.
func (d *Dispatcher) retrieve(ctx context.Context, cfg *store.AgentConfig, cleaned string) []store.KnowledgeChunk {
	if cfg == nil || !cfg.RetrievalEnabled || d.search == nil {
		return nil
	}

	embedding, err := d.provider.Embed(ctx, cleaned)
	if err != nil {
		logger.WarnCF("agent", "Query embedding failed, skipping retrieval", map[string]any{
			"error": err.Error(),
		})
		return nil
	}

	chunks, err := d.search.Search(ctx, embedding, d.topK)
	if err != nil {
		logger.WarnCF("agent", "Knowledge search failed, skipping retrieval", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	return chunks
}

// alreadyReplied reports whether a reply to this message has already gone
// out, checking the in-process guard first and then scanning recent channel
// history for a bot message referencing the same source or carrying the
// identical text. Best-effort: two instances can still race past it.
func (d *Dispatcher) alreadyReplied(ctx context.Context, msg bus.InboundMessage, reply, key string) bool {
	if d.replied.Seen(key) {
		return true
	}
	if d.history == nil {
		return false
	}

	recent, err := d.history.FetchRecent(ctx, msg.Channel, msg.ChatID, historyScanLimit)
	if err != nil {
		logger.DebugCF("agent", "History scan failed", map[string]any{"error": err.Error()})
		return false
	}
	for _, m := range recent {
		if !m.SenderBot {
			continue
		}
		if (m.ReplyToID != "" && m.ReplyToID == msg.MessageID) || m.Content == reply {
			return true
		}
	}
	return false
}

// deliver splits the reply to the transport limit and publishes the chunks:
// the first as a reply to the source message, the rest as plain sends.
func (d *Dispatcher) deliver(msg bus.InboundMessage, reply string) {
	chunks := utils.SplitMessage(reply, d.maxMessageLength)
	for i, chunk := range chunks {
		d.publish(msg, chunk, i == 0)
	}
}

func (d *Dispatcher) publish(msg bus.InboundMessage, text string, asReply bool) {
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	}
	if asReply {
		out.ReplyTo = msg.MessageID
	}
	d.bus.PublishOutbound(out)
}

// scheduleMemoryUpdate persists the exchange into the rolling summary in the
// background, after the reply is already on its way. Failure is logged and
// swallowed.
func (d *Dispatcher) scheduleMemoryUpdate(userText, botText, currentSummary string) {
	if d.memory == nil {
		return
	}
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), memoryUpdateTimeout)
		defer cancel()
		if err := d.memory.Update(ctx, userText, botText, currentSummary); err != nil {
			logger.WarnCF("agent", "Memory update failed", map[string]any{
				"error": err.Error(),
			})
		}
	}()
}

func eventKey(msg bus.InboundMessage) string {
	return msg.ChatID + ":" + msg.MessageID
}
