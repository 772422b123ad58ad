package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/discopilot/discopilot/pkg/bus"
	"github.com/discopilot/discopilot/pkg/memory"
	"github.com/discopilot/discopilot/pkg/store"
)

// fakeStore is an in-memory store.Store for dispatcher tests.
type fakeStore struct {
	mu          sync.Mutex
	config      *store.AgentConfig
	configErr   error
	configCalls int
	mem         *store.ConversationMemory
	chunks      []store.KnowledgeChunk
}

func (s *fakeStore) LatestAgentConfig(ctx context.Context) (*store.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configCalls++
	return s.config, s.configErr
}

func (s *fakeStore) CreateAgentConfig(ctx context.Context, cfg store.AgentConfig) (*store.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = &cfg
	return &cfg, nil
}

func (s *fakeStore) UpdateAgentConfig(ctx context.Context, cfg store.AgentConfig) (*store.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = &cfg
	return &cfg, nil
}

func (s *fakeStore) SaveChunks(ctx context.Context, chunks []store.KnowledgeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *fakeStore) ListChunks(ctx context.Context, limit int) ([]store.KnowledgeChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, nil
}

func (s *fakeStore) ListSources(ctx context.Context) ([]string, error) { return nil, nil }
func (s *fakeStore) DeleteChunk(ctx context.Context, id string) error  { return nil }
func (s *fakeStore) DeleteChunksBySource(ctx context.Context, source string) error {
	return nil
}

func (s *fakeStore) LatestMemory(ctx context.Context) (*store.ConversationMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem, nil
}

func (s *fakeStore) CreateMemory(ctx context.Context, summary string) (*store.ConversationMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = &store.ConversationMemory{ID: "mem-1", Summary: summary}
	return s.mem, nil
}

func (s *fakeStore) UpdateMemory(ctx context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = &store.ConversationMemory{ID: id, Summary: summary}
	return nil
}

func (s *fakeStore) ResetMemory(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                          { return nil }

func (s *fakeStore) memorySummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return ""
	}
	return s.mem.Summary
}

// fakeProvider records prompts and serves canned completions/embeddings.
type fakeProvider struct {
	mu          sync.Mutex
	reply       string
	completeErr error
	embedVec    []float32
	embedErr    error
	prompts     []string
}

func (p *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.completeErr != nil {
		return "", p.completeErr
	}
	return p.reply, nil
}

func (p *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.embedErr != nil {
		return nil, p.embedErr
	}
	return p.embedVec, nil
}

func (p *fakeProvider) completeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func (p *fakeProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

type stubSearcher struct {
	chunks []store.KnowledgeChunk
	err    error
}

func (s *stubSearcher) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]store.KnowledgeChunk, error) {
	return s.chunks, s.err
}

type stubHistory struct {
	messages []bus.InboundMessage
	err      error
}

func (h *stubHistory) FetchRecent(ctx context.Context, channel, chatID string, limit int) ([]bus.InboundMessage, error) {
	return h.messages, h.err
}

func newTestDispatcher(st *fakeStore, provider *fakeProvider, opts Options) (*Dispatcher, *bus.MessageBus) {
	msgBus := bus.NewMessageBus()
	opts.Bus = msgBus
	opts.Store = st
	opts.Provider = provider
	if opts.Memory == nil {
		opts.Memory = memory.NewUpdater(st, 2000)
	}
	return NewDispatcher(opts), msgBus
}

func userMessage(chatID, messageID, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "discord",
		BotID:      "bot-1",
		MessageID:  messageID,
		ChatID:     chatID,
		SenderID:   "user-1",
		SenderName: "alice",
		Content:    content,
	}
}

func readOutbound(t *testing.T, msgBus *bus.MessageBus) (bus.OutboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return msgBus.SubscribeOutbound(ctx)
}

func TestHandleMessage_AllowedChannelGetsReply(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "hello"))

	out, ok := readOutbound(t, msgBus)
	if !ok {
		t.Fatal("expected a reply")
	}
	if out.Content != "hi!" {
		t.Errorf("reply content = %q, want %q", out.Content, "hi!")
	}
	if out.ReplyTo != "m1" {
		t.Errorf("ReplyTo = %q, want source message ID", out.ReplyTo)
	}
	if out.ChatID != "100" || out.Channel != "discord" {
		t.Errorf("reply routed to %s/%s", out.Channel, out.ChatID)
	}
	if _, ok := readOutbound(t, msgBus); ok {
		t.Fatal("expected exactly one reply")
	}
}

func TestHandleMessage_DisallowedChannelIsSilent(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("999", "m1", "hello"))

	if _, ok := readOutbound(t, msgBus); ok {
		t.Fatal("expected no transport calls at all")
	}
	if provider.completeCalls() != 0 {
		t.Fatal("completion provider should not be called")
	}
}

func TestHandleMessage_MentionAdmitsWithoutConfig(t *testing.T) {
	st := &fakeStore{} // no configuration record
	provider := &fakeProvider{reply: "hello there"}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	msg := userMessage("42", "m1", "<@777> hello")
	msg.BotID = "777"
	msg.Mentions = []string{"777"}
	d.HandleMessage(context.Background(), msg)

	out, ok := readOutbound(t, msgBus)
	if !ok {
		t.Fatal("mention should admit even with no config")
	}
	if out.Content != "hello there" {
		t.Errorf("reply = %q", out.Content)
	}
	if !strings.Contains(provider.lastPrompt(), DefaultPersona) {
		t.Error("prompt should carry the default persona")
	}
	if !strings.Contains(provider.lastPrompt(), "=== USER MESSAGE ===\nhello") {
		t.Errorf("prompt should carry the cleaned message:\n%s", provider.lastPrompt())
	}
}

func TestHandleMessage_BotAuthorRejected(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	msg := userMessage("100", "m1", "beep")
	msg.SenderBot = true
	d.HandleMessage(context.Background(), msg)

	if _, ok := readOutbound(t, msgBus); ok {
		t.Fatal("bot-authored messages must be ignored")
	}
}

func TestHandleMessage_RateLimitedReply(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{RateLimitMax: 1})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "one"))
	if _, ok := readOutbound(t, msgBus); !ok {
		t.Fatal("first message should get a reply")
	}

	d.HandleMessage(context.Background(), userMessage("100", "m2", "two"))
	out, ok := readOutbound(t, msgBus)
	if !ok {
		t.Fatal("rate-limited message should get the fixed notice")
	}
	if out.Content != rateLimitReply {
		t.Errorf("reply = %q, want rate-limit notice", out.Content)
	}
	if provider.completeCalls() != 1 {
		t.Errorf("completion calls = %d, want 1", provider.completeCalls())
	}
}

func TestHandleMessage_DuplicateDeliveryDropped(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	msg := userMessage("100", "m1", "hello")
	d.HandleMessage(context.Background(), msg)
	d.HandleMessage(context.Background(), msg)

	if _, ok := readOutbound(t, msgBus); !ok {
		t.Fatal("first delivery should reply")
	}
	if _, ok := readOutbound(t, msgBus); ok {
		t.Fatal("duplicate delivery should be dropped silently")
	}
	if provider.completeCalls() != 1 {
		t.Errorf("completion calls = %d, want 1", provider.completeCalls())
	}
}

func TestHandleMessage_CompletionFailureSendsApology(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{completeErr: fmt.Errorf("provider down")}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "hello"))

	out, ok := readOutbound(t, msgBus)
	if !ok {
		t.Fatal("completion failure must surface a reply")
	}
	if out.Content != errorReply {
		t.Errorf("reply = %q, want generic apology", out.Content)
	}
	if strings.Contains(out.Content, "provider down") {
		t.Error("internal error detail must never reach the user")
	}
}

func TestHandleMessage_EmptyReplyNotSent(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "  \n\n  "}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "hello"))

	if _, ok := readOutbound(t, msgBus); ok {
		t.Fatal("whitespace-only completion should not be sent")
	}
}

func TestHandleMessage_LongReplySplitReplyFirst(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	long := strings.Repeat("This is a sentence. ", 30) // ~600 chars
	provider := &fakeProvider{reply: long}
	d, msgBus := newTestDispatcher(st, provider, Options{MaxMessageLength: 200})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "hello"))

	var outs []bus.OutboundMessage
	for {
		out, ok := readOutbound(t, msgBus)
		if !ok {
			break
		}
		outs = append(outs, out)
	}
	if len(outs) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(outs))
	}
	if outs[0].ReplyTo != "m1" {
		t.Error("first chunk must be a reply to the source message")
	}
	for i, out := range outs[1:] {
		if out.ReplyTo != "" {
			t.Errorf("follow-on chunk %d should be a plain send", i+1)
		}
	}
	for _, out := range outs {
		if len(out.Content) > 200 {
			t.Errorf("chunk exceeds transport limit: %d", len(out.Content))
		}
	}
}

func TestHandleMessage_RetrievalChunksInPrompt(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{
		AllowedChannelIDs: []string{"100"},
		RetrievalEnabled:  true,
	}}
	provider := &fakeProvider{reply: "ok", embedVec: []float32{1, 0}}
	d, msgBus := newTestDispatcher(st, provider, Options{
		Search: &stubSearcher{chunks: []store.KnowledgeChunk{{Content: "stored fact"}}},
	})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "question"))

	if _, ok := readOutbound(t, msgBus); !ok {
		t.Fatal("expected a reply")
	}
	if !strings.Contains(provider.lastPrompt(), "=== RELEVANT KNOWLEDGE ===\n[1] stored fact") {
		t.Errorf("prompt missing knowledge section:\n%s", provider.lastPrompt())
	}
}

func TestHandleMessage_EmbedFailureDegradesToNoKnowledge(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{
		AllowedChannelIDs: []string{"100"},
		RetrievalEnabled:  true,
	}}
	provider := &fakeProvider{reply: "still fine", embedErr: fmt.Errorf("embed down")}
	d, msgBus := newTestDispatcher(st, provider, Options{
		Search: &stubSearcher{chunks: []store.KnowledgeChunk{{Content: "unreachable"}}},
	})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "question"))

	out, ok := readOutbound(t, msgBus)
	if !ok {
		t.Fatal("embedding failure must not block the reply")
	}
	if out.Content != "still fine" {
		t.Errorf("reply = %q", out.Content)
	}
	if strings.Contains(provider.lastPrompt(), knowledgeHeader) {
		t.Error("prompt should have no knowledge section after embed failure")
	}
}

func TestHandleMessage_HistoryScanSuppressesSecondReply(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	history := &stubHistory{messages: []bus.InboundMessage{
		{SenderBot: true, ReplyToID: "m1", Content: "hi!"},
	}}
	d, msgBus := newTestDispatcher(st, provider, Options{History: history})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "hello"))

	if _, ok := readOutbound(t, msgBus); ok {
		t.Fatal("existing reply in history should suppress sending")
	}
}

func TestHandleMessage_MemoryUpdatedAfterReply(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	d.HandleMessage(context.Background(), userMessage("100", "m1", "hello"))
	d.Wait()

	want := "User: hello\nBot: hi!"
	if got := st.memorySummary(); got != want {
		t.Fatalf("memory summary = %q, want %q", got, want)
	}
}

func TestConfigFetchFailureFallsBackToMentionsOnly(t *testing.T) {
	st := &fakeStore{configErr: fmt.Errorf("store down")}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{})
	defer msgBus.Close()

	// Not a mention: config fetch failed, so nothing admits it.
	d.HandleMessage(context.Background(), userMessage("100", "m1", "hello"))
	if _, ok := readOutbound(t, msgBus); ok {
		t.Fatal("config failure should fall back to mentions-only admission")
	}

	// A direct mention still works.
	msg := userMessage("100", "m2", "<@bot-1> hello")
	msg.Mentions = []string{"bot-1"}
	d.HandleMessage(context.Background(), msg)
	if _, ok := readOutbound(t, msgBus); !ok {
		t.Fatal("mention should still be answered when config is unavailable")
	}
}

func TestRun_ProcessesBusMessages(t *testing.T) {
	st := &fakeStore{config: &store.AgentConfig{AllowedChannelIDs: []string{"100"}}}
	provider := &fakeProvider{reply: "hi!"}
	d, msgBus := newTestDispatcher(st, provider, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	msgBus.PublishInbound(userMessage("100", "m1", "hello"))

	out, ok := readOutbound(t, msgBus)
	if !ok {
		t.Fatal("expected a reply via the bus")
	}
	if out.Content != "hi!" {
		t.Errorf("reply = %q", out.Content)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
	msgBus.Close()
}
