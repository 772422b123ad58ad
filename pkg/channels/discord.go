package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discopilot/discopilot/pkg/bus"
	"github.com/discopilot/discopilot/pkg/config"
	"github.com/discopilot/discopilot/pkg/logger"
	"github.com/discopilot/discopilot/pkg/utils"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second

	// Hard cap on one typing session, so a handler that never sends a
	// reply can't leave the indicator running forever.
	typingMaxDuration = 60 * time.Second
)

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig

	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus),
		session:     session,
		config:      cfg,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessageCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// Send delivers one outbound message, as a referenced reply when ReplyTo is
// set. The dispatcher has already split content to the transport limit.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	defer c.endTyping(msg.ChatID)

	if msg.Content == "" {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if msg.ReplyTo != "" {
			ref := &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: msg.ChatID,
			}
			_, err = c.session.ChannelMessageSendReply(msg.ChatID, msg.Content, ref)
		} else {
			_, err = c.session.ChannelMessageSend(msg.ChatID, msg.Content)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

// FetchRecent reads the newest messages in a channel, newest first.
func (c *DiscordChannel) FetchRecent(ctx context.Context, chatID string, limit int) ([]bus.InboundMessage, error) {
	if !c.IsRunning() {
		return nil, fmt.Errorf("discord bot not running")
	}

	messages, err := c.session.ChannelMessages(chatID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel messages: %w", err)
	}

	botID := ""
	if c.session.State != nil && c.session.State.User != nil {
		botID = c.session.State.User.ID
	}

	result := make([]bus.InboundMessage, 0, len(messages))
	for _, m := range messages {
		if m == nil || m.Author == nil {
			continue
		}
		result = append(result, c.toInbound(m, botID))
	}
	return result, nil
}

// NotifyTyping starts (or extends) a typing session for chatID. The session
// refreshes the indicator until the next Send to the same chat ends it, or
// the max duration elapses.
func (c *DiscordChannel) NotifyTyping(chatID string) {
	if chatID == "" || !c.IsRunning() {
		return
	}
	c.beginTyping(chatID)
}

func (c *DiscordChannel) sendTyping(chatID string) {
	if err := c.session.ChannelTyping(chatID); err != nil {
		logger.DebugCF("discord", "Failed to send typing indicator", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(chatID string) {
	c.typingMu.Lock()
	if sess, ok := c.typing[chatID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), typingMaxDuration)
	c.typing[chatID] = &typingSession{pending: 1, cancel: cancel}
	c.typingMu.Unlock()

	c.sendTyping(chatID)

	go func() {
		defer c.endTypingAll(chatID)
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(chatID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(chatID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[chatID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, chatID)
	sess.cancel()
}

func (c *DiscordChannel) endTypingAll(chatID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	if sess, ok := c.typing[chatID]; ok {
		delete(c.typing, chatID)
		sess.cancel()
	}
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for chatID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, chatID)
	}
}

func (c *DiscordChannel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if m.Content == "" {
		return
	}

	botID := ""
	if s.State.User != nil {
		botID = s.State.User.ID
	}

	msg := c.toInbound(m.Message, botID)

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": msg.SenderName,
		"sender_id":   msg.SenderID,
		"chat_id":     msg.ChatID,
		"preview":     utils.Truncate(msg.Content, 50),
	})

	c.PublishInbound(msg)
}

func (c *DiscordChannel) toInbound(m *discordgo.Message, botID string) bus.InboundMessage {
	mentions := make([]string, 0, len(m.Mentions))
	for _, user := range m.Mentions {
		if user != nil {
			mentions = append(mentions, user.ID)
		}
	}

	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}

	senderID, senderName, senderBot := "", "", false
	if m.Author != nil {
		senderID = m.Author.ID
		senderName = m.Author.Username
		senderBot = m.Author.Bot
	}

	return bus.InboundMessage{
		BotID:      botID,
		MessageID:  m.ID,
		ChatID:     m.ChannelID,
		SenderID:   senderID,
		SenderName: senderName,
		SenderBot:  senderBot,
		Content:    m.Content,
		Mentions:   mentions,
		ReplyToID:  replyTo,
		Metadata: map[string]string{
			"guild_id": m.GuildID,
			"is_dm":    fmt.Sprintf("%t", m.GuildID == ""),
		},
	}
}
