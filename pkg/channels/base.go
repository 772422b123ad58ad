package channels

import (
	"context"
	"sync/atomic"

	"github.com/discopilot/discopilot/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	NotifyTyping(chatID string)
	IsRunning() bool
}

// HistoryProvider is implemented by channels that can read back recent chat
// messages. The reply-once guard uses it; channels without history simply
// don't implement it.
type HistoryProvider interface {
	FetchRecent(ctx context.Context, chatID string, limit int) ([]bus.InboundMessage, error)
}

type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	running atomic.Bool
}

func NewBaseChannel(name string, messageBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{name: name, bus: messageBus}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) NotifyTyping(chatID string) {}

func (c *BaseChannel) PublishInbound(msg bus.InboundMessage) {
	msg.Channel = c.name
	c.bus.PublishInbound(msg)
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
