package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/discopilot/discopilot/pkg/bus"
	"github.com/discopilot/discopilot/pkg/logger"
)

const (
	consoleBotID  = "console-bot"
	consoleChatID = "console"
	consoleUserID = "console-user"
)

// ConsoleChannel is a local REPL transport: each line typed becomes an
// inbound message addressed to the bot, replies print to the terminal. Every
// line carries a bot mention so admission always passes regardless of the
// configured channel allow-list.
type ConsoleChannel struct {
	*BaseChannel
	rl     *readline.Instance
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsoleChannel(messageBus *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", messageBus),
		done:        make(chan struct{}),
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".discopilot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	c.rl = rl

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setRunning(true)

	go c.readLoop(loopCtx)
	return nil
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.rl != nil {
		c.rl.Close()
	}
	return nil
}

// Done is closed when the user exits the REPL with EOF, interrupt, or an
// exit command.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}

	out := io.Writer(os.Stdout)
	if c.rl != nil {
		out = c.rl.Stdout()
	}
	_, err := fmt.Fprintf(out, "\nBot: %s\n\n", msg.Content)
	return err
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			logger.WarnCF("console", "Read error", map[string]any{"error": err.Error()})
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}

		c.PublishInbound(bus.InboundMessage{
			BotID:      consoleBotID,
			MessageID:  uuid.NewString(),
			ChatID:     consoleChatID,
			SenderID:   consoleUserID,
			SenderName: "you",
			Content:    input,
			Mentions:   []string{consoleBotID},
		})
	}
}
