package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/discopilot/discopilot/pkg/agent"
	"github.com/discopilot/discopilot/pkg/bus"
	"github.com/discopilot/discopilot/pkg/channels"
	"github.com/discopilot/discopilot/pkg/config"
	"github.com/discopilot/discopilot/pkg/heartbeat"
	"github.com/discopilot/discopilot/pkg/knowledge"
	"github.com/discopilot/discopilot/pkg/logger"
	"github.com/discopilot/discopilot/pkg/memory"
	"github.com/discopilot/discopilot/pkg/store"
)

// pipelineRuntime wires the store, provider, bus, channels and dispatcher
// for the gateway and chat commands.
type pipelineRuntime struct {
	cfg        *config.Config
	store      store.Store
	bus        *bus.MessageBus
	manager    *channels.Manager
	dispatcher *agent.Dispatcher
}

func buildRuntime(cfg *config.Config) (*pipelineRuntime, error) {
	st, err := store.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := newProviderClient(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	msgBus := bus.NewMessageBus()
	manager := channels.NewManager(msgBus)

	dispatcher := agent.NewDispatcher(agent.Options{
		Bus:              msgBus,
		Store:            st,
		Provider:         provider,
		Search:           knowledge.NewEngine(st, cfg.Knowledge.CandidateLimit),
		Memory:           memory.NewUpdater(st, cfg.Memory.MaxSummaryLength),
		History:          manager,
		Typing:           manager,
		TopK:             cfg.Knowledge.MaxChunksPerQuery,
		MaxMessageLength: cfg.Discord.MaxMessageLength,
		RateLimitWindow:  time.Duration(cfg.Pipeline.RateLimitWindowMS) * time.Millisecond,
		RateLimitMax:     cfg.Pipeline.RateLimitMaxPerWindow,
		ConfigTTL:        time.Duration(cfg.Pipeline.ConfigCacheTTLMS) * time.Millisecond,
		DedupTTL:         time.Duration(cfg.Pipeline.DedupTTLMS) * time.Millisecond,
	})

	return &pipelineRuntime{
		cfg:        cfg,
		store:      st,
		bus:        msgBus,
		manager:    manager,
		dispatcher: dispatcher,
	}, nil
}

func (rt *pipelineRuntime) shutdown(ctx context.Context) {
	rt.manager.StopAll(ctx)
	rt.bus.Close()
	rt.dispatcher.Wait()
	rt.store.Close()
}

func providerTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Provider.TimeoutSeconds) * time.Second
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway",
		Example: "  discopilot gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

			if strings.TrimSpace(cfg.Provider.APIKey) == "" {
				return fmt.Errorf("provider.api_key is required in %s or DISCOPILOT_PROVIDER_API_KEY", getConfigPath())
			}
			if strings.TrimSpace(cfg.Discord.Token) == "" {
				return fmt.Errorf("discord.token is required in %s or DISCOPILOT_DISCORD_TOKEN", getConfigPath())
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}

			discord, err := channels.NewDiscordChannel(cfg.Discord, rt.bus)
			if err != nil {
				rt.store.Close()
				return err
			}
			rt.manager.Register(discord)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := rt.manager.StartAll(ctx); err != nil {
				rt.store.Close()
				return err
			}

			beat := heartbeat.NewService(cfg.Heartbeat.Schedule, cfg.Heartbeat.Enabled, func(ctx context.Context) {
				rt.dispatcher.Configs().Invalidate()
				logger.InfoCF("heartbeat", "Gateway alive", map[string]any{
					"channels":         fmt.Sprintf("%v", rt.manager.Status()),
					"dropped_inbound":  rt.bus.DroppedInbound(),
					"dropped_outbound": rt.bus.DroppedOutbound(),
				})
			})
			if err := beat.Start(); err != nil {
				logger.WarnCF("heartbeat", "Heartbeat not started", map[string]any{
					"error": err.Error(),
				})
			}

			go rt.dispatcher.Run(ctx)

			fmt.Println("✓ Gateway started")
			fmt.Println("Press Ctrl+C to stop")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt)
			<-sigChan

			fmt.Println("\nShutting down...")
			cancel()
			beat.Stop()
			rt.shutdown(context.Background())
			fmt.Println("✓ Gateway stopped")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newChatCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Chat with the copilot locally, without Discord",
		Long:    "Run an interactive terminal session through the same pipeline the gateway uses: admission, retrieval, completion and memory updates all apply.",
		Example: "  discopilot chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

			if strings.TrimSpace(cfg.Provider.APIKey) == "" {
				return fmt.Errorf("provider.api_key is required in %s or DISCOPILOT_PROVIDER_API_KEY", getConfigPath())
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}

			console := channels.NewConsoleChannel(rt.bus)
			rt.manager.Register(console)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := rt.manager.StartAll(ctx); err != nil {
				rt.store.Close()
				return err
			}

			go rt.dispatcher.Run(ctx)

			fmt.Printf("%s interactive mode (Ctrl+C or \"exit\" to quit)\n\n", appName)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt)
			select {
			case <-sigChan:
			case <-console.Done():
			}

			fmt.Println("\nGoodbye!")
			cancel()
			rt.shutdown(context.Background())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
