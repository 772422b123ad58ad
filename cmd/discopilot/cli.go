package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/discopilot/discopilot/pkg/config"
	"github.com/discopilot/discopilot/pkg/knowledge"
	"github.com/discopilot/discopilot/pkg/logger"
	"github.com/discopilot/discopilot/pkg/providers"
	"github.com/discopilot/discopilot/pkg/store"
	"github.com/discopilot/discopilot/pkg/utils"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "discopilot",
		Short: "Discord copilot with persona config, RAG knowledge and rolling memory",
		Long: strings.TrimSpace(`discopilot is a Discord assistant gateway.

It answers mentions and allow-listed channels through a hosted language
model, grounding replies in ingested knowledge documents and a rolling
conversation summary. Admin commands manage the persona configuration,
the knowledge base and the memory record.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newKnowledgeCommand())
	root.AddCommand(newMemoryCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.discopilot configuration",
		Example: "  discopilot onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("%s is ready!\n", appName)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Add your provider API key to", configPath)
			fmt.Println("     Get one at: https://openrouter.ai/keys")
			fmt.Println("  2. Add your Discord bot token to discord.token")
			fmt.Println("  3. Chat locally: discopilot chat")
			fmt.Println("  4. Run the gateway: discopilot gateway")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			configPath := getConfigPath()
			mark := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "not set"
			}

			fmt.Printf("%s Status\n", appName)
			fmt.Printf("Version: %s\n\n", formatVersion())

			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config:", configPath, "✓")
			} else {
				fmt.Println("Config:", configPath, "✗")
			}
			fmt.Println("Store:", cfg.StorePath())
			fmt.Printf("Model: %s\n", cfg.Provider.Model)

			apiReady := strings.TrimSpace(cfg.Provider.APIKey) != ""
			discordReady := strings.TrimSpace(cfg.Discord.Token) != ""
			fmt.Println("Provider API key:", mark(apiReady))
			fmt.Println("Discord token:", mark(discordReady))
			fmt.Println("Chat ready:", mark(apiReady))
			fmt.Println("Gateway ready:", mark(apiReady && discordReady))
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the active agent configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active agent configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				cfg, err := st.LatestAgentConfig(ctx)
				if err != nil {
					return err
				}
				if cfg == nil {
					fmt.Println("No agent configuration yet; the bot answers direct mentions with the default persona.")
					return nil
				}
				fmt.Printf("ID:                %s\n", cfg.ID)
				fmt.Printf("Retrieval enabled: %t\n", cfg.RetrievalEnabled)
				fmt.Printf("Allowed channels:  %s\n", strings.Join(cfg.AllowedChannelIDs, ", "))
				fmt.Printf("Updated:           %s\n", cfg.UpdatedAt.Format("2006-01-02 15:04:05"))
				fmt.Printf("Persona:\n%s\n", cfg.PersonaInstructions)
				return nil
			})
		},
	})

	var (
		persona       string
		personaFile   string
		allowChannels []string
		retrieval     bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Create a new active agent configuration",
		Long: strings.TrimSpace(`Create a new configuration record that becomes the active one.
Omitted flags inherit their value from the current configuration.`),
		Example: strings.Join([]string{
			"  discopilot config set --persona \"You are a support assistant.\"",
			"  discopilot config set --allow-channel 123456789 --retrieval",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				next := store.AgentConfig{}
				if current, err := st.LatestAgentConfig(ctx); err != nil {
					return err
				} else if current != nil {
					next = *current
				}

				if cmd.Flags().Changed("persona") {
					next.PersonaInstructions = persona
				}
				if cmd.Flags().Changed("persona-file") {
					data, err := os.ReadFile(personaFile)
					if err != nil {
						return fmt.Errorf("read persona file: %w", err)
					}
					next.PersonaInstructions = strings.TrimSpace(string(data))
				}
				if cmd.Flags().Changed("allow-channel") {
					next.AllowedChannelIDs = allowChannels
				}
				if cmd.Flags().Changed("retrieval") {
					next.RetrievalEnabled = retrieval
				}

				created, err := st.CreateAgentConfig(ctx, next)
				if err != nil {
					return err
				}
				fmt.Printf("Active configuration updated (id %s).\n", created.ID)
				fmt.Println("Running gateways pick it up within the config cache TTL.")
				return nil
			})
		},
	}
	set.Flags().StringVar(&persona, "persona", "", "Persona instructions text")
	set.Flags().StringVar(&personaFile, "persona-file", "", "Read persona instructions from a file")
	set.Flags().StringSliceVar(&allowChannels, "allow-channel", nil, "Channel ID the bot may answer without a mention (repeatable)")
	set.Flags().BoolVar(&retrieval, "retrieval", false, "Enable knowledge retrieval")
	cmd.AddCommand(set)

	return cmd
}

func newKnowledgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the knowledge base",
	}

	var source string
	add := &cobra.Command{
		Use:   "add <file>",
		Short: "Chunk, embed and store a text document",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  discopilot knowledge add docs/faq.txt",
			"  discopilot knowledge add notes.md --source \"Release Notes\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			label := source
			if label == "" {
				label = args[0]
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			provider, err := newProviderClient(cfg)
			if err != nil {
				return err
			}

			return withStore(func(ctx context.Context, st store.Store) error {
				ing := knowledge.NewIngester(st, provider, cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
				count, err := ing.Ingest(ctx, label, string(data))
				if err != nil {
					return err
				}
				fmt.Printf("Ingested %d chunks from %q.\n", count, label)
				return nil
			})
		},
	}
	add.Flags().StringVar(&source, "source", "", "Source label for the document (defaults to the file path)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored knowledge chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				chunks, err := st.ListChunks(ctx, 100)
				if err != nil {
					return err
				}
				if len(chunks) == 0 {
					fmt.Println("No knowledge chunks stored.")
					return nil
				}
				for _, chunk := range chunks {
					fmt.Printf("%s  [%s]  %s\n", chunk.ID, chunk.Source, utils.Truncate(chunk.Content, 60))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "List knowledge source labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				sources, err := st.ListSources(ctx)
				if err != nil {
					return err
				}
				if len(sources) == 0 {
					fmt.Println("No knowledge sources.")
					return nil
				}
				for _, s := range sources {
					fmt.Println(s)
				}
				return nil
			})
		},
	})

	var deleteSource, deleteID string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete chunks by ID or by source label",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleteSource == "" && deleteID == "" {
				return fmt.Errorf("either --id or --source is required")
			}
			return withStore(func(ctx context.Context, st store.Store) error {
				if deleteID != "" {
					if err := st.DeleteChunk(ctx, deleteID); err != nil {
						return err
					}
					fmt.Printf("Deleted chunk %s.\n", deleteID)
				}
				if deleteSource != "" {
					if err := st.DeleteChunksBySource(ctx, deleteSource); err != nil {
						return err
					}
					fmt.Printf("Deleted chunks from source %q.\n", deleteSource)
				}
				return nil
			})
		},
	}
	del.Flags().StringVar(&deleteID, "id", "", "Chunk ID to delete")
	del.Flags().StringVar(&deleteSource, "source", "", "Delete all chunks with this source label")
	cmd.AddCommand(del)

	return cmd
}

func newMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect or reset the conversation memory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the rolling conversation summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				mem, err := st.LatestMemory(ctx)
				if err != nil {
					return err
				}
				if mem == nil || mem.Summary == "" {
					fmt.Println("No conversation memory yet.")
					return nil
				}
				fmt.Printf("Updated: %s\n\n%s\n", mem.UpdatedAt.Format("2006-01-02 15:04:05"), mem.Summary)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear the conversation memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				if err := st.ResetMemory(ctx); err != nil {
					return err
				}
				fmt.Println("Conversation memory cleared.")
				return nil
			})
		},
	})

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

// withStore opens the configured SQLite store for one admin operation.
func withStore(fn func(ctx context.Context, st store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	st, err := store.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return fn(context.Background(), st)
}

func newProviderClient(cfg *config.Config) (providers.Client, error) {
	return providers.NewHTTPClient(providers.Options{
		APIBase:        cfg.GetAPIBase(),
		APIKey:         cfg.GetAPIKey(),
		Model:          cfg.Provider.Model,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		MaxTokens:      cfg.Provider.MaxTokens,
		Temperature:    cfg.Provider.Temperature,
		Timeout:        providerTimeout(cfg),
		Proxy:          cfg.Provider.Proxy,
	})
}
