package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allowed_channels can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []any to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Provider  ProviderConfig  `json:"provider"`
	Store     StoreConfig     `json:"store"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Memory    MemoryConfig    `json:"memory"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	LogLevel  string          `json:"log_level" env:"DISCOPILOT_LOG_LEVEL"`
	mu        sync.RWMutex
}

type DiscordConfig struct {
	Token            string              `json:"token" env:"DISCOPILOT_DISCORD_TOKEN"`
	FallbackChannels FlexibleStringSlice `json:"fallback_channels" env:"DISCOPILOT_DISCORD_FALLBACK_CHANNELS"`
	MaxMessageLength int                 `json:"max_message_length" env:"DISCOPILOT_DISCORD_MAX_MESSAGE_LENGTH"`
}

type ProviderConfig struct {
	APIKey         string  `json:"api_key" env:"DISCOPILOT_PROVIDER_API_KEY"`
	APIBase        string  `json:"api_base" env:"DISCOPILOT_PROVIDER_API_BASE"`
	Model          string  `json:"model" env:"DISCOPILOT_PROVIDER_MODEL"`
	EmbeddingModel string  `json:"embedding_model" env:"DISCOPILOT_PROVIDER_EMBEDDING_MODEL"`
	MaxTokens      int     `json:"max_tokens" env:"DISCOPILOT_PROVIDER_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" env:"DISCOPILOT_PROVIDER_TEMPERATURE"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"DISCOPILOT_PROVIDER_TIMEOUT_SECONDS"`
	Proxy          string  `json:"proxy,omitempty" env:"DISCOPILOT_PROVIDER_PROXY"`
}

type StoreConfig struct {
	Path string `json:"path" env:"DISCOPILOT_STORE_PATH"`
}

type PipelineConfig struct {
	RateLimitWindowMS     int `json:"rate_limit_window_ms" env:"DISCOPILOT_PIPELINE_RATE_LIMIT_WINDOW_MS"`
	RateLimitMaxPerWindow int `json:"rate_limit_max_per_window" env:"DISCOPILOT_PIPELINE_RATE_LIMIT_MAX_PER_WINDOW"`
	ConfigCacheTTLMS      int `json:"config_cache_ttl_ms" env:"DISCOPILOT_PIPELINE_CONFIG_CACHE_TTL_MS"`
	DedupTTLMS            int `json:"dedup_ttl_ms" env:"DISCOPILOT_PIPELINE_DEDUP_TTL_MS"`
}

type KnowledgeConfig struct {
	MaxChunksPerQuery int `json:"max_chunks_per_query" env:"DISCOPILOT_KNOWLEDGE_MAX_CHUNKS_PER_QUERY"`
	CandidateLimit    int `json:"candidate_limit" env:"DISCOPILOT_KNOWLEDGE_CANDIDATE_LIMIT"`
	ChunkSize         int `json:"chunk_size" env:"DISCOPILOT_KNOWLEDGE_CHUNK_SIZE"`
	ChunkOverlap      int `json:"chunk_overlap" env:"DISCOPILOT_KNOWLEDGE_CHUNK_OVERLAP"`
}

type MemoryConfig struct {
	MaxSummaryLength int `json:"max_summary_length" env:"DISCOPILOT_MEMORY_MAX_SUMMARY_LENGTH"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" env:"DISCOPILOT_HEARTBEAT_ENABLED"`
	Schedule string `json:"schedule" env:"DISCOPILOT_HEARTBEAT_SCHEDULE"`
}

func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			Token:            "",
			FallbackChannels: FlexibleStringSlice{},
			MaxMessageLength: 2000,
		},
		Provider: ProviderConfig{
			APIBase:        "https://openrouter.ai/api/v1",
			Model:          "meta-llama/llama-3.3-70b-instruct:free",
			EmbeddingModel: "openai/text-embedding-3-small",
			MaxTokens:      4000,
			Temperature:    0.7,
			TimeoutSeconds: 120,
		},
		Store: StoreConfig{
			Path: "~/.discopilot/state/copilot.db",
		},
		Pipeline: PipelineConfig{
			RateLimitWindowMS:     60000,
			RateLimitMaxPerWindow: 10,
			ConfigCacheTTLMS:      60000,
			DedupTTLMS:            60000,
		},
		Knowledge: KnowledgeConfig{
			MaxChunksPerQuery: 5,
			CandidateLimit:    100,
			ChunkSize:         600,
			ChunkOverlap:      100,
		},
		Memory: MemoryConfig{
			MaxSummaryLength: 2000,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "*/30 * * * *",
		},
		LogLevel: "info",
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Provider.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Provider.APIBase != "" {
		return c.Provider.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
