package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_ProviderDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Provider.Model != "meta-llama/llama-3.3-70b-instruct:free" {
		t.Errorf("Model = %q", cfg.Provider.Model)
	}
	if cfg.Provider.EmbeddingModel != "openai/text-embedding-3-small" {
		t.Errorf("EmbeddingModel = %q", cfg.Provider.EmbeddingModel)
	}
	if cfg.Provider.MaxTokens != 4000 {
		t.Errorf("MaxTokens = %d, want 4000", cfg.Provider.MaxTokens)
	}
	if cfg.Provider.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.Provider.Temperature)
	}
}

func TestDefaultConfig_PipelineDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pipeline.RateLimitWindowMS != 60000 {
		t.Errorf("RateLimitWindowMS = %d", cfg.Pipeline.RateLimitWindowMS)
	}
	if cfg.Pipeline.RateLimitMaxPerWindow != 10 {
		t.Errorf("RateLimitMaxPerWindow = %d", cfg.Pipeline.RateLimitMaxPerWindow)
	}
	if cfg.Discord.MaxMessageLength != 2000 {
		t.Errorf("MaxMessageLength = %d", cfg.Discord.MaxMessageLength)
	}
	if cfg.Knowledge.MaxChunksPerQuery != 5 {
		t.Errorf("MaxChunksPerQuery = %d", cfg.Knowledge.MaxChunksPerQuery)
	}
	if cfg.Memory.MaxSummaryLength != 2000 {
		t.Errorf("MaxSummaryLength = %d", cfg.Memory.MaxSummaryLength)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.MaxTokens != 4000 {
		t.Errorf("expected defaults, got MaxTokens=%d", cfg.Provider.MaxTokens)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"provider": {"model": "custom/model", "max_tokens": 1234}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.Model != "custom/model" {
		t.Errorf("Model = %q", cfg.Provider.Model)
	}
	if cfg.Provider.MaxTokens != 1234 {
		t.Errorf("MaxTokens = %d", cfg.Provider.MaxTokens)
	}
	// Untouched fields keep defaults.
	if cfg.Provider.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want default 0.7", cfg.Provider.Temperature)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"provider": {"api_key": "from-file"}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISCOPILOT_PROVIDER_API_KEY", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GetAPIKey() != "from-env" {
		t.Errorf("GetAPIKey = %q, want env override", cfg.GetAPIKey())
	}
}

func TestFlexibleStringSlice_MixedTypes(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["123", 456, "abc"]`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"123", "456", "abc"}
	if len(f) != len(want) {
		t.Fatalf("got %v, want %v", f, want)
	}
	for i := range want {
		if f[i] != want[i] {
			t.Errorf("f[%d] = %q, want %q", i, f[i], want[i])
		}
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := DefaultConfig()
	cfg.Discord.Token = "tok"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Discord.Token != "tok" {
		t.Errorf("Token = %q, want %q", loaded.Discord.Token, "tok")
	}
}
