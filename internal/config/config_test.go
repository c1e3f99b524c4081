package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Chat.Provider != "openai" || cfg.Chat.Model != "llama-3.3-70b-versatile" {
		t.Fatalf("unexpected chat config %+v", cfg.Chat)
	}
	if cfg.Cooldown.Baseline != 5*time.Second || cfg.Cooldown.Factor != 2 || cfg.Cooldown.Ceiling != 10*time.Second {
		t.Fatalf("unexpected cooldown %+v", cfg.Cooldown)
	}
	if cfg.Avatar.PollInterval != 5*time.Second || cfg.Avatar.Timeout != 3*time.Minute {
		t.Fatalf("unexpected avatar config %+v", cfg.Avatar)
	}
	if cfg.Avatar.AvatarReady() {
		t.Fatal("avatar must be disabled without credentials")
	}
	if cfg.Narration.MaxChars != 500 {
		t.Fatalf("unexpected max chars %d", cfg.Narration.MaxChars)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("COOLDOWN_BASELINE", "2s")
	t.Setenv("COOLDOWN_FACTOR", "3")
	t.Setenv("COOLDOWN_CEILING", "30")
	t.Setenv("AZURE_SPEECH_ENDPOINT", "https://eastus.api.cognitive.microsoft.com/")
	t.Setenv("AZURE_SPEECH_KEY", "secret")
	t.Setenv("NARRATION_MAX_CHARS", "4000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:5173, https://app.example.com")
	t.Setenv("MOOD_HISTORY_LIMIT", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Cooldown.Baseline != 2*time.Second || cfg.Cooldown.Factor != 3 || cfg.Cooldown.Ceiling != 30*time.Second {
		t.Fatalf("unexpected cooldown %+v", cfg.Cooldown)
	}
	if !cfg.Avatar.AvatarReady() {
		t.Fatal("avatar should be enabled by credentials")
	}
	if cfg.Narration.MaxChars != 4000 {
		t.Fatalf("unexpected max chars %d", cfg.Narration.MaxChars)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://app.example.com" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Mood.HistoryLimit != 1 {
		t.Fatalf("history limit should clamp to 1, got %d", cfg.Mood.HistoryLimit)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":7000"
chat:
  provider: ark
  ark:
    model: doubao-seed
    apiKey: file-key
cooldown:
  baseline: 3s
  ceiling: 12s
avatar:
  enabled: false
  pollInterval: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ARK_API_KEY", "env-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":7000" {
		t.Fatalf("file value not applied: %q", cfg.Server.Addr)
	}
	if cfg.Chat.Provider != "ark" || cfg.Chat.Ark.Model != "doubao-seed" {
		t.Fatalf("unexpected chat %+v", cfg.Chat)
	}
	if cfg.Chat.Ark.APIKey != "env-key" {
		t.Fatalf("env must win over file, got %q", cfg.Chat.Ark.APIKey)
	}
	if cfg.Cooldown.Baseline != 3*time.Second || cfg.Cooldown.Ceiling != 12*time.Second || cfg.Cooldown.Factor != 2 {
		t.Fatalf("unexpected cooldown %+v", cfg.Cooldown)
	}
	if cfg.Avatar.PollInterval != 2*time.Second || cfg.Avatar.Timeout != 3*time.Minute {
		t.Fatalf("unexpected avatar %+v", cfg.Avatar)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"PORT", "80 80", "PORT"},
		{"COOLDOWN_FACTOR", "abc", "COOLDOWN_FACTOR"},
		{"COOLDOWN_FACTOR", "0.5", "COOLDOWN_FACTOR"},
		{"COOLDOWN_BASELINE", "soon", "COOLDOWN_BASELINE"},
		{"AVATAR_ENABLED", "maybe", "AVATAR_ENABLED"},
		{"CHAT_PROVIDER", "bard", "CHAT_PROVIDER"},
		{"CHAT_PROVIDER", "ark", "ARK_MODEL"},
		{"NARRATION_MAX_CHARS", "-1", "NARRATION_MAX_CHARS"},
	}

	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should mention %s", err, tc.want)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
