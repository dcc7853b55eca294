package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func clearSecretEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MAILPILOT_POLICY_API_KEY", "")
	t.Setenv("GROQ_API_KEY", "")
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILPILOT_HOME", tmpDir)
	clearSecretEnv(t)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	if cfg.Mail.Query != "in:inbox is:unread" {
		t.Errorf("Mail.Query = %q", cfg.Mail.Query)
	}
	if cfg.Mail.MaxAttempts != 5 {
		t.Errorf("Mail.MaxAttempts = %d, want 5", cfg.Mail.MaxAttempts)
	}
	if cfg.Policy.Provider != "rules" {
		t.Errorf("Policy.Provider = %q, want rules", cfg.Policy.Provider)
	}
	if cfg.Run.Schedule != "@every 5m" {
		t.Errorf("Run.Schedule = %q", cfg.Run.Schedule)
	}

	if got := cfg.LedgerPath(); got != filepath.Join(tmpDir, "ledger.db") {
		t.Errorf("LedgerPath() = %q", got)
	}
	if got := cfg.CredentialPath(); got != filepath.Join(tmpDir, "token.json") {
		t.Errorf("CredentialPath() = %q", got)
	}
	if got := cfg.ClientSecretsPath(); got != filepath.Join(tmpDir, "client_secrets.json") {
		t.Errorf("ClientSecretsPath() = %q", got)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILPILOT_HOME", tmpDir)
	clearSecretEnv(t)

	configContent := `
[data]
data_dir = "~/custom/data"

[oauth]
client_secrets = "~/secrets/client.json"

[mail]
query = "label:agent-inbox"
max_attempts = 3
rate_limit_units = 100

[policy]
provider = "llm"
model = "test-model"

[run]
schedule = "*/10 * * * *"
`
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}
	if want := filepath.Join(home, "custom/data"); cfg.Data.DataDir != want {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, want)
	}
	if want := filepath.Join(home, "secrets/client.json"); cfg.OAuth.ClientSecrets != want {
		t.Errorf("OAuth.ClientSecrets = %q, want %q", cfg.OAuth.ClientSecrets, want)
	}
	if cfg.Mail.Query != "label:agent-inbox" {
		t.Errorf("Mail.Query = %q", cfg.Mail.Query)
	}
	if cfg.Mail.MaxAttempts != 3 {
		t.Errorf("Mail.MaxAttempts = %d", cfg.Mail.MaxAttempts)
	}
	// Unset fields keep their defaults.
	if cfg.Mail.PageSize != 100 {
		t.Errorf("Mail.PageSize = %d, want default 100", cfg.Mail.PageSize)
	}
	if cfg.Policy.Provider != "llm" || cfg.Policy.Model != "test-model" {
		t.Errorf("Policy = %+v", cfg.Policy)
	}
}

func TestLoadExplicitPathNotFound(t *testing.T) {
	clearSecretEnv(t)
	_, err := Load("/nonexistent/path/config.toml", "")
	if err == nil {
		t.Fatal("Load with explicit nonexistent path should return error")
	}
	if got := err.Error(); !strings.Contains(got, "config file not found") {
		t.Errorf("error = %q, want it to contain %q", got, "config file not found")
	}
}

func TestLoadExplicitPathDerivesHomeDir(t *testing.T) {
	clearSecretEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte("[mail]\npage_size = 25\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q) error = %v", configPath, err)
	}
	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	if cfg.Mail.PageSize != 25 {
		t.Errorf("Mail.PageSize = %d, want 25", cfg.Mail.PageSize)
	}
}

func TestLoadExplicitPathRelativePaths(t *testing.T) {
	clearSecretEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	configContent := `
[data]
data_dir = "data"

[oauth]
client_secrets = "secrets/client.json"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q) error = %v", configPath, err)
	}
	if want := filepath.Join(tmpDir, "data"); cfg.Data.DataDir != want {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, want)
	}
	if want := filepath.Join(tmpDir, "secrets/client.json"); cfg.OAuth.ClientSecrets != want {
		t.Errorf("OAuth.ClientSecrets = %q, want %q", cfg.OAuth.ClientSecrets, want)
	}
}

func TestLoadWithHomeDir(t *testing.T) {
	clearSecretEnv(t)
	homeDir := t.TempDir()
	configPath := filepath.Join(homeDir, "config.toml")
	if err := os.WriteFile(configPath, []byte("[mail]\nfetch_concurrency = 8\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load("", homeDir)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.HomeDir != homeDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, homeDir)
	}
	if cfg.Mail.FetchConcurrency != 8 {
		t.Errorf("Mail.FetchConcurrency = %d, want 8", cfg.Mail.FetchConcurrency)
	}
}

func TestPolicyAPIKeyFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILPILOT_HOME", tmpDir)

	t.Run("primary name", func(t *testing.T) {
		t.Setenv("MAILPILOT_POLICY_API_KEY", "primary-key")
		t.Setenv("GROQ_API_KEY", "fallback-key")
		cfg, err := Load("", "")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.PolicyAPIKey != "primary-key" {
			t.Errorf("PolicyAPIKey = %q, want primary-key", cfg.PolicyAPIKey)
		}
	})

	t.Run("fallback name", func(t *testing.T) {
		t.Setenv("MAILPILOT_POLICY_API_KEY", "")
		t.Setenv("GROQ_API_KEY", "fallback-key")
		cfg, err := Load("", "")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.PolicyAPIKey != "fallback-key" {
			t.Errorf("PolicyAPIKey = %q, want fallback-key", cfg.PolicyAPIKey)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"rules", Config{Policy: PolicyConfig{Provider: "rules"}}, false},
		{"llm_with_key", Config{Policy: PolicyConfig{Provider: "llm"}, PolicyAPIKey: "k"}, false},
		{"llm_without_key", Config{Policy: PolicyConfig{Provider: "llm"}}, true},
		{"unknown_provider", Config{Policy: PolicyConfig{Provider: "magic"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultHomeExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	t.Setenv("MAILPILOT_HOME", "~/.mailpilot")
	got := DefaultHome()
	want := filepath.Join(home, ".mailpilot")
	if got != want {
		t.Errorf("DefaultHome() = %q, want %q", got, want)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	tests := []struct {
		name     string
		input    string
		expected string
		unixOnly bool
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "just tilde", input: "~", expected: home},
		{name: "tilde with path", input: "~/foo", expected: filepath.Join(home, "foo")},
		{name: "tilde user notation not expanded", input: "~user", expected: "~user"},
		{name: "absolute path unchanged", input: "/var/log/test", expected: "/var/log/test", unixOnly: true},
		{name: "relative path unchanged", input: "relative/path", expected: "relative/path"},
		{name: "tilde in middle not expanded", input: "/home/~user/foo", expected: "/home/~user/foo", unixOnly: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.unixOnly && runtime.GOOS == "windows" {
				t.Skip("skipping Unix-specific path test on Windows")
			}
			got := expandPath(tt.input)
			if got != tt.expected {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
