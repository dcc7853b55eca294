// Package config handles loading and managing mailpilot configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// OAuthConfig holds OAuth client configuration.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"` // path to the downloaded client secrets JSON
	ListenAddr    string `toml:"listen_addr"`    // consent callback address (default: localhost:8089)
}

// MailConfig holds Gmail client and loop configuration.
type MailConfig struct {
	Query            string `toml:"query"`             // listing query (default: in:inbox is:unread)
	PageSize         int    `toml:"page_size"`         // list page size
	RateLimitUnits   int    `toml:"rate_limit_units"`  // quota units per second
	MaxAttempts      int    `toml:"max_attempts"`      // retry budget per remote call
	FetchConcurrency int    `toml:"fetch_concurrency"` // concurrent message fetches
}

// PolicyConfig selects and configures the decision policy.
type PolicyConfig struct {
	Provider      string `toml:"provider"`       // "rules" or "llm"
	Endpoint      string `toml:"endpoint"`       // OpenAI-compatible API root
	Model         string `toml:"model"`          // chat model name
	DecideTimeout string `toml:"decide_timeout"` // per-message budget, Go duration (default: 30s)
	ReceiptLabel  string `toml:"receipt_label"`  // rules: label for receipts
	ReplyTemplate string `toml:"reply_template"` // rules: canned reply body
}

// RunConfig configures the continuous run command.
type RunConfig struct {
	Schedule string `toml:"schedule"` // cron expression or @every descriptor
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

type Config struct {
	Data   DataConfig   `toml:"data"`
	OAuth  OAuthConfig  `toml:"oauth"`
	Mail   MailConfig   `toml:"mail"`
	Policy PolicyConfig `toml:"policy"`
	Run    RunConfig    `toml:"run"`

	// Computed at load time, not from the config file.
	HomeDir      string `toml:"-"`
	PolicyAPIKey string `toml:"-"`
}

// DefaultHome returns the default mailpilot home directory.
// Respects the MAILPILOT_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILPILOT_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailpilot"
	}
	return filepath.Join(home, ".mailpilot")
}

// Load reads the configuration. With an empty path the default
// location (<home>/config.toml) is used and a missing file yields the
// defaults; an explicitly given path must exist. homeDir, when
// non-empty, overrides the home directory; otherwise it derives from
// the config file's directory (explicit path) or DefaultHome. The
// decision-policy API key is read from the environment exactly once,
// here: MAILPILOT_POLICY_API_KEY, or GROQ_API_KEY as a fallback name.
// The key never appears in the config file.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""
	if explicit {
		path = expandPath(path)
	}

	switch {
	case homeDir != "":
		homeDir = expandPath(homeDir)
	case explicit:
		homeDir = filepath.Dir(path)
	default:
		homeDir = DefaultHome()
	}

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		OAuth: OAuthConfig{
			ListenAddr: "localhost:8089",
		},
		Mail: MailConfig{
			Query:            "in:inbox is:unread",
			PageSize:         100,
			RateLimitUnits:   250,
			MaxAttempts:      5,
			FetchConcurrency: 4,
		},
		Policy: PolicyConfig{
			Provider:      "rules",
			DecideTimeout: "30s",
		},
		Run: RunConfig{
			Schedule: "@every 5m",
		},
	}

	// The default config file is optional; an explicit one is not.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		cfg.loadSecrets()
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = resolvePath(cfg.Data.DataDir, homeDir)
	cfg.OAuth.ClientSecrets = resolvePath(cfg.OAuth.ClientSecrets, homeDir)
	cfg.loadSecrets()

	return cfg, nil
}

// resolvePath expands ~ and resolves relative paths against the home
// directory.
func resolvePath(path, homeDir string) string {
	if path == "" {
		return path
	}
	path = expandPath(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(homeDir, path)
	}
	return path
}

// loadSecrets pulls secret values from the environment.
func (c *Config) loadSecrets() {
	if k := os.Getenv("MAILPILOT_POLICY_API_KEY"); k != "" {
		c.PolicyAPIKey = k
		return
	}
	c.PolicyAPIKey = os.Getenv("GROQ_API_KEY")
}

// Validate checks settings that must fail at startup, not mid-loop.
func (c *Config) Validate() error {
	switch c.Policy.Provider {
	case "rules":
	case "llm":
		if c.PolicyAPIKey == "" {
			return fmt.Errorf("policy provider %q needs MAILPILOT_POLICY_API_KEY (or GROQ_API_KEY) set", c.Policy.Provider)
		}
	default:
		return fmt.Errorf("unknown policy provider %q", c.Policy.Provider)
	}
	return nil
}

// LedgerPath returns the path to the processed-message database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Data.DataDir, "ledger.db")
}

// CredentialPath returns the path to the stored OAuth credential.
func (c *Config) CredentialPath() string {
	return filepath.Join(c.Data.DataDir, "token.json")
}

// ClientSecretsPath returns the OAuth client secrets location,
// defaulting to client_secrets.json in the data directory.
func (c *Config) ClientSecretsPath() string {
	if c.OAuth.ClientSecrets != "" {
		return c.OAuth.ClientSecrets
	}
	return filepath.Join(c.Data.DataDir, "client_secrets.json")
}

// expandPath expands a leading ~ to the user's home directory. "~user"
// notation is left alone.
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
