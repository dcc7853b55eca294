package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/authflow"
	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/credstore"
	"github.com/mailpilot/mailpilot/internal/fileutil"
	"github.com/mailpilot/mailpilot/internal/gmail"
	"github.com/mailpilot/mailpilot/internal/ledger"
	"github.com/mailpilot/mailpilot/internal/orchestrator"
	"github.com/mailpilot/mailpilot/internal/policy"
	"github.com/mailpilot/mailpilot/internal/policy/llm"
	"github.com/mailpilot/mailpilot/internal/policy/rules"
)

var (
	cfgFile string
	homeDir string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailpilot",
	Short: "Gmail automation agent",
	Long: `mailpilot watches a Gmail inbox and handles new mail on the
account owner's behalf: each unseen message is fetched once, handed to
a decision policy, and the chosen action (reply, archive, label,
forward) is applied and recorded so it is never repeated.

Access is delegated via OAuth; the account password is never seen.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile, homeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// The data directory holds the OAuth token, keep it private.
		if err := fileutil.MkdirPrivate(cfg.Data.DataDir); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}

		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// oauthSetupHint returns help text for OAuth configuration issues.
func oauthSetupHint() string {
	secretsPath := "<data dir>/client_secrets.json"
	if cfg != nil {
		secretsPath = cfg.ClientSecretsPath()
	}
	return fmt.Sprintf(`
To use mailpilot, you need a Google Cloud OAuth credential:
  1. Create an OAuth client of type "Desktop app" in the Google Cloud console
  2. Download the client secrets JSON file
  3. Save it as %s, or point [oauth] client_secrets at it`, secretsPath)
}

// newConsentFlow builds the browser consent flow from the configured
// client secrets file.
func newConsentFlow() (*authflow.Flow, error) {
	flow, err := authflow.NewFromSecretsFile(cfg.ClientSecretsPath(),
		authflow.WithListenAddr(cfg.OAuth.ListenAddr),
		authflow.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("OAuth client secrets not usable: %w%s", err, oauthSetupHint())
	}
	return flow, nil
}

// newMailClient wires the credential store, consent flow and refresher
// into a ready Gmail client.
func newMailClient() (*gmail.Client, error) {
	flow, err := newConsentFlow()
	if err != nil {
		return nil, err
	}

	store := credstore.New(cfg.CredentialPath())
	refresher := &gmail.OAuthRefresher{Config: flow.Config()}
	creds := gmail.NewCredentialSource(store, flow, refresher, logger)

	client := gmail.NewClient(creds,
		gmail.WithLogger(logger),
		gmail.WithPacer(gmail.NewPacer(float64(cfg.Mail.RateLimitUnits))),
		gmail.WithMaxAttempts(cfg.Mail.MaxAttempts),
		gmail.WithPageSize(cfg.Mail.PageSize),
	)
	return client, nil
}

// newPolicy builds the configured decision policy.
func newPolicy() (policy.Policy, error) {
	switch cfg.Policy.Provider {
	case "rules":
		p := rules.New()
		if cfg.Policy.ReceiptLabel != "" {
			p.ReceiptLabel = cfg.Policy.ReceiptLabel
		}
		if cfg.Policy.ReplyTemplate != "" {
			p.ReplyTemplate = cfg.Policy.ReplyTemplate
		}
		return p, nil
	case "llm":
		return llm.New(llm.Config{
			Endpoint: cfg.Policy.Endpoint,
			Model:    cfg.Policy.Model,
			APIKey:   cfg.PolicyAPIKey,
		})
	default:
		return nil, fmt.Errorf("unknown policy provider %q", cfg.Policy.Provider)
	}
}

// newRunner assembles the full poll-decide-act pipeline. The caller
// owns closing the returned ledger.
func newRunner() (*orchestrator.Runner, *ledger.Ledger, error) {
	client, err := newMailClient()
	if err != nil {
		return nil, nil, err
	}

	led, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	pol, err := newPolicy()
	if err != nil {
		led.Close()
		return nil, nil, err
	}

	decideTimeout, err := time.ParseDuration(cfg.Policy.DecideTimeout)
	if err != nil {
		led.Close()
		return nil, nil, fmt.Errorf("parse policy decide_timeout: %w", err)
	}

	runner := orchestrator.New(client, led, pol,
		orchestrator.WithLogger(logger),
		orchestrator.WithQuery(cfg.Mail.Query),
		orchestrator.WithFetchConcurrency(cfg.Mail.FetchConcurrency),
		orchestrator.WithDecideTimeout(decideTimeout),
	)
	return runner, led, nil
}

// printCycleSummary reports one cycle's outcome on stdout.
func printCycleSummary(s *orchestrator.CycleSummary) {
	fmt.Println("Cycle complete!")
	fmt.Printf("  Duration:          %s\n", s.Duration.Round(time.Millisecond))
	fmt.Printf("  Listed:            %d\n", s.Listed)
	fmt.Printf("  Already processed: %d\n", s.AlreadyProcessed)
	fmt.Printf("  Applied:           %d\n", s.Applied)
	if s.Failed > 0 {
		fmt.Printf("  Failed:            %d\n", s.Failed)
	}
	if s.NotFound > 0 {
		fmt.Printf("  Disappeared:       %d\n", s.NotFound)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailpilot/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides MAILPILOT_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
