// Command revizor watches GitLab repositories for new commits, analyzes each
// one with a completion model, and posts the verdict to a Telegram chat.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/revizor-dev/revizor/internal/analyze"
	"github.com/revizor-dev/revizor/internal/config"
	"github.com/revizor-dev/revizor/internal/gitlab"
	"github.com/revizor-dev/revizor/internal/ledger"
	"github.com/revizor-dev/revizor/internal/llm"
	"github.com/revizor-dev/revizor/internal/monitor"
	"github.com/revizor-dev/revizor/internal/notify"
)

var (
	flagConfig      string
	flagRepo        string
	flagSince       string
	flagHours       int
	flagDebug       bool
	flagMaxFiles    int
	flagMaxFileSize int
	flagOnce        bool
)

var rootCmd = &cobra.Command{
	Use:   "revizor",
	Short: "Monitor GitLab commits and review them with an LLM",
	Long: `revizor polls the configured GitLab repositories for new commits.
Each new commit is analyzed by a completion model (with model-selected
context files from the repository) and the verdict is delivered to a
Telegram chat. A local SQLite ledger guarantees every commit is
notified at most once.`,
	RunE: run,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&flagRepo, "repo", "", "poll only this repository (must be configured)")
	rootCmd.Flags().StringVar(&flagSince, "since", "", "analyze commits created after this time (format: 2006-01-02 15:04, local time)")
	rootCmd.Flags().IntVar(&flagHours, "hours", 1, "analyze commits from the last N hours")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().IntVar(&flagMaxFiles, "max-files", 0, "max changed files analyzed per commit (overrides config)")
	rootCmd.Flags().IntVar(&flagMaxFileSize, "max-file-size", 0, "max file size in characters before truncation (overrides config)")
	rootCmd.Flags().BoolVar(&flagOnce, "once", false, "run one polling cycle and exit")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagMaxFiles > 0 {
		cfg.MaxFiles = flagMaxFiles
	}
	if flagMaxFileSize > 0 {
		cfg.MaxFileSize = flagMaxFileSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if flagRepo != "" {
		if !cfg.HasRepository(flagRepo) {
			return fmt.Errorf("repository %s is not in the configured list", flagRepo)
		}
		cfg.Repositories = []string{flagRepo}
	}

	log, err := newLogger(flagDebug)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	startTime, err := resolveStartTime(flagSince, flagHours)
	if err != nil {
		return err
	}

	db, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer db.Close()

	git := gitlab.NewClient(cfg.GitLabURL, cfg.GitLabToken, log.Named("gitlab"))
	completer := newCompleter(cfg, log)
	breaker := llm.NewCircuitBreaker(5, 2, 30*time.Second, log.Named("breaker"))
	retry := llm.NewRetryPolicy(cfg.Retry, breaker, log.Named("retry"))

	m := monitor.New(
		cfg,
		db,
		git,
		analyze.NewDiscoverer(completer, retry, log.Named("discovery")),
		analyze.NewFetcher(git, cfg.MaxFileSize, log.Named("context")),
		analyze.NewAnalyzer(completer, retry, cfg.BatchFileThreshold, cfg.BatchBudget, log.Named("analysis")),
		notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, log.Named("telegram")),
		startTime,
		log.Named("monitor"),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s revizor started: %d repositories, model %s\n",
		green("✓"), len(cfg.Repositories), cfg.Model)

	if flagOnce {
		m.RunCycle(ctx)
		return nil
	}
	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newCompleter selects the completion backend from the model id: Anthropic
// models go through the native SDK, everything else through OpenRouter.
func newCompleter(cfg *config.Config, log *zap.Logger) llm.Completer {
	if llm.IsAnthropicModel(cfg.Model) && cfg.AnthropicAPIKey != "" {
		return llm.NewAnthropic(cfg.AnthropicAPIKey, cfg.Model, log.Named("anthropic"))
	}
	return llm.NewOpenRouter(llm.OpenRouterOptions{
		APIKey:            cfg.OpenRouterAPIKey,
		Model:             cfg.Model,
		SiteURL:           cfg.SiteURL,
		SiteName:          cfg.SiteName,
		RequestsPerSecond: 2,
		MaxConcurrent:     3,
	}, log.Named("openrouter"))
}

// resolveStartTime computes the lower bound for commit timestamps. An
// explicit --since wins over --hours.
func resolveStartTime(since string, hours int) (time.Time, error) {
	if since != "" {
		t, err := time.ParseInLocation("2006-01-02 15:04", since, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --since value %q (want 2006-01-02 15:04): %w", since, err)
		}
		return t, nil
	}
	return time.Now().UTC().Add(-time.Duration(hours) * time.Hour), nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}
