package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/pulse-tokengate/internal/broker"
	"github.com/rcourtman/pulse-tokengate/internal/config"
	"github.com/rcourtman/pulse-tokengate/internal/location"
	"github.com/rcourtman/pulse-tokengate/internal/logging"
	"github.com/rcourtman/pulse-tokengate/internal/prompt"
	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
	"github.com/rcourtman/pulse-tokengate/internal/transport"
)

var (
	// Version information (set at build time with -ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Persistent flag values. Empty means "use the environment".
var (
	originFlag      string
	dataDirFlag     string
	policyFileFlag  string
	storeFlag       string
	promptFlag      string
	logLevelFlag    string
	metricsAddrFlag string
)

// stdin is where prompts read from. Tests replace it.
var stdin io.Reader = os.Stdin

var rootCmd = &cobra.Command{
	Use:   "tokengate",
	Short: "Client-side credential broker for token-gated routes",
	Long: `tokengate attaches stored access tokens to requests for token-gated routes,
prompts for a token when the gateway rejects one, and carries tokens across
link navigation.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tokengate %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&originFlag, "origin", "", "page URL the broker starts on (TOKENGATE_ORIGIN)")
	flags.StringVar(&dataDirFlag, "data-dir", "", "directory for tokens and .env (TOKENGATE_DATA_DIR)")
	flags.StringVar(&policyFileFlag, "policy-file", "", "YAML, JSON(C) or TOML policy table (TOKENGATE_POLICY_FILE)")
	flags.StringVar(&storeFlag, "store", "", "token store: sqlite, file or memory (TOKENGATE_STORE)")
	flags.StringVar(&promptFlag, "prompt", "", "prompt style: tui or line (TOKENGATE_PROMPT)")
	flags.StringVar(&logLevelFlag, "log-level", "", "log level (TOKENGATE_LOG_LEVEL)")
	flags.StringVar(&metricsAddrFlag, "metrics-addr", "", "serve Prometheus metrics on this address (TOKENGATE_METRICS_ADDR)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides on top.
func loadConfig() (*config.Config, error) {
	if dataDirFlag != "" {
		if err := os.Setenv(config.EnvPrefix+"DATA_DIR", dataDirFlag); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if storeFlag != "" {
		cfg.Store = strings.ToLower(storeFlag)
	}
	if promptFlag != "" {
		cfg.Prompt = strings.ToLower(promptFlag)
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if metricsAddrFlag != "" {
		cfg.MetricsAddr = metricsAddrFlag
	}
	if policyFileFlag != "" {
		policies, err := config.LoadPolicies(policyFileFlag)
		if err != nil {
			return nil, err
		}
		cfg.PolicyFile = policyFileFlag
		cfg.Policies = policies
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tokengate",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

// openStore opens the configured token store.
func openStore(cfg *config.Config) (tokenstore.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return tokenstore.NewMemory(), nil
	case config.StoreFile:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		return tokenstore.NewFile(cfg.StorePath())
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		return tokenstore.NewSQLite(cfg.StorePath())
	}
}

func closeStore(store tokenstore.Store) {
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close token store")
		}
	}
}

// newPrompter picks the modal when stdin is a terminal and the line prompt
// otherwise.
func newPrompter(cfg *config.Config) prompt.Prompter {
	if cfg.Prompt == config.PromptTUI {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return prompt.NewTUI(f, os.Stderr)
		}
	}
	return prompt.NewLine(stdin, os.Stderr)
}

// session is everything a broker-backed command needs.
type session struct {
	cfg     *config.Config
	store   tokenstore.Store
	broker  *broker.Broker
	client  *http.Client
	watcher *config.ConfigWatcher
	cancel  context.CancelFunc
}

// openSession wires config, store, prompter, page and transport into a
// Broker, and starts the metrics endpoint and .env watcher when configured.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	page, err := location.NewPage(cfg.Origin)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	// The configured timeout applies to each send. The gated client itself
	// has none, so a prompt can stay open as long as the person needs.
	base := transport.NewClient(transport.Options{
		VerifyTLS:   cfg.VerifyTLS,
		Fingerprint: cfg.TLSFingerprint,
		Timeout:     cfg.Timeout,
		DNSCacheTTL: cfg.DNSCacheTTL,
	})

	logger := log.With().Str("component", "broker").Logger()
	b, err := broker.New(broker.Options{
		Policies:  cfg.Policies,
		Store:     store,
		Prompter:  newPrompter(cfg),
		Page:      page,
		Transport: base.Transport,
		Logger:    &logger,
	})
	if err != nil {
		closeStore(store)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{cfg: cfg, store: store, broker: b, client: b.Client(base), cancel: cancel}

	if cfg.MetricsAddr != "" {
		if _, err := startMetricsServer(ctx, cfg.MetricsAddr); err != nil {
			log.Warn().Err(err).Msg("Metrics endpoint disabled")
		}
	}

	watcher, err := config.NewConfigWatcher(cfg, func(level string) {
		previous := zerolog.GlobalLevel()
		applied := logging.SetLevel(level)
		log.Info().Str("from", previous.String()).Str("to", applied.String()).Msg("Log level changed")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes need a restart")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
		watcher.Stop()
	} else {
		s.watcher = watcher
		s.reloadOnHangup(ctx)
	}

	return s, nil
}

// reloadOnHangup re-reads the .env file whenever the process gets SIGHUP.
func (s *session) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Info().Msg("Received SIGHUP, reloading configuration")
				s.watcher.ReloadConfig()
			}
		}
	}()
}

func (s *session) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.cancel()
	closeStore(s.store)
	logging.Shutdown()
}
