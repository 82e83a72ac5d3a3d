package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/policy"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TOKENGATE_"

// Token store backends.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Prompt styles.
const (
	PromptTUI  = "tui"
	PromptLine = "line"
)

// Config holds the runtime configuration for tokengate.
type Config struct {
	// Origin is the page the broker starts on, e.g. https://gateway.example.com/
	Origin     string `validate:"required,url"`
	DataDir    string `validate:"required"`
	PolicyFile string
	Store      string `validate:"oneof=sqlite file memory"`
	Prompt     string `validate:"oneof=tui line"`

	LogLevel  string
	LogFormat string `validate:"omitempty,oneof=json console auto"`
	LogFile   string

	MetricsAddr string `validate:"omitempty,hostname_port"`

	VerifyTLS      bool
	TLSFingerprint string `validate:"omitempty,hexadecimal|contains=:"`
	Timeout        time.Duration
	DNSCacheTTL    time.Duration

	// EnvFile is the .env in DataDir, whether or not it exists. The watcher
	// reloads it.
	EnvFile string

	// Policies is the table loaded from PolicyFile, or the default table.
	Policies *policy.Table
}

var validate = validator.New()

// DefaultDataDir returns the per-user directory tokengate keeps its state in.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "tokengate")
	}
	return ".tokengate"
}

// Load reads configuration from the environment. A .env file in the data
// directory and one in the working directory are loaded first; variables
// already set in the process win over both.
func Load() (*Config, error) {
	dataDir := DefaultDataDir()
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Origin:      "https://localhost/",
		DataDir:     dataDir,
		Store:       StoreSQLite,
		Prompt:      PromptTUI,
		LogLevel:    "info",
		LogFormat:   "auto",
		VerifyTLS:   true,
		Timeout:     30 * time.Second,
		DNSCacheTTL: 5 * time.Minute,
		EnvFile:     envFile,
	}

	if v := getEnv("ORIGIN"); v != "" {
		cfg.Origin = v
	}
	if v := getEnv("POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
	if v := getEnv("STORE"); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	if v := getEnv("PROMPT"); v != "" {
		cfg.Prompt = strings.ToLower(v)
	}
	if v := getEnv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getEnv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := getEnv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := getEnv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getEnv("VERIFY_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %sVERIFY_TLS %q: %w", EnvPrefix, v, err)
		}
		cfg.VerifyTLS = b
	}
	if v := getEnv("TLS_FINGERPRINT"); v != "" {
		cfg.TLSFingerprint = v
	}
	if v := getEnv("TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %sTIMEOUT %q: %w", EnvPrefix, v, err)
		}
		cfg.Timeout = d
	}
	if v := getEnv("DNS_CACHE_TTL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %sDNS_CACHE_TTL %q: %w", EnvPrefix, v, err)
		}
		cfg.DNSCacheTTL = d
	}

	policies, err := LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policies = policies

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values tokengate cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return gateerrors.WrapValidationError("validate config", err)
	}
	if c.Timeout < time.Second {
		return gateerrors.WrapValidationError("validate config",
			fmt.Errorf("timeout must be at least 1 second, got %s", c.Timeout))
	}
	if c.DNSCacheTTL < 0 {
		return gateerrors.WrapValidationError("validate config",
			fmt.Errorf("dns cache ttl must not be negative, got %s", c.DNSCacheTTL))
	}
	return nil
}

// StorePath returns the file backing the configured store, or "" for the
// memory store.
func (c *Config) StorePath() string {
	switch c.Store {
	case StoreSQLite:
		return filepath.Join(c.DataDir, "tokens.db")
	case StoreFile:
		return filepath.Join(c.DataDir, "tokens.json")
	default:
		return ""
	}
}

func getEnv(name string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(EnvPrefix+name)), `'"`)
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}
