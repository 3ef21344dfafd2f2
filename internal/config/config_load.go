package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/relayclaw/internal/providers"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			Mode:           "polling",
			Interval:       "30s",
			FetchLimit:     20,
			BufferSize:     100,
			InitialBacklog: 3,
		},
		Trigger: TriggerConfig{MinLength: 2},
		Cooldown: CooldownConfig{
			Interval: "60s",
			Scope:    "channel",
		},
		Generation: GenerationConfig{
			APIBase:        providers.OpenRouterAPIBase,
			PrimaryModel:   "google/gemini-2.5-flash-lite",
			FallbackModel:  "openai/gpt-oss-120b",
			Attempts:       3,
			AttemptTimeout: "10s",
			RetryDelay:     "1s",
			MaxTokens:      600,
			Temperature:    0.7,
			MaxSentences:   2,
			MaxWords:       30,
			ContextTurns:   10,
			FailurePolicy:  "skip",
			RequestCosts:   map[string]float64{"openai/gpt-oss-120b": 0.00765},
		},
		Delivery: DeliveryConfig{
			MaxAttempts:   3,
			MaxRetryAfter: "30s",
			Typing:        true,
		},
		Relay: RelayConfig{
			Timeout:   "30s",
			Workers:   4,
			QueueSize: 64,
		},
		Store: StoreConfig{
			Backend:      "sqlite",
			SQLitePath:   "~/.relayclaw/state.db",
			KeyPrefix:    "relayclaw",
			HistoryLimit: 100,
		},
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			WebhookRPM: 120,
		},
	}
}

// Load reads config from a JSON5 file, then a .env file, then overlays env
// vars. A missing config file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. The unprefixed names are
// accepted for deployments that predate the RELAYCLAW_ prefix.
func (c *Config) applyEnvOverrides() {
	envStr := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}
	envInt := func(dst *int, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					*dst = n
					return
				}
			}
		}
	}

	// Secrets
	envStr(&c.Discord.Token, "RELAYCLAW_DISCORD_TOKEN", "DISCORD_TOKEN")
	envStr(&c.Generation.APIKey, "RELAYCLAW_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	envStr(&c.Relay.Token, "RELAYCLAW_RELAY_TOKEN")
	envStr(&c.Server.PollToken, "RELAYCLAW_POLL_TOKEN")
	envStr(&c.Store.PostgresDSN, "RELAYCLAW_POSTGRES_DSN")
	envStr(&c.Store.RedisURL, "RELAYCLAW_REDIS_URL")

	if v := firstEnv("RELAYCLAW_CHANNELS", "TARGET_CHANNEL"); v != "" {
		c.Discord.Channels = splitList(v)
	}
	if v := firstEnv("RELAYCLAW_CHECK_INTERVAL", "CHECK_INTERVAL"); v != "" {
		c.Ingest.Interval = v
	}
	envStr(&c.Ingest.Mode, "RELAYCLAW_INGEST_MODE")
	envStr(&c.Ingest.Cron, "RELAYCLAW_POLL_CRON")
	envStr(&c.Cooldown.Interval, "RELAYCLAW_COOLDOWN")
	envStr(&c.Generation.PrimaryModel, "RELAYCLAW_PRIMARY_MODEL")
	envStr(&c.Generation.FallbackModel, "RELAYCLAW_FALLBACK_MODEL")
	envStr(&c.Generation.APIBase, "RELAYCLAW_API_BASE")

	envStr(&c.Relay.Role, "RELAYCLAW_RELAY_ROLE")
	envStr(&c.Relay.ResponderURL, "RELAYCLAW_RESPONDER_URL")
	envStr(&c.Relay.CallbackURL, "RELAYCLAW_CALLBACK_URL")

	envStr(&c.Store.Backend, "RELAYCLAW_STORE")
	envStr(&c.Store.SQLitePath, "RELAYCLAW_SQLITE_PATH")

	envStr(&c.Server.Host, "RELAYCLAW_HOST")
	envInt(&c.Server.Port, "RELAYCLAW_PORT", "PORT")

	envStr(&c.Telemetry.Endpoint, "RELAYCLAW_TELEMETRY_ENDPOINT")
	envStr(&c.Telemetry.Protocol, "RELAYCLAW_TELEMETRY_PROTOCOL")
	if v := os.Getenv("RELAYCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Validate checks the sections the configured role needs. A responder
// neither watches channels nor posts to the platform.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sections := []any{&c.Store, &c.Server, &c.Relay, &c.Telemetry, &c.Generation}
	if c.Relay.Role != "responder" {
		sections = append(sections, &c.Discord, &c.Ingest, &c.Trigger, &c.Cooldown, &c.Delivery)
	}
	var errs []error
	for _, s := range sections {
		if err := validate.Struct(s); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Ingest.Cron != "" && c.Ingest.Mode != "polling" {
		errs = append(errs, errors.New("ingest.cron requires ingest.mode polling"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Instructions returns the system instructions: the contents of
// instructions_file when set, else "".
func (c *Config) Instructions() (string, error) {
	c.mu.RLock()
	path := c.Generation.InstructionsFile
	c.mu.RUnlock()
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Redacted returns a copy with every secret masked, for printing.
func (c *Config) Redacted() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := &Config{
		Discord:    c.Discord,
		Ingest:     c.Ingest,
		Trigger:    c.Trigger,
		Cooldown:   c.Cooldown,
		Generation: c.Generation,
		Delivery:   c.Delivery,
		Relay:      c.Relay,
		Store:      c.Store,
		Server:     c.Server,
		Telemetry:  c.Telemetry,
	}
	maskNonEmpty(&cp.Discord.Token)
	maskNonEmpty(&cp.Generation.APIKey)
	maskNonEmpty(&cp.Relay.Token)
	maskNonEmpty(&cp.Server.PollToken)
	maskNonEmpty(&cp.Store.PostgresDSN)
	maskNonEmpty(&cp.Store.RedisURL)
	return cp
}

const secretMask = "***"

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
