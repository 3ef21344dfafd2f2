package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relayclaw/internal/tracing"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so channel IDs
// can be written as numbers. Numbers keep every digit: snowflakes do not fit
// a float64.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case json.Number:
			result = append(result, val.String())
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for relayclaw.
type Config struct {
	Discord    DiscordConfig    `json:"discord"`
	Ingest     IngestConfig     `json:"ingest"`
	Trigger    TriggerConfig    `json:"trigger"`
	Cooldown   CooldownConfig   `json:"cooldown"`
	Generation GenerationConfig `json:"generation"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Relay      RelayConfig      `json:"relay"`
	Store      StoreConfig      `json:"store"`
	Server     ServerConfig     `json:"server"`
	Telemetry  tracing.Config   `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// DiscordConfig holds the bot credentials and the watched channels.
// Token is NEVER read from the config file, only from env.
type DiscordConfig struct {
	Token               string              `json:"-" validate:"required"`
	Channels            FlexibleStringSlice `json:"channels" validate:"required,min=1,dive,numeric"`
	MaxMissedHeartbeats int                 `json:"max_missed_heartbeats,omitempty" validate:"gte=0"`
	ReconnectMax        string              `json:"reconnect_max,omitempty"` // e.g. "2m"
}

// IngestConfig selects how new messages arrive.
type IngestConfig struct {
	Mode           string `json:"mode" validate:"oneof=polling gateway"`
	Interval       string `json:"interval,omitempty"` // polling tick, e.g. "30s"
	Cron           string `json:"cron,omitempty"`     // polling schedule; overrides Interval
	FetchLimit     int    `json:"fetch_limit" validate:"gte=1,lte=100"`
	BufferSize     int    `json:"buffer_size,omitempty" validate:"gte=0"`
	InitialBacklog int    `json:"initial_backlog" validate:"gte=0"`
}

// TriggerConfig decides which messages get a reply. Hot-reloadable.
type TriggerConfig struct {
	MinLength int    `json:"min_length" validate:"gte=0"`
	Word      string `json:"word,omitempty"`
}

// CooldownConfig rate-limits replies. Interval is hot-reloadable.
type CooldownConfig struct {
	Interval string `json:"interval"` // e.g. "60s"
	Scope    string `json:"scope" validate:"oneof=channel channel_author"`
}

// GenerationConfig configures the text-generation service.
// APIKey is NEVER read from the config file, only from env.
type GenerationConfig struct {
	APIBase          string   `json:"api_base" validate:"required,url"`
	APIKey           string   `json:"-"`
	PrimaryModel     string   `json:"primary_model" validate:"required"`
	FallbackModel    string   `json:"fallback_model,omitempty"`
	Attempts         int      `json:"attempts" validate:"gte=1,lte=10"`
	AttemptTimeout   string   `json:"attempt_timeout"`
	RetryDelay       string   `json:"retry_delay"`
	MaxTokens        int      `json:"max_tokens" validate:"gte=1"`
	Temperature      float64  `json:"temperature" validate:"gte=0,lte=2"`
	MaxSentences     int      `json:"max_sentences" validate:"gte=1"`
	MaxWords         int      `json:"max_words" validate:"gte=1"`
	ContextTurns     int      `json:"context_turns" validate:"gte=0"`
	InstructionsFile string   `json:"instructions_file,omitempty"`
	FailurePolicy    string   `json:"failure_policy" validate:"oneof=skip retry"`
	RefusalPhrases   []string `json:"refusal_phrases,omitempty"`

	// RequestCosts is the estimated USD price of one completion per model.
	// Models not listed are free tier.
	RequestCosts map[string]float64 `json:"request_costs,omitempty" validate:"dive,gte=0"`
}

// DeliveryConfig tunes reply posting.
type DeliveryConfig struct {
	MaxAttempts   int     `json:"max_attempts" validate:"gte=1"`
	MaxRetryAfter string  `json:"max_retry_after"`
	RatePerSecond float64 `json:"rate_per_second,omitempty" validate:"gte=0"`
	Burst         int     `json:"burst,omitempty" validate:"gte=0"`
	Typing        bool    `json:"typing"`
}

// RelayConfig configures the hybrid topology. Role "connector" holds the
// platform connection and forwards triggers; "responder" only generates.
// Token is NEVER read from the config file, only from env.
type RelayConfig struct {
	Role         string `json:"role,omitempty" validate:"omitempty,oneof=connector responder"`
	ResponderURL string `json:"responder_url,omitempty" validate:"required_if=Role connector,omitempty,url"`
	CallbackURL  string `json:"callback_url,omitempty" validate:"required_if=Role connector,omitempty,url"`
	Token        string `json:"-"`
	Timeout      string `json:"timeout,omitempty"`
	Workers      int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize    int    `json:"queue_size,omitempty" validate:"gte=0"`
}

// StoreConfig selects the durable state backend.
// PostgresDSN and RedisURL are NEVER read from the config file, only from env.
type StoreConfig struct {
	Backend      string `json:"backend" validate:"oneof=memory sqlite postgres redis"`
	SQLitePath   string `json:"sqlite_path,omitempty"`
	PostgresDSN  string `json:"-"`
	RedisURL     string `json:"-"`
	KeyPrefix    string `json:"key_prefix,omitempty"`
	HistoryLimit int    `json:"history_limit" validate:"gte=1"`
}

// ServerConfig is the HTTP listener. PollToken comes from env only.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port" validate:"gte=1,lte=65535"`
	PollToken      string   `json:"-"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	WebhookRPM     int      `json:"webhook_rpm,omitempty" validate:"gte=0"`
}

// PollInterval returns the polling tick, defaulting to 30s.
func (c *IngestConfig) PollInterval() time.Duration {
	return parseDuration(c.Interval, 30*time.Second)
}

// MinInterval returns the cooldown interval. Zero disables the gate.
func (c *CooldownConfig) MinInterval() time.Duration {
	return parseDuration(c.Interval, 0)
}

func (c *GenerationConfig) AttemptTimeoutDuration() time.Duration {
	return parseDuration(c.AttemptTimeout, 10*time.Second)
}

func (c *GenerationConfig) RetryDelayDuration() time.Duration {
	return parseDuration(c.RetryDelay, time.Second)
}

// Models returns the primary model followed by the fallback, if any.
func (c *GenerationConfig) Models() []string {
	models := []string{c.PrimaryModel}
	if c.FallbackModel != "" && c.FallbackModel != c.PrimaryModel {
		models = append(models, c.FallbackModel)
	}
	return models
}

func (c *DeliveryConfig) MaxRetryAfterDuration() time.Duration {
	return parseDuration(c.MaxRetryAfter, 30*time.Second)
}

func (c *RelayConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

func (c *DiscordConfig) ReconnectMaxDuration() time.Duration {
	return parseDuration(c.ReconnectMax, 2*time.Minute)
}

// parseDuration accepts Go durations ("45s") and bare integers as seconds.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

// Tunables is the hot-reloadable subset of the config.
type Tunables struct {
	CooldownInterval time.Duration
	Trigger          TriggerConfig
}

// Tunables returns a snapshot of the hot-reloadable settings.
func (c *Config) Tunables() Tunables {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Tunables{
		CooldownInterval: c.Cooldown.MinInterval(),
		Trigger:          c.Trigger,
	}
}

// Scopes returns the watched channel IDs.
func (c *Config) Scopes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Discord.Channels...)
}
