package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "polling", cfg.Ingest.Mode)
	assert.Equal(t, 30*time.Second, cfg.Ingest.PollInterval())
	assert.Equal(t, []string{"google/gemini-2.5-flash-lite", "openai/gpt-oss-120b"}, cfg.Generation.Models())
}

func TestLoadJSON5AndEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		// comments and trailing commas are fine
		discord: { channels: [1470478653606461532, "42"], },
		cooldown: { interval: "90s", scope: "channel_author" },
		generation: { max_words: 25 },
	}`)
	t.Setenv("DISCORD_TOKEN", "tok")
	t.Setenv("PORT", "9999")
	t.Setenv("CHECK_INTERVAL", "45")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, FlexibleStringSlice{"1470478653606461532", "42"}, cfg.Discord.Channels)
	assert.Equal(t, 90*time.Second, cfg.Cooldown.MinInterval())
	assert.Equal(t, "channel_author", cfg.Cooldown.Scope)
	assert.Equal(t, 25, cfg.Generation.MaxWords)
	assert.Equal(t, 2, cfg.Generation.MaxSentences)
	assert.Equal(t, "tok", cfg.Discord.Token)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Ingest.PollInterval())
	require.NoError(t, cfg.Validate())
}

func TestPrefixedEnvWins(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "old")
	t.Setenv("RELAYCLAW_DISCORD_TOKEN", "new")
	t.Setenv("TARGET_CHANNEL", "1, 2 ,")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "new", cfg.Discord.Token)
	assert.Equal(t, FlexibleStringSlice{"1", "2"}, cfg.Discord.Channels)
}

func TestSecretsNeverComeFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"discord": {"token": "from-file"}, "store": {"postgres_dsn": "x"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Discord.Token)
	assert.Empty(t, cfg.Store.PostgresDSN)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Discord.Token = "t"
		c.Discord.Channels = FlexibleStringSlice{"123"}
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults with credentials", func(c *Config) {}, false},
		{"missing token", func(c *Config) { c.Discord.Token = "" }, true},
		{"negative request cost", func(c *Config) { c.Generation.RequestCosts["x"] = -1 }, true},
		{"no channels", func(c *Config) { c.Discord.Channels = nil }, true},
		{"non numeric channel", func(c *Config) { c.Discord.Channels = FlexibleStringSlice{"general"} }, true},
		{"bad mode", func(c *Config) { c.Ingest.Mode = "webhook" }, true},
		{"fetch limit over platform max", func(c *Config) { c.Ingest.FetchLimit = 101 }, true},
		{"bad failure policy", func(c *Config) { c.Generation.FailurePolicy = "drop" }, true},
		{"bad cooldown scope", func(c *Config) { c.Cooldown.Scope = "guild" }, true},
		{"connector needs urls", func(c *Config) { c.Relay.Role = "connector" }, true},
		{"connector with urls", func(c *Config) {
			c.Relay.Role = "connector"
			c.Relay.ResponderURL = "https://responder.example"
			c.Relay.CallbackURL = "https://connector.example/relay/response"
		}, false},
		{"responder skips discord", func(c *Config) {
			c.Relay.Role = "responder"
			c.Discord = DiscordConfig{}
		}, false},
		{"cron needs polling", func(c *Config) {
			c.Ingest.Mode = "gateway"
			c.Ingest.Cron = "* * * * *"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 7 * time.Second},
		{"45s", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"30", 30 * time.Second},
		{"-5s", 7 * time.Second},
		{"soon", 7 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseDuration(tt.in, 7*time.Second), tt.in)
	}
}

func TestRedacted(t *testing.T) {
	c := Default()
	c.Discord.Token = "secret"
	c.Generation.APIKey = "key"

	r := c.Redacted()
	assert.Equal(t, secretMask, r.Discord.Token)
	assert.Equal(t, secretMask, r.Generation.APIKey)
	assert.Empty(t, r.Relay.Token)
	assert.Equal(t, "secret", c.Discord.Token)
}

func TestInstructions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instructions.txt")
	require.NoError(t, os.WriteFile(path, []byte("  Be brief.\n"), 0o600))

	c := Default()
	text, err := c.Instructions()
	require.NoError(t, err)
	assert.Empty(t, text)

	c.Generation.InstructionsFile = path
	text, err = c.Instructions()
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", text)
}

func TestWatchReloadsTunables(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{cooldown: {interval: "60s", scope: "channel"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Tunables, 4)
	go cfg.Watch(ctx, path, func(t Tunables) { got <- t })

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, `{cooldown: {interval: "5s", scope: "channel"}, trigger: {word: "claw", min_length: 3}}`)

	select {
	case tun := <-got:
		assert.Equal(t, 5*time.Second, tun.CooldownInterval)
		assert.Equal(t, "claw", tun.Trigger.Word)
		assert.Equal(t, 3, tun.Trigger.MinLength)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
