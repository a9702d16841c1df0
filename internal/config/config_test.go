package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) ManagerOption {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestEnvOnly(t *testing.T) {
	m := NewConfigManager("", WithEnvFile(""), envMap(map[string]string{
		EnvToken:       "123:abc",
		EnvAdminUserID: " 42 ",
	}))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "123:abc", cfg.Telegram.Token)
	require.Equal(t, int64(42), cfg.Telegram.AdminUserID)
	require.Equal(t, "data/chats.json", cfg.Storage.Path)
	require.True(t, cfg.Logging.Console)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 10*time.Second, cfg.PollTimeoutDuration())
	require.Equal(t, 720*time.Hour, cfg.AuditRetention())
	require.True(t, cfg.PruneEnabled())
	require.Same(t, cfg, m.Get(), "Load did not commit")
}

func TestMissingRequired(t *testing.T) {
	cases := map[string]map[string]string{
		"no token":           {EnvAdminUserID: "42"},
		"no admin":           {EnvToken: "t"},
		"admin not a number": {EnvToken: "t", EnvAdminUserID: "owner"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfigManager("", WithEnvFile(""), envMap(env)).Load()
			require.Error(t, err)
		})
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
telegram:
  token: from-file
  admin_user_id: 1
storage:
  path: file.json
logging:
  level: debug
`)
	envPath := writeFile(t, dir, ".env", "BOT_TOKEN=from-dotenv\nCHAT_STORE_PATH=dotenv.json\n")

	cfg, err := NewConfigManager(cfgPath, WithEnvFile(envPath), envMap(map[string]string{
		EnvToken: "from-env",
	})).Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Telegram.Token, "process env wins")
	require.Equal(t, "dotenv.json", cfg.Storage.Path, "dotenv beats the file")
	require.Equal(t, int64(1), cfg.Telegram.AdminUserID)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestMissingDotenvIgnored(t *testing.T) {
	_, err := NewConfigManager("", WithEnvFile(filepath.Join(t.TempDir(), ".env")), envMap(map[string]string{
		EnvToken: "t", EnvAdminUserID: "7",
	})).Load()
	require.NoError(t, err)
}

func TestStrictDecode(t *testing.T) {
	dir := t.TempDir()
	env := envMap(map[string]string{EnvToken: "t", EnvAdminUserID: "7"})

	unknown := writeFile(t, dir, "unknown.json", `{"telegram":{"tokn":"x"}}`)
	_, err := NewConfigManager(unknown, WithEnvFile(""), env).Load()
	require.Error(t, err, "unknown field accepted")

	trailing := writeFile(t, dir, "trailing.json", `{} {}`)
	_, err = NewConfigManager(trailing, WithEnvFile(""), env).Load()
	require.ErrorContains(t, err, "trailing")

	empty := writeFile(t, dir, "empty.yaml", "")
	_, err = NewConfigManager(empty, WithEnvFile(""), env).Load()
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{Telegram: TelegramConfig{Token: "t", AdminUserID: 1}}
		c.applyDefaults()
		return c
	}
	require.NoError(t, Validate(base()))

	c := base()
	c.Storage.Driver = "redis"
	require.Error(t, Validate(c), "unknown driver accepted")

	c = base()
	c.Audit.PruneSchedule = "every day"
	require.Error(t, Validate(c), "bad cron spec accepted")

	c = base()
	c.Audit.PruneSchedule = "off"
	require.NoError(t, Validate(c))
	require.False(t, c.PruneEnabled())

	c = base()
	c.Telegram.PollTimeout = "-1s"
	require.Error(t, Validate(c), "negative duration accepted")
}

func TestLogChatEnv(t *testing.T) {
	cfg, err := NewConfigManager("", WithEnvFile(""), envMap(map[string]string{
		EnvToken: "t", EnvAdminUserID: "7", EnvLogChatID: "-100123",
	})).Load()
	require.NoError(t, err)
	lc := cfg.LogConfig()
	require.True(t, lc.Telegram.Enabled)
	require.Equal(t, int64(-100123), lc.Telegram.ChatID)
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "secret"}, Logging: LoggingConfig{Level: "info"}}
	b := *a
	b.Logging.Level = "debug"

	changed, _, restart := SummarizeConfigChange(a, &b)
	require.Equal(t, []string{"logging"}, changed)
	require.Empty(t, restart)

	b.Telegram.Token = "other"
	changed, _, restart = SummarizeConfigChange(a, &b)
	require.Len(t, changed, 2)
	require.Equal(t, []string{"telegram"}, restart)
}

func TestSubscribeKeepsLatest(t *testing.T) {
	m := NewConfigManager("")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	require.Same(t, second, <-ch, "slow subscriber did not receive the newest config")
	m.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok, "channel not closed")
}
