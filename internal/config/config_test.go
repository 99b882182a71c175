package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/shellagent/internal/pty"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:1337", cfg.Listen)
	assert.Equal(t, pty.UserSwitchFail, cfg.UserSwitchPolicy())

	timing := cfg.SessionTiming()
	assert.Equal(t, 100*time.Millisecond, timing.Warmup)
	assert.Equal(t, 50*time.Millisecond, timing.Poll)
	assert.Equal(t, 300*time.Millisecond, timing.Silence)

	opts := cfg.PTYOptions()
	assert.Equal(t, "dumb", opts.Term)
	assert.Equal(t, uint16(24), opts.Rows)
	assert.Equal(t, uint16(200), opts.Cols)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "agent.yaml", `
listen: 0.0.0.0:2000
user_switch: fallback
shell:
  path: /bin/sh
  args: ["-i"]
timing:
  silence_ms: 500
tunnel:
  listen: "127.0.0.1:8443"
  secret: hunter2
audit:
  path: /tmp/audit.db
  retention_hours: 12
  prune_schedule: "*/10 * * * *"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:2000", cfg.Listen)
	assert.Equal(t, pty.UserSwitchFallback, cfg.UserSwitchPolicy())
	assert.Equal(t, "/bin/sh", cfg.Shell.Path)
	assert.Equal(t, []string{"-i"}, cfg.Shell.Args)
	assert.Equal(t, 500, cfg.Timing.SilenceMs)
	assert.Equal(t, 100, cfg.Timing.WarmupMs, "unset keys keep defaults")
	assert.Equal(t, "hunter2", cfg.Tunnel.Secret)
	assert.Equal(t, 12*time.Hour, cfg.Retention())
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "agent.json", `{"listen":"127.0.0.1:4000","logging":{"level":"debug","pretty":true}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LoggerConfig().Level)
	assert.True(t, cfg.LoggerConfig().Pretty)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "agent.yaml", "listen: 127.0.0.1:2000\n")
	t.Setenv("SHELLAGENT_LISTEN", "127.0.0.1:3000")
	t.Setenv("SHELLAGENT_TUNNEL_LISTEN", "127.0.0.1:8443")
	t.Setenv("SHELLAGENT_TUNNEL_SECRET", "from-env")
	t.Setenv("SHELLAGENT_TIMING_POLL_MS", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", cfg.Listen)
	assert.Equal(t, "from-env", cfg.Tunnel.Secret)
	assert.Equal(t, 20, cfg.Timing.PollMs)
}

func TestFlagOverridesEnv(t *testing.T) {
	t.Setenv("SHELLAGENT_LISTEN", "127.0.0.1:3000")
	path := writeConfig(t, "agent.yaml", "{}\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("listen", "", "")
	fs.String("user-switch", "", "")
	require.NoError(t, fs.Parse([]string{"--listen", "127.0.0.1:5000"}))

	l := NewLoader(path)
	l.BindFlag("listen", fs.Lookup("listen"))
	l.BindFlag("user_switch", fs.Lookup("user-switch"))
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", cfg.Listen)
	assert.Equal(t, "fail", cfg.UserSwitch, "unset flags do not override")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad policy", func(c *Config) { c.UserSwitch = "sometimes" }},
		{"zero poll", func(c *Config) { c.Timing.PollMs = 0 }},
		{"zero silence", func(c *Config) { c.Timing.SilenceMs = 0 }},
		{"negative warmup", func(c *Config) { c.Timing.WarmupMs = -1 }},
		{"tunnel without secret", func(c *Config) { c.Tunnel.Listen = ":8443" }},
		{"cert without key", func(c *Config) { c.Tunnel.TLSCert = "cert.pem" }},
		{"bad listen", func(c *Config) { c.Listen = "localhost" }},
		{"nothing to serve", func(c *Config) { c.Listen = "" }},
		{"bad schedule", func(c *Config) { c.Audit.Path = "a.db"; c.Audit.PruneSchedule = "often" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero cols", func(c *Config) { c.Shell.Cols = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTunnelOnlyIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = ""
	cfg.Tunnel.Listen = "127.0.0.1:8443"
	cfg.Tunnel.Secret = "x"
	assert.NoError(t, cfg.Validate())
}
