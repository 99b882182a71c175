package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/peterje/shellagent/internal/logging"
	"github.com/peterje/shellagent/internal/pty"
	"github.com/peterje/shellagent/internal/session"
)

// Config represents the agent configuration
type Config struct {
	// Plain TCP endpoint for the session protocol
	Listen string `json:"listen" mapstructure:"listen"`

	// Shell spawned for every session
	Shell ShellConfig `json:"shell" mapstructure:"shell"`

	// What to do when a session asks for a user and switching is unavailable
	UserSwitch string `json:"user_switch" mapstructure:"user_switch"` // fail, fallback

	// Output capture timing
	Timing TimingConfig `json:"timing" mapstructure:"timing"`

	// Authenticated TLS WebSocket endpoint
	Tunnel TunnelConfig `json:"tunnel" mapstructure:"tunnel"`

	// Read-only HTTP admin surface
	Admin AdminConfig `json:"admin" mapstructure:"admin"`

	// SQLite audit journal
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

type ShellConfig struct {
	Path string   `json:"path" mapstructure:"path"` // empty: $SHELL, then /bin/bash, then /bin/sh
	Args []string `json:"args" mapstructure:"args"`
	Term string   `json:"term" mapstructure:"term"`
	Rows uint16   `json:"rows" mapstructure:"rows"`
	Cols uint16   `json:"cols" mapstructure:"cols"`
}

type TimingConfig struct {
	WarmupMs  int `json:"warmup_ms" mapstructure:"warmup_ms"`
	PollMs    int `json:"poll_ms" mapstructure:"poll_ms"`
	SilenceMs int `json:"silence_ms" mapstructure:"silence_ms"`
}

type TunnelConfig struct {
	Listen  string `json:"listen" mapstructure:"listen"` // empty: disabled
	Secret  string `json:"secret" mapstructure:"secret"`
	TLSCert string `json:"tls_cert" mapstructure:"tls_cert"`
	TLSKey  string `json:"tls_key" mapstructure:"tls_key"`
	TLSDir  string `json:"tls_dir" mapstructure:"tls_dir"` // self-signed cache
}

type AdminConfig struct {
	Listen string `json:"listen" mapstructure:"listen"` // empty: disabled
}

type AuditConfig struct {
	Path           string `json:"path" mapstructure:"path"` // empty: disabled
	RetentionHours int    `json:"retention_hours" mapstructure:"retention_hours"`
	PruneSchedule  string `json:"prune_schedule" mapstructure:"prune_schedule"`
}

type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
	File   string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen: "127.0.0.1:1337",
		Shell: ShellConfig{
			Term: "dumb",
			Rows: 24,
			Cols: 200,
		},
		UserSwitch: string(pty.UserSwitchFail),
		Timing: TimingConfig{
			WarmupMs:  100,
			PollMs:    50,
			SilenceMs: 300,
		},
		Audit: AuditConfig{
			RetentionHours: 24 * 30,
			PruneSchedule:  "@hourly",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen == "" && c.Tunnel.Listen == "" {
		return errors.New("nothing to serve: set listen or tunnel.listen")
	}
	for name, addr := range map[string]string{"listen": c.Listen, "tunnel.listen": c.Tunnel.Listen, "admin.listen": c.Admin.Listen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch pty.UserSwitchPolicy(c.UserSwitch) {
	case pty.UserSwitchFail, pty.UserSwitchFallback:
	default:
		return fmt.Errorf("user_switch must be %q or %q, got %q", pty.UserSwitchFail, pty.UserSwitchFallback, c.UserSwitch)
	}

	if c.Timing.WarmupMs < 0 || c.Timing.PollMs <= 0 || c.Timing.SilenceMs <= 0 {
		return errors.New("timing: poll_ms and silence_ms must be positive and warmup_ms not negative")
	}
	if c.Shell.Rows == 0 || c.Shell.Cols == 0 {
		return errors.New("shell: rows and cols must be positive")
	}

	if c.Tunnel.Listen != "" && c.Tunnel.Secret == "" {
		return errors.New("tunnel.secret is required when tunnel.listen is set")
	}
	if (c.Tunnel.TLSCert == "") != (c.Tunnel.TLSKey == "") {
		return errors.New("tunnel.tls_cert and tunnel.tls_key must be set together")
	}

	if c.Audit.Path != "" && c.Audit.RetentionHours > 0 {
		if _, err := cron.ParseStandard(c.Audit.PruneSchedule); err != nil {
			return fmt.Errorf("audit.prune_schedule: %w", err)
		}
	}
	if c.Audit.RetentionHours < 0 {
		return errors.New("audit.retention_hours must not be negative")
	}

	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

// SessionTiming converts the capture timing to durations.
func (c *Config) SessionTiming() session.Timing {
	return session.Timing{
		Warmup:  time.Duration(c.Timing.WarmupMs) * time.Millisecond,
		Poll:    time.Duration(c.Timing.PollMs) * time.Millisecond,
		Silence: time.Duration(c.Timing.SilenceMs) * time.Millisecond,
	}
}

// PTYOptions returns spawn options for sessions; User is filled per request.
func (c *Config) PTYOptions() pty.Options {
	return pty.Options{
		Shell:      c.Shell.Path,
		Args:       c.Shell.Args,
		Term:       c.Shell.Term,
		Rows:       c.Shell.Rows,
		Cols:       c.Shell.Cols,
		UserSwitch: c.UserSwitchPolicy(),
	}
}

func (c *Config) UserSwitchPolicy() pty.UserSwitchPolicy {
	return pty.UserSwitchPolicy(c.UserSwitch)
}

// Retention returns the journal retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Audit.RetentionHours) * time.Hour
}

// LoggerConfig converts to the logger's configuration.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Pretty: c.Logging.Pretty, File: c.Logging.File}
}
