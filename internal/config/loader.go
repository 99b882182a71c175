package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHELLAGENT_TUNNEL_SECRET.
const EnvPrefix = "SHELLAGENT"

// Loader handles configuration loading
type Loader struct {
	configPath string
	flags      map[string]*pflag.Flag
}

// NewLoader creates a new config loader. An empty configPath searches the
// default locations and tolerates finding nothing.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		flags:      make(map[string]*pflag.Flag),
	}
}

// BindFlag lets a command-line flag override key when the flag was set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) {
	if flag != nil {
		l.flags[key] = flag
	}
}

// Load merges defaults, the config file, SHELLAGENT_* environment variables
// and bound flags, in increasing precedence, then validates the result.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("shellagent")
		for _, dir := range searchPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, flag := range l.flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ConfigFile returns the file Load would read, or "" when none exists.
func (l *Loader) ConfigFile() string {
	if l.configPath != "" {
		return l.configPath
	}
	for _, dir := range searchPaths() {
		for _, ext := range viper.SupportedExts {
			p := filepath.Join(dir, "shellagent."+ext)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func searchPaths() []string {
	paths := []string{"/etc/shellagent"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".shellagent"))
	}
	return append(paths, ".")
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the config file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listen", d.Listen)

	v.SetDefault("shell.path", d.Shell.Path)
	v.SetDefault("shell.args", d.Shell.Args)
	v.SetDefault("shell.term", d.Shell.Term)
	v.SetDefault("shell.rows", d.Shell.Rows)
	v.SetDefault("shell.cols", d.Shell.Cols)

	v.SetDefault("user_switch", d.UserSwitch)

	v.SetDefault("timing.warmup_ms", d.Timing.WarmupMs)
	v.SetDefault("timing.poll_ms", d.Timing.PollMs)
	v.SetDefault("timing.silence_ms", d.Timing.SilenceMs)

	v.SetDefault("tunnel.listen", d.Tunnel.Listen)
	v.SetDefault("tunnel.secret", d.Tunnel.Secret)
	v.SetDefault("tunnel.tls_cert", d.Tunnel.TLSCert)
	v.SetDefault("tunnel.tls_key", d.Tunnel.TLSKey)
	v.SetDefault("tunnel.tls_dir", d.Tunnel.TLSDir)

	v.SetDefault("admin.listen", d.Admin.Listen)

	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.retention_hours", d.Audit.RetentionHours)
	v.SetDefault("audit.prune_schedule", d.Audit.PruneSchedule)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.file", d.Logging.File)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
