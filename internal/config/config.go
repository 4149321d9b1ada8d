// Package config loads controller settings from defaults, an optional
// config file, CHAOSMON_* environment variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (CHAOSMON_LOG_LEVEL).
const EnvPrefix = "CHAOSMON"

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the listener
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	KeyDir  string `mapstructure:"key_dir"` // empty stores the journal unencrypted
}

type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

type SupervisorConfig struct {
	StatusGrace time.Duration `mapstructure:"status_grace"`
	KillWait    time.Duration `mapstructure:"kill_wait"`
	LogDir      string        `mapstructure:"log_dir"` // empty discards daemon output
}

type ShutdownConfig struct {
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

// Settings is the full controller configuration.
type Settings struct {
	Log        LoggingConfig    `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Journal    JournalConfig    `mapstructure:"journal"`
	State      StateConfig      `mapstructure:"state"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
}

// DefaultHome returns ~/.chaosmon, or a temp dir fallback when HOME is unset.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "chaosmon")
	}
	return filepath.Join(home, ".chaosmon")
}

// SetDefaults registers every key so env overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	home := DefaultHome()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", filepath.Join(home, "journal.db"))
	v.SetDefault("journal.key_dir", "")
	v.SetDefault("state.dir", home)
	v.SetDefault("supervisor.status_grace", 200*time.Millisecond)
	v.SetDefault("supervisor.kill_wait", 5*time.Second)
	v.SetDefault("supervisor.log_dir", "")
	v.SetDefault("shutdown.join_timeout", 30*time.Second)
}

// flagKeys maps command-line flags to settings keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"metrics-addr": "metrics.addr",
	"journal":      "journal.path",
	"no-journal":   "journal.enabled",
	"key-dir":      "journal.key_dir",
	"state-dir":    "state.dir",
	"daemon-logs":  "supervisor.log_dir",
	"join-timeout": "shutdown.join_timeout",
}

// RegisterFlags adds the settings flags to fs. Defaults shown in help come
// from SetDefaults; a flag only overrides when it is set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json, console)")
	fs.String("log-file", "", "write logs to this file instead of stderr")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address (e.g. :9464)")
	fs.String("journal", "", "fault journal database path")
	fs.Bool("no-journal", false, "disable the fault journal")
	fs.String("key-dir", "", "directory holding the journal encryption key (enables encryption)")
	fs.String("state-dir", "", "directory for the run-state file")
	fs.String("daemon-logs", "", "directory for per-daemon stdout/stderr logs")
	fs.Duration("join-timeout", 30*time.Second, "how long shutdown waits for each trigger")
}

// Load builds Settings. configFile may be empty. fs may be nil; only flags
// the user changed override lower layers.
func Load(configFile string, fs *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return Settings{}, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed {
			return
		}
		if f.Name == "no-journal" {
			// Inverted flag
			v.Set(key, f.Value.String() != "true")
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate rejects unusable values.
func (s Settings) Validate() error {
	switch s.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", s.Log.Format)
	}
	if s.Shutdown.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive, got %s", s.Shutdown.JoinTimeout)
	}
	if s.Supervisor.KillWait <= 0 {
		return fmt.Errorf("kill wait must be positive, got %s", s.Supervisor.KillWait)
	}
	if s.State.Dir == "" {
		return errors.New("state dir is required")
	}
	if s.Journal.Enabled && s.Journal.Path == "" {
		return errors.New("journal path is required when the journal is enabled")
	}
	return nil
}
