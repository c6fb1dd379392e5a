package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"changkun.de/x/plandash/internal/watcher"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// configFileName is read from the plan directory when present.
const configFileName = "plandash.yaml"

// Config is the effective configuration of a command.
type Config struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	PlanDir        string        `mapstructure:"plan_dir" yaml:"plan_dir"`
	LogFormat      string        `mapstructure:"log_format" yaml:"log_format"`
	LogLevel       string        `mapstructure:"log_level" yaml:"log_level"`
	UIDir          string        `mapstructure:"ui_dir" yaml:"ui_dir,omitempty"`
	Watch          bool          `mapstructure:"watch" yaml:"watch"`
	WatchDelay     time.Duration `mapstructure:"watch_delay" yaml:"watch_delay"`
	Clarifications bool          `mapstructure:"clarifications" yaml:"clarifications"`

	// ConfigFile is the plandash.yaml that was read, if any.
	ConfigFile string `mapstructure:"-" yaml:"config_file,omitempty"`
}

// envAliases are the unprefixed variable names accepted next to PLANDASH_*.
var envAliases = map[string]string{
	"addr":       "ADDR",
	"plan_dir":   "PLAN_DIR",
	"log_format": "LOG_FORMAT",
	"ui_dir":     "UI_DIR",
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("addr", ":3002")
	v.SetDefault("plan_dir", ".plan")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_level", "info")
	v.SetDefault("ui_dir", "")
	v.SetDefault("watch", true)
	v.SetDefault("watch_delay", watcher.DefaultDelay)
	v.SetDefault("clarifications", true)

	v.SetEnvPrefix("PLANDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		// PLANDASH_<KEY> first, then the bare name.
		if err := v.BindEnv(key, "PLANDASH_"+strings.ToUpper(key), alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return v, nil
}

// addCommonFlags registers the flags every command understands.
func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("dir", "", "plan directory holding tasks.json or tasks/ (env PLAN_DIR)")
	flags.String("log-format", "", `log output format: "text" or "json" (env LOG_FORMAT)`)
	flags.String("log-level", "", "minimum log level: debug, info, warn, error")
}

// addServerFlags registers the flags of the run command.
func addServerFlags(flags *pflag.FlagSet) {
	flags.String("addr", "", "listen address (env ADDR)")
	flags.String("ui", "", "directory of static dashboard files served at / (env UI_DIR)")
	flags.Bool("no-watch", false, "do not watch the plan directory for external edits")
	flags.Duration("watch-delay", 0, "quiet period before an external edit is reported")
	flags.Bool("no-clarifications", false, "do not file human requests for blocked tasks")
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"dir":         "plan_dir",
	"log-format":  "log_format",
	"log-level":   "log_level",
	"addr":        "addr",
	"ui":          "ui_dir",
	"watch-delay": "watch_delay",
}

// loadConfig resolves the configuration with the precedence flag >
// environment > plandash.yaml > default. Only flags set on the command
// line override the lower layers.
func loadConfig(v *viper.Viper, flags *pflag.FlagSet) (Config, error) {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	if f := flags.Lookup("no-watch"); f != nil && f.Changed {
		v.Set("watch", f.Value.String() != "true")
	}
	if f := flags.Lookup("no-clarifications"); f != nil && f.Changed {
		v.Set("clarifications", f.Value.String() != "true")
	}

	var cfg Config
	path := filepath.Join(v.GetString("plan_dir"), configFileName)
	switch _, err := os.Stat(path); {
	case err == nil:
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
		cfg.ConfigFile = path
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("stat %s: %w", path, err)
	}

	file := cfg.ConfigFile
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.ConfigFile = file

	abs, err := filepath.Abs(cfg.PlanDir)
	if err != nil {
		return cfg, fmt.Errorf("resolve plan dir: %w", err)
	}
	cfg.PlanDir = abs
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return cfg, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return cfg, nil
}
