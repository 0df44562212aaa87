// Package config loads the broker's startup configuration: command-line
// flags (spf13/pflag, the teacher's flag library of choice), an optional
// .env developer override file (joho/godotenv, as used by the pack's other
// SDR-adjacent example, ivugurura-radio-studio), and an optional YAML file
// for addon roots.
package config

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultSockPath is used when neither a flag nor a config file names one.
const DefaultSockPath = "/tmp/phasehound-broker.sock"

// Config is the broker's resolved startup configuration.
type Config struct {
	SockPath   string   `yaml:"sock_path"`
	AddonRoots []string `yaml:"addon_roots"`
	LogLevel   string   `yaml:"log_level"`
	LogDir     string   `yaml:"log_dir"`
	Announce   bool     `yaml:"announce"`
}

// fileConfig mirrors Config for YAML unmarshaling; kept separate so a
// partially-specified file never zeroes out flag-supplied values it didn't
// mention (yaml.Unmarshal would otherwise silently zero unmentioned
// fields when unmarshaling directly into *Config defaults).
type fileConfig struct {
	SockPath   *string  `yaml:"sock_path"`
	AddonRoots []string `yaml:"addon_roots"`
	LogLevel   *string  `yaml:"log_level"`
	LogDir     *string  `yaml:"log_dir"`
	Announce   *bool    `yaml:"announce"`
}

// Load parses args (typically os.Args[1:]) into a Config, applying .env
// overrides first and a YAML config file (if --config is given) before
// flag defaults are finalized. Flags always win over the file; the file
// always wins over .env-derived environment defaults.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	fs := pflag.NewFlagSet("phasehound-broker", pflag.ContinueOnError)

	sockPath := fs.String("sock-path", envOr("PHASEHOUND_SOCK_PATH", DefaultSockPath), "UDS path for the broker's control socket")
	addonRoots := fs.StringArray("addon-root", []string{"./addons"}, "directory to scan for addon shared libraries (repeatable)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logDir := fs.String("log-dir", "", "if set, also write a log file named for the start date here")
	announce := fs.Bool("announce", false, "advertise the broker over DNS-SD")
	configPath := fs.String("config", "", "optional YAML config file merged under flags")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		SockPath:   *sockPath,
		AddonRoots: *addonRoots,
		LogLevel:   *logLevel,
		LogDir:     *logDir,
		Announce:   *announce,
	}

	if *configPath != "" {
		if err := mergeFile(cfg, *configPath, fs); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// mergeFile loads a YAML file and fills in any Config field the command
// line left at its flag default, i.e. the file supplements flags, it
// never overrides one the user actually passed.
func mergeFile(cfg *Config, path string, fs *pflag.FlagSet) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if !fs.Changed("sock-path") && fc.SockPath != nil {
		cfg.SockPath = *fc.SockPath
	}
	if !fs.Changed("addon-root") && len(fc.AddonRoots) > 0 {
		cfg.AddonRoots = fc.AddonRoots
	}
	if !fs.Changed("log-level") && fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if !fs.Changed("log-dir") && fc.LogDir != nil {
		cfg.LogDir = *fc.LogDir
	}
	if !fs.Changed("announce") && fc.Announce != nil {
		cfg.Announce = *fc.Announce
	}
	return nil
}

// ParseLevel maps the broker's --log-level string onto charmbracelet/log's
// Level type, defaulting to Info on an unrecognized value.
func ParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
