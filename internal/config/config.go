package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 5005
	DefaultModel          = "dall-e-3"
	DefaultMaxAttempts    = 60
	DefaultPollInterval   = 2 * time.Second
	DefaultRequestTimeout = 60 * time.Second

	logFormatText = "text"
	logFormatJSON = "json"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
}

// ServerConfig defines listener and logging configuration.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BackendConfig describes the fal queue backend and its model table.
type BackendConfig struct {
	DefaultModel   string            `yaml:"default_model"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	Poll           PollConfig        `yaml:"poll"`
	Models         []ModelConfig     `yaml:"models"`
	Aliases        map[string]string `yaml:"aliases"`
}

// PollConfig bounds the status polling loop.
type PollConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// MaxWait is the worst-case time spent polling one job.
func (p PollConfig) MaxWait() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// PollDeadline caps one whole poll loop: the attempt budget plus one
// status and one result call running to their timeout.
func (b BackendConfig) PollDeadline() time.Duration {
	return b.Poll.MaxWait() + 2*b.RequestTimeout
}

// ModelConfig maps a public model id onto queue endpoints.
type ModelConfig struct {
	ID            string `yaml:"id"`
	SubmitURL     string `yaml:"submit_url"`
	StatusBaseURL string `yaml:"status_base_url"`
}

// Options controls where configuration is read from.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:      DefaultPort,
			LogLevel:  "info",
			LogFormat: logFormatText,
		},
		Backend: BackendConfig{
			DefaultModel:   DefaultModel,
			RequestTimeout: DefaultRequestTimeout,
			Poll: PollConfig{
				MaxAttempts: DefaultMaxAttempts,
				Interval:    DefaultPollInterval,
			},
			Models: []ModelConfig{
				{ID: "flux-1.1-ultra", SubmitURL: "https://queue.fal.run/fal-ai/flux-pro/v1.1-ultra", StatusBaseURL: "https://queue.fal.run/fal-ai/flux-pro"},
				{ID: "recraft-v3", SubmitURL: "https://queue.fal.run/fal-ai/recraft-v3", StatusBaseURL: "https://queue.fal.run/fal-ai/recraft-v3"},
				{ID: "flux-1.1-pro", SubmitURL: "https://queue.fal.run/fal-ai/flux-pro/v1.1", StatusBaseURL: "https://queue.fal.run/fal-ai/flux-pro"},
				{ID: "ideogram-v2", SubmitURL: "https://queue.fal.run/fal-ai/ideogram/v2", StatusBaseURL: "https://queue.fal.run/fal-ai/ideogram"},
				{ID: "dall-e-3", SubmitURL: "https://queue.fal.run/fal-ai/flux/dev", StatusBaseURL: "https://queue.fal.run/fal-ai/flux"},
			},
			Aliases: map[string]string{
				"gpt-4-vision-preview": DefaultModel,
			},
		},
	}
}

// Load merges defaults, an optional YAML file, an optional .env file and the
// process environment, then validates the result.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %q: %w", opts.EnvFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()

	if opts.ConfigFile != "" {
		absPath, err := filepath.Abs(opts.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := decodeFile(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile layers a YAML document over cfg. yaml.v3 merges mappings into
// existing maps, so a file that sets backend.aliases replaces the defaults
// instead of extending them.
func decodeFile(data []byte, cfg *Config) error {
	var probe struct {
		Backend struct {
			Aliases *yaml.Node `yaml:"aliases"`
		} `yaml:"backend"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Backend.Aliases != nil {
		cfg.Backend.Aliases = nil
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PORT %q is not a number: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		c.Server.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup("FAL_DEFAULT_MODEL"); ok && strings.TrimSpace(v) != "" {
		c.Backend.DefaultModel = strings.TrimSpace(v)
	}
	if v, ok := lookup("FAL_POLL_MAX_ATTEMPTS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FAL_POLL_MAX_ATTEMPTS %q is not a number: %w", v, err)
		}
		c.Backend.Poll.MaxAttempts = n
	}
	if v, ok := lookup("FAL_POLL_INTERVAL"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FAL_POLL_INTERVAL %q is not a duration: %w", v, err)
		}
		c.Backend.Poll.Interval = d
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if _, err := c.Server.SlogLevel(); err != nil {
		return err
	}
	switch c.Server.LogFormat {
	case logFormatText, logFormatJSON, "":
	default:
		return fmt.Errorf("server.log_format must be %q or %q, got %q", logFormatText, logFormatJSON, c.Server.LogFormat)
	}

	return c.Backend.validate()
}

func (b BackendConfig) validate() error {
	if b.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("backend.poll.max_attempts must be positive, got %d", b.Poll.MaxAttempts)
	}
	if b.Poll.Interval <= 0 {
		return fmt.Errorf("backend.poll.interval must be positive, got %s", b.Poll.Interval)
	}
	if b.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive, got %s", b.RequestTimeout)
	}
	if len(b.Models) == 0 {
		return errors.New("backend: at least one model must be configured")
	}

	seen := make(map[string]struct{}, len(b.Models))
	for _, model := range b.Models {
		if strings.TrimSpace(model.ID) == "" {
			return errors.New("backend: model id must not be empty")
		}
		if _, dup := seen[model.ID]; dup {
			return fmt.Errorf("backend: model %q configured twice", model.ID)
		}
		seen[model.ID] = struct{}{}

		if err := validateURL(model.SubmitURL); err != nil {
			return fmt.Errorf("backend: model %s: submit_url: %w", model.ID, err)
		}
		if err := validateURL(model.StatusBaseURL); err != nil {
			return fmt.Errorf("backend: model %s: status_base_url: %w", model.ID, err)
		}
	}

	if _, ok := seen[b.DefaultModel]; !ok {
		return fmt.Errorf("backend.default_model %q is not a configured model", b.DefaultModel)
	}

	for alias, target := range b.Aliases {
		if strings.TrimSpace(alias) == "" {
			return errors.New("backend: alias name must not be empty")
		}
		if _, conflict := seen[alias]; conflict {
			return fmt.Errorf("backend: alias %q conflicts with a configured model", alias)
		}
		if _, ok := seen[target]; !ok {
			return fmt.Errorf("backend: alias %q references unknown model %q", alias, target)
		}
	}

	return nil
}

// SlogLevel parses the configured log level.
func (s ServerConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s.LogLevel) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("server.log_level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// JSONLogs reports whether the JSON slog handler was requested.
func (s ServerConfig) JSONLogs() bool {
	return s.LogFormat == logFormatJSON
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("must be provided")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host must not be empty")
	}
	return nil
}
