package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// Defaults.
const (
	DefaultModel            = "llama-3.3-70b-versatile"
	DefaultTemperature      = 0.2
	DefaultLLMBaseURL       = "https://api.groq.com/openai/v1"
	DefaultMaxIterations    = 5
	DefaultPollIntervalSecs = 10
	DefaultPollTimeoutSecs  = 300
	DefaultGitHubAPIURL     = "https://api.github.com"
	DefaultReposDir         = "/tmp/repos"
	DefaultOutputsDir       = "./outputs"
	DefaultDatabaseURL      = "sqlite:~/.healer/healer.db"
	DefaultAddr             = ":8000"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// Default returns a Config with every default applied and no file or
// environment overrides.
func Default() *Config {
	cfg := &Config{FeatureFlags: pipeline.DefaultFeatureFlags()}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a configuration from the given YAML file path, fills
// unset fields with defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{FeatureFlags: pipeline.DefaultFeatureFlags()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Locate returns the first config file found in the standard locations
// (./healer.yaml, then ~/.healer/config.yaml), or "" when there is none.
func Locate() string {
	candidates := []string{"healer.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".healer", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadDefault loads the file found by Locate. With no file it returns
// defaults plus environment overrides.
func LoadDefault() (*Config, error) {
	if path := Locate(); path != "" {
		return Load(path)
	}

	cfg := Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = DefaultTemperature
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = DefaultLLMBaseURL
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = DefaultMaxIterations
	}
	if cfg.CI.PollIntervalSecs == 0 {
		cfg.CI.PollIntervalSecs = DefaultPollIntervalSecs
	}
	if cfg.CI.PollTimeoutSecs == 0 {
		cfg.CI.PollTimeoutSecs = DefaultPollTimeoutSecs
	}
	if cfg.CI.APIURL == "" {
		cfg.CI.APIURL = DefaultGitHubAPIURL
	}
	if cfg.Paths.ReposDir == "" {
		cfg.Paths.ReposDir = DefaultReposDir
	}
	if cfg.Paths.OutputsDir == "" {
		cfg.Paths.OutputsDir = DefaultOutputsDir
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = DefaultDatabaseURL
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv in
// production. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}

	if v, ok := lookup("GROQ_API_KEYS"); ok && strings.TrimSpace(v) != "" {
		c.LLM.APIKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.LLM.APIKeys = append(c.LLM.APIKeys, k)
			}
		}
	}
	str("GROQ_MODEL", &c.LLM.Model)
	str("GROQ_BASE_URL", &c.LLM.BaseURL)
	if v, ok := lookup("GROQ_TEMPERATURE"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("GROQ_TEMPERATURE: %q is not a number", v)
		}
		c.LLM.Temperature = f
	}

	if err := num("MAX_ITERATIONS", &c.Agent.MaxIterations); err != nil {
		return err
	}
	if err := num("POLL_CI_INTERVAL_SECS", &c.CI.PollIntervalSecs); err != nil {
		return err
	}
	if err := num("POLL_CI_TIMEOUT_SECS", &c.CI.PollTimeoutSecs); err != nil {
		return err
	}
	str("GITHUB_TOKEN", &c.CI.Token)
	str("GITHUB_API_URL", &c.CI.APIURL)

	str("REPOS_DIR", &c.Paths.ReposDir)
	str("OUTPUTS_DIR", &c.Paths.OutputsDir)
	str("HEALER_STATE_DIR", &c.Paths.StateDir)
	str("HEALER_TEMPLATES_DIR", &c.Paths.TemplatesDir)
	str("DATABASE_URL", &c.Database.URL)
	str("HEALER_ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return nil
}

// PollInterval returns the CI poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.CI.PollIntervalSecs) * time.Second
}

// PollTimeout returns the CI poll timeout as a duration.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.CI.PollTimeoutSecs) * time.Second
}

// SlogLevel maps log.level onto a slog level. Unknown names map to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.LLM.APIKeys = make([]string, len(c.LLM.APIKeys))
	for i, k := range c.LLM.APIKeys {
		cp.LLM.APIKeys[i] = mask(k)
	}
	cp.CI.Token = mask(c.CI.Token)
	cp.Database.URL = maskURLPassword(c.Database.URL)
	return &cp
}

// maskURLPassword hides the password of a postgres:// style URL.
func maskURLPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "****")
	return u.String()
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
