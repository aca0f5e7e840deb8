package config

import "github.com/lucasnoah/healfactory/internal/pipeline"

// Config is the top-level configuration parsed from healer YAML.
type Config struct {
	LLM          LLM                   `yaml:"llm"`
	Agent        Agent                 `yaml:"agent"`
	CI           CI                    `yaml:"ci"`
	Paths        Paths                 `yaml:"paths"`
	Database     Database              `yaml:"database"`
	Server       Server                `yaml:"server"`
	Log          Log                   `yaml:"log"`
	FeatureFlags pipeline.FeatureFlags `yaml:"feature_flags"`
}

// LLM configures the chat-completion provider.
type LLM struct {
	APIKeys     []string `yaml:"api_keys"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	BaseURL     string   `yaml:"base_url"`
}

// Agent bounds a run.
type Agent struct {
	MaxIterations int `yaml:"max_iterations"`
}

// CI configures the CI oracle.
type CI struct {
	PollIntervalSecs int    `yaml:"poll_interval_secs"`
	PollTimeoutSecs  int    `yaml:"poll_timeout_secs"`
	Token            string `yaml:"token"`
	APIURL           string `yaml:"api_url"`
}

// Paths are the directories a run reads from and writes to.
type Paths struct {
	ReposDir     string `yaml:"repos_dir"`
	OutputsDir   string `yaml:"outputs_dir"`
	StateDir     string `yaml:"state_dir"`
	TemplatesDir string `yaml:"templates_dir"`
}

// Database selects the audit store.
type Database struct {
	URL string `yaml:"url"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
