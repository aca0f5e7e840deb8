package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	logLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	logFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks a Config for semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if cfg.Agent.MaxIterations < 1 {
		add("agent.max_iterations", "must be at least 1")
	}

	if cfg.CI.PollIntervalSecs <= 0 {
		add("ci.poll_interval_secs", "must be positive")
	}
	if cfg.CI.PollTimeoutSecs <= 0 {
		add("ci.poll_timeout_secs", "must be positive")
	}
	if cfg.CI.PollIntervalSecs > 0 && cfg.CI.PollTimeoutSecs > 0 && cfg.CI.PollIntervalSecs > cfg.CI.PollTimeoutSecs {
		add("ci.poll_interval_secs", fmt.Sprintf("must not exceed poll_timeout_secs (%d)", cfg.CI.PollTimeoutSecs))
	}

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add("llm.temperature", fmt.Sprintf("%.2f is outside [0, 2]", cfg.LLM.Temperature))
	}

	if !logLevels[strings.ToLower(cfg.Log.Level)] {
		add("log.level", fmt.Sprintf("unrecognized level %q", cfg.Log.Level))
	}
	if !logFormats[strings.ToLower(cfg.Log.Format)] {
		add("log.format", fmt.Sprintf("unrecognized format %q (want text or json)", cfg.Log.Format))
	}

	url := cfg.Database.URL
	switch {
	case url == "":
		add("database.url", "is required")
	case strings.Contains(url, "://"):
		scheme := url[:strings.Index(url, "://")]
		if scheme != "sqlite" && scheme != "postgres" && scheme != "postgresql" {
			add("database.url", fmt.Sprintf("unsupported scheme %q", scheme))
		}
	}

	return errs
}
