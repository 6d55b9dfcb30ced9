// Package config provides configuration loading for autoclawd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (AUTOCLAWD_ prefix, e.g. AUTOCLAWD_HTTP_ADDR)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/logging"
)

const envPrefix = "AUTOCLAWD_"

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText parses a Go duration string ("3s", "150ms").
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the daemon's full configuration.
type Config struct {
	Logging  logging.Config `koanf:"logging"`
	HTTP     HTTPConfig     `koanf:"http"`
	Store    StoreConfig    `koanf:"store"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	LLM      LLMConfig      `koanf:"llm"`
	Agent    AgentConfig    `koanf:"agent"`
	Search   SearchConfig   `koanf:"search"`
	Projects []Project      `koanf:"projects"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// IngestConfig configures the transcript chunk spool watcher.
type IngestConfig struct {
	SpoolDir string `koanf:"spool_dir"`
}

// PipelineConfig configures the cleaning and execution stages.
type PipelineConfig struct {
	// DebounceWindow is how long a non-first chunk waits for siblings
	// before attempting the merge.
	DebounceWindow Duration `koanf:"debounce_window"`

	// MinCleanedLength is the shortest cleanup output accepted before
	// falling back to the raw merged text.
	MinCleanedLength int `koanf:"min_cleaned_length"`

	// TextFlushInterval bounds how long streamed agent text is buffered
	// before being flushed as one execution step.
	TextFlushInterval Duration `koanf:"text_flush_interval"`

	// Workflows are the routing keys the execution engine accepts.
	Workflows []string `koanf:"workflows"`

	// DefaultWorkflow is used when a task carries no workflow key.
	DefaultWorkflow string `koanf:"default_workflow"`
}

// LLMConfig configures the text-cleanup/analysis model endpoint.
type LLMConfig struct {
	Model string `koanf:"model"`

	// RequestsPerMinute rate-limits calls to the model.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// AgentConfig configures the external interactive coding agent.
type AgentConfig struct {
	// Command is the agent CLI binary.
	Command string `koanf:"command"`

	// Args are passed before the per-session flags.
	Args []string `koanf:"args"`
}

// SearchConfig configures the transcript semantic index.
type SearchConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Project declares a known project working tree.
type Project struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`
	Path string `koanf:"path"`
}

// NewDefaultConfig returns the hardcoded defaults.
func NewDefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "autoclawd")
	return &Config{
		Logging: logging.NewDefaultConfig(),
		HTTP:    HTTPConfig{Addr: "localhost:8466"},
		Store:   StoreConfig{Path: filepath.Join(dataDir, "autoclawd.db")},
		Ingest:  IngestConfig{SpoolDir: filepath.Join(dataDir, "spool")},
		Pipeline: PipelineConfig{
			DebounceWindow:    Duration(3 * time.Second),
			MinCleanedLength:  5,
			TextFlushInterval: Duration(2 * time.Second),
			Workflows:         []string{"engineering"},
			DefaultWorkflow:   "engineering",
		},
		LLM: LLMConfig{
			Model:             "claude-3-5-haiku-latest",
			RequestsPerMinute: 30,
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose"},
		},
		Search: SearchConfig{Enabled: false},
	}
}

// Load parses raw YAML bytes over the defaults and applies environment
// overrides. Pass nil to load defaults plus environment only.
func Load(yamlBytes []byte) (*Config, error) {
	k := koanf.New(".")

	if len(yamlBytes) > 0 {
		if err := k.Load(rawbytes.Provider(yamlBytes), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// AUTOCLAWD_HTTP_ADDR -> http.addr, AUTOCLAWD_PIPELINE_DEBOUNCE_WINDOW
	// -> pipeline.debounce_window. Split on the first underscore after the
	// prefix: section, then field name with underscores preserved.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and parses the config file at path. A missing file is
// not an error; defaults plus environment are used.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "autoclawd", "config.yaml")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Load(content)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Pipeline.DebounceWindow.Duration() <= 0 {
		return fmt.Errorf("pipeline.debounce_window must be > 0")
	}
	if c.Pipeline.TextFlushInterval.Duration() <= 0 {
		return fmt.Errorf("pipeline.text_flush_interval must be > 0")
	}
	if c.Pipeline.MinCleanedLength < 0 {
		return fmt.Errorf("pipeline.min_cleaned_length must be >= 0")
	}
	if c.Pipeline.DefaultWorkflow == "" {
		return fmt.Errorf("pipeline.default_workflow is required")
	}
	if c.LLM.RequestsPerMinute <= 0 {
		return fmt.Errorf("llm.requests_per_minute must be > 0")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	seen := make(map[string]struct{}, len(c.Projects))
	for _, p := range c.Projects {
		if p.ID == "" || p.Path == "" {
			return fmt.Errorf("project entries need id and path")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate project id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}
