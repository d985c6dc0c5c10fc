// Package config loads server settings from a JSON or YAML file, a .env file
// and the environment, in increasing order of precedence.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ModeStream = "stream"
	ModeAtomic = "atomic"

	DefaultAddr = ":5000"
)

// Config holds everything the server needs.
type Config struct {
	ServerAddr        string        `json:"server_addr,omitempty" yaml:"server_addr,omitempty"`
	Mode              string        `json:"mode,omitempty" yaml:"mode,omitempty"`
	SystemPrompt      string        `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	ImagePromptPrefix string        `json:"image_prompt_prefix,omitempty" yaml:"image_prompt_prefix,omitempty"`
	LLM               *LLMConfig    `json:"llm,omitempty" yaml:"llm,omitempty"`
	Log               LogConfig     `json:"log" yaml:"log"`
	Sessions          SessionConfig `json:"sessions" yaml:"sessions"`
}

// LLMConfig selects and configures the generation provider.
type LLMConfig struct {
	Provider   string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model      string   `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey     string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL    string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	ImageModel string   `json:"image_model,omitempty" yaml:"image_model,omitempty"`
	ImageSize  string   `json:"image_size,omitempty" yaml:"image_size,omitempty"`
	MaxTokens  int64    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stop       []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// SessionConfig bounds the in-memory session store.
type SessionConfig struct {
	IdleTimeout   Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	SweepInterval Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	MaxSessions   int      `json:"max_sessions,omitempty" yaml:"max_sessions,omitempty"`
}

// Duration accepts Go duration strings such as "90m" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	return d.set(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	d.Duration = v
	return nil
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		ServerAddr: DefaultAddr,
		Mode:       ModeStream,
		LLM:        &LLMConfig{Provider: "openai"},
		Log:        LogConfig{Level: "info", Format: "console"},
		Sessions: SessionConfig{
			IdleTimeout:   Duration{24 * time.Hour},
			SweepInterval: Duration{time.Hour},
			MaxSessions:   1000,
		},
	}
}

// Load reads path (JSON, or YAML for .yaml/.yml) over the defaults, then
// applies .env and environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = json.Unmarshal(data, &cfg)
		}
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	// a missing .env is normal outside development
	_ = godotenv.Load()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if c.LLM == nil {
		c.LLM = &LLMConfig{}
	}
	if v := getenv("PORT"); v != "" {
		c.ServerAddr = ":" + v
	}
	if v := getenv("STORY_ADDR"); v != "" {
		c.ServerAddr = v
	}
	if v := getenv("STORY_MODE"); v != "" {
		c.Mode = v
	}
	if v := getenv("STORY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("STORY_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := getenv("STORY_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := getenv("STORY_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = getenv("OPENAI_API_KEY")
	}
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeStream, ModeAtomic:
	default:
		return errors.Errorf("mode must be %q or %q, got %q", ModeStream, ModeAtomic, c.Mode)
	}
	if c.ServerAddr == "" {
		return errors.New("server_addr is required")
	}
	if c.Sessions.IdleTimeout.Duration <= 0 {
		return errors.New("sessions.idle_timeout must be positive")
	}
	if c.Sessions.SweepInterval.Duration <= 0 {
		return errors.New("sessions.sweep_interval must be positive")
	}
	if c.Sessions.MaxSessions <= 0 {
		return errors.New("sessions.max_sessions must be positive")
	}
	return nil
}
