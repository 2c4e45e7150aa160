package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"histoxai/internal/xai"
)

// ModelConfig overrides discovery for one architecture. Relative paths are
// resolved against ModelsDir.
type ModelConfig struct {
	Checkpoint string `json:"checkpoint" yaml:"checkpoint" toml:"checkpoint"`
	Graph      string `json:"graph" yaml:"graph" toml:"graph"`
	GradGraph  string `json:"grad_graph" yaml:"grad_graph" toml:"grad_graph"`
	InputSize  int    `json:"input_size" yaml:"input_size" toml:"input_size"`
	Disabled   bool   `json:"disabled" yaml:"disabled" toml:"disabled"`
}

// ExplainConfig tunes the explainers and picks the ensemble representative.
type ExplainConfig struct {
	xai.Config     `yaml:",inline"`
	Representative string `json:"representative" yaml:"representative" toml:"representative"`
}

// ChatConfig configures the assistant backend. An empty APIKey disables chat.
type ChatConfig struct {
	APIKey      string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	BaseURL     string  `json:"base_url" yaml:"base_url" toml:"base_url"`
	Model       string  `json:"model" yaml:"model" toml:"model"`
	Temperature float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// HTTPConfig holds server limits and CORS.
type HTTPConfig struct {
	MaxBodyBytes          int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestTimeoutSeconds int64    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	CORSOrigins           []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr              string                 `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir         string                 `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LogLevel          string                 `json:"log_level" yaml:"log_level" toml:"log_level"`
	Device            string                 `json:"device" yaml:"device" toml:"device"`
	ORTLibrary        string                 `json:"ort_library" yaml:"ort_library" toml:"ort_library"`
	IntraOpThreads    int                    `json:"intra_op_threads" yaml:"intra_op_threads" toml:"intra_op_threads"`
	StrictCheckpoints bool                   `json:"strict_checkpoints" yaml:"strict_checkpoints" toml:"strict_checkpoints"`
	HeadHidden        []int                  `json:"head_hidden" yaml:"head_hidden" toml:"head_hidden"`
	Models            map[string]ModelConfig `json:"models" yaml:"models" toml:"models"`
	Explain           ExplainConfig          `json:"explain" yaml:"explain" toml:"explain"`
	Chat              ChatConfig             `json:"chat" yaml:"chat" toml:"chat"`
	HTTP              HTTPConfig             `json:"http" yaml:"http" toml:"http"`
}

// Default returns the stock configuration.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "./models"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 32 << 20
	}
	if len(c.HTTP.CORSOrigins) == 0 {
		c.HTTP.CORSOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	if c.Explain.Representative == "" {
		c.Explain.Representative = "agreement"
	}
	d := xai.DefaultConfig()
	if c.Explain.Segments <= 0 {
		c.Explain.Segments = d.Segments
	}
	if c.Explain.Compactness <= 0 {
		c.Explain.Compactness = d.Compactness
	}
	if c.Explain.SHAPSamples <= 0 {
		c.Explain.SHAPSamples = d.SHAPSamples
	}
	if c.Explain.Seed == 0 {
		c.Explain.Seed = d.Seed
	}
}

// InputSizes returns the per-architecture resolution overrides.
func (c Config) InputSizes() map[string]int {
	out := make(map[string]int)
	for name, m := range c.Models {
		if m.InputSize > 0 {
			out[name] = m.InputSize
		}
	}
	return out
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv reads dotenv files (missing files are ignored) and applies
// HISTOXAI_* and OPENAI_API_KEY overrides to c. Variables already set in
// the process environment win over dotenv values.
func LoadEnv(c *Config, files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("HISTOXAI_ADDR", &c.Addr)
	str("HISTOXAI_MODELS_DIR", &c.ModelsDir)
	str("HISTOXAI_LOG_LEVEL", &c.LogLevel)
	str("HISTOXAI_DEVICE", &c.Device)
	str("HISTOXAI_ORT_LIBRARY", &c.ORTLibrary)
	str("HISTOXAI_CHAT_MODEL", &c.Chat.Model)
	str("HISTOXAI_CHAT_BASE_URL", &c.Chat.BaseURL)
	str("OPENAI_API_KEY", &c.Chat.APIKey)
	str("HISTOXAI_CHAT_API_KEY", &c.Chat.APIKey)
	if v := os.Getenv("HISTOXAI_STRICT_CHECKPOINTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HISTOXAI_STRICT_CHECKPOINTS: %w", err)
		}
		c.StrictCheckpoints = b
	}
	if v := os.Getenv("HISTOXAI_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HISTOXAI_SEED: %w", err)
		}
		c.Explain.Seed = n
	}
	return nil
}
