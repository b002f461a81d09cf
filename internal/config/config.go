package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultSystemPrompt = "You are a friendly assistant. Keep answers helpful and concise."
	defaultMaxTokens    = 1024
	defaultImageWidth   = 512
	defaultImageHeight  = 512
	defaultImageSteps   = 20
	defaultGuidance     = 7.5
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Chat    ChatConfig    `yaml:"chat"`
	Image   ImageConfig   `yaml:"image"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// GatewayConfig captures authentication and model routing for the upstream
// inference service.
type GatewayConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	ChatModel    string  `yaml:"chat_model"`
	Txt2ImgModel string  `yaml:"txt2img_model"`
	Img2ImgModel string  `yaml:"img2img_model"`
	Headers      Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a gateway request.
type Headers map[string]string

// ChatConfig tunes the chat completion requests sent upstream.
type ChatConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// ImageConfig holds default generation parameters applied when a request
// omits them.
type ImageConfig struct {
	Width    int     `yaml:"width"`
	Height   int     `yaml:"height"`
	Steps    int     `yaml:"steps"`
	Guidance float64 `yaml:"guidance"`
}

// Load reads YAML configuration from disk, applies defaults, and validates
// the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Chat.SystemPrompt) == "" {
		c.Chat.SystemPrompt = defaultSystemPrompt
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = defaultMaxTokens
	}
	if c.Image.Width == 0 {
		c.Image.Width = defaultImageWidth
	}
	if c.Image.Height == 0 {
		c.Image.Height = defaultImageHeight
	}
	if c.Image.Steps == 0 {
		c.Image.Steps = defaultImageSteps
	}
	if c.Image.Guidance == 0 {
		c.Image.Guidance = defaultGuidance
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if err := c.Gateway.validate(); err != nil {
		return err
	}

	if c.Chat.MaxTokens <= 0 {
		return fmt.Errorf("chat.max_tokens must be positive, got %d", c.Chat.MaxTokens)
	}
	if c.Image.Width <= 0 || c.Image.Height <= 0 {
		return fmt.Errorf("image dimensions must be positive, got %dx%d", c.Image.Width, c.Image.Height)
	}
	if c.Image.Steps <= 0 {
		return fmt.Errorf("image.steps must be positive, got %d", c.Image.Steps)
	}
	if c.Image.Guidance <= 0 {
		return fmt.Errorf("image.guidance must be positive, got %v", c.Image.Guidance)
	}

	return nil
}

func (g GatewayConfig) validate() error {
	if strings.TrimSpace(g.APIKey) == "" {
		return fmt.Errorf("gateway: api_key must be provided")
	}
	if strings.TrimSpace(g.BaseURL) == "" {
		return fmt.Errorf("gateway: base_url must be provided")
	}
	if strings.TrimSpace(g.ChatModel) == "" {
		return fmt.Errorf("gateway: chat_model must be provided")
	}
	if strings.TrimSpace(g.Txt2ImgModel) == "" {
		return fmt.Errorf("gateway: txt2img_model must be provided")
	}
	if strings.TrimSpace(g.Img2ImgModel) == "" {
		return fmt.Errorf("gateway: img2img_model must be provided")
	}

	for headerKey := range g.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("gateway: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
