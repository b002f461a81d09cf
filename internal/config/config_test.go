package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  port: 8787
gateway:
  api_key: secret
  base_url: https://inference.example.test/v1
  chat_model: "@cf/meta/llama-3-8b-instruct"
  txt2img_model: "@cf/stabilityai/stable-diffusion-xl-base-1.0"
  img2img_model: "@cf/runwayml/stable-diffusion-v1-5-img2img"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, defaultSystemPrompt, cfg.Chat.SystemPrompt)
	assert.Equal(t, 1024, cfg.Chat.MaxTokens)
	assert.Equal(t, 512, cfg.Image.Width)
	assert.Equal(t, 512, cfg.Image.Height)
	assert.Equal(t, 20, cfg.Image.Steps)
	assert.Equal(t, 7.5, cfg.Image.Guidance)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML+`
chat:
  system_prompt: custom instruction
  max_tokens: 256
image:
  width: 1024
  height: 768
  steps: 30
  guidance: 9
`))
	require.NoError(t, err)

	assert.Equal(t, "custom instruction", cfg.Chat.SystemPrompt)
	assert.Equal(t, 256, cfg.Chat.MaxTokens)
	assert.Equal(t, 1024, cfg.Image.Width)
	assert.Equal(t, 768, cfg.Image.Height)
	assert.Equal(t, 30, cfg.Image.Steps)
	assert.Equal(t, 9.0, cfg.Image.Guidance)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not a mapping"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*Config){
		"zero port":            func(c *Config) { c.Server.Port = 0 },
		"port out of range":    func(c *Config) { c.Server.Port = 70000 },
		"missing api key":      func(c *Config) { c.Gateway.APIKey = "  " },
		"missing base url":     func(c *Config) { c.Gateway.BaseURL = "" },
		"missing chat model":   func(c *Config) { c.Gateway.ChatModel = "" },
		"missing txt2img":      func(c *Config) { c.Gateway.Txt2ImgModel = "" },
		"missing img2img":      func(c *Config) { c.Gateway.Img2ImgModel = "" },
		"bad header name":      func(c *Config) { c.Gateway.Headers = Headers{"X Bad Header": "v"} },
		"negative max tokens":  func(c *Config) { c.Chat.MaxTokens = -1 },
		"zero image width":     func(c *Config) { c.Image.Width = -10 },
		"zero diffusion steps": func(c *Config) { c.Image.Steps = -1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)

			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsCanonicalHeaders(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Gateway.Headers = Headers{"X-Custom-Header": "v", "Accept-Encoding": "gzip"}
	assert.NoError(t, cfg.Validate())
}
