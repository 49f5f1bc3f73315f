package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/llm-chat/internal/chat"
	"github.com/MegaGrindStone/llm-chat/internal/handlers"
	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/MegaGrindStone/llm-chat/internal/services"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// transport is a chat transport that can also list the models it serves.
type transport interface {
	chat.Transport
	services.ModelLister
}

type llmConfig interface {
	transport(systemPrompt string, logger *slog.Logger) (transport, error)
	balance() handlers.BalanceReader
	model() string
	applyEnv()
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port          string        `yaml:"port" validate:"required,numeric"`
	DBPath        string        `yaml:"dbPath" validate:"required"`
	LogLevel      string        `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFile       string        `yaml:"logFile"`
	DefaultModel  string        `yaml:"defaultModel" validate:"required"`
	ModelCacheTTL time.Duration `yaml:"modelCacheTTL" validate:"gte=0"`
	SystemPrompt  string        `yaml:"systemPrompt"`
	LLM           llmConfig     `yaml:"llm" validate:"required"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey" validate:"required"`
	BaseURL       string                 `yaml:"baseURL" validate:"omitempty,url"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" validate:"required"`
	BaseURL       string `yaml:"baseURL" validate:"omitempty,url"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey" validate:"required"`
	BaseURL       string `yaml:"baseURL" validate:"omitempty,url"`
	MaxTokens     int    `yaml:"maxTokens" validate:"required,gt=0"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host" validate:"required,url"`
}

const (
	defaultPort          = "8080"
	defaultLogLevel      = "info"
	defaultModelCacheTTL = 10 * time.Minute
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string         `yaml:"port"`
		DBPath        string         `yaml:"dbPath"`
		LogLevel      string         `yaml:"logLevel"`
		LogFile       string         `yaml:"logFile"`
		DefaultModel  string         `yaml:"defaultModel"`
		ModelCacheTTL time.Duration  `yaml:"modelCacheTTL"`
		SystemPrompt  string         `yaml:"systemPrompt"`
		LLM           map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DBPath = rawConfig.DBPath
	c.LogLevel = rawConfig.LogLevel
	c.LogFile = rawConfig.LogFile
	c.DefaultModel = rawConfig.DefaultModel
	c.ModelCacheTTL = rawConfig.ModelCacheTTL
	c.SystemPrompt = rawConfig.SystemPrompt

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return errors.New("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}
	llm.applyEnv()

	c.LLM = llm

	return nil
}

// loadConfig reads the config file at path, fills in defaults relative to dataDir and validates the result.
func loadConfig(path, dataDir string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "store.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.ModelCacheTTL == 0 {
		cfg.ModelCacheTTL = defaultModelCacheTTL
	}
	if cfg.DefaultModel == "" && cfg.LLM != nil {
		cfg.DefaultModel = cfg.LLM.model()
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = models.FallbackModel
	}

	if err := validate.Struct(cfg); err != nil {
		return config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envFallback(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

func (b BaseLLMConfig) model() string {
	return b.Model
}

func (o *openAIConfig) applyEnv() {
	o.APIKey = envFallback(o.APIKey, "OPENAI_API_KEY")
}

func (o openAIConfig) transport(systemPrompt string, logger *slog.Logger) (transport, error) {
	return services.NewOpenAI(o.APIKey, o.BaseURL, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) balance() handlers.BalanceReader {
	return services.NewBilling(o.APIKey, o.BaseURL)
}

func (o *openRouterConfig) applyEnv() {
	o.APIKey = envFallback(o.APIKey, "OPENROUTER_API_KEY")
}

func (o openRouterConfig) transport(systemPrompt string, logger *slog.Logger) (transport, error) {
	return services.NewOpenRouter(o.APIKey, o.BaseURL, systemPrompt, logger), nil
}

func (o openRouterConfig) balance() handlers.BalanceReader {
	return nil
}

func (a *anthropicConfig) applyEnv() {
	a.APIKey = envFallback(a.APIKey, "ANTHROPIC_API_KEY")
}

func (a anthropicConfig) transport(systemPrompt string, logger *slog.Logger) (transport, error) {
	return services.NewAnthropic(a.APIKey, a.BaseURL, systemPrompt, a.MaxTokens, logger), nil
}

func (a anthropicConfig) balance() handlers.BalanceReader {
	return nil
}

func (o *ollamaConfig) applyEnv() {
	o.Host = envFallback(o.Host, "OLLAMA_HOST")
}

func (o ollamaConfig) transport(systemPrompt string, logger *slog.Logger) (transport, error) {
	return services.NewOllama(o.Host, systemPrompt, logger)
}

func (o ollamaConfig) balance() handlers.BalanceReader {
	return nil
}
