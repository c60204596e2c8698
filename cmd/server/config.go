package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/MegaGrindStone/gemini-web-chat/internal/conversation"
	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/services"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort       = "8080"
	defaultOllamaHost = "http://localhost:11434"

	defaultSystemInstruction = "You are a helpful and friendly AI assistant named 'Gemini Chatbot'. " +
		"Your answers should be clear, friendly and useful. When the user asks for recent information, " +
		"try your best, and mention that your knowledge only extends up to a certain point in time."
)

type llmConfig interface {
	session(ctx context.Context, systemInstruction string, logger *zap.Logger) (conversation.Session, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port              string    `yaml:"port"`
	SystemInstruction string    `yaml:"systemInstruction"`
	Greeting          string    `yaml:"greeting"`
	LogLevel          string    `yaml:"logLevel"`
	Archive           string    `yaml:"archive"`
	LLM               llmConfig `yaml:"llm"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Grounding     bool   `yaml:"grounding"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func defaultConfig() config {
	return config{
		Port:              defaultPort,
		SystemInstruction: defaultSystemInstruction,
		Greeting:          conversation.DefaultGreeting,
		LogLevel:          "info",
		LLM:               &geminiConfig{BaseLLMConfig: BaseLLMConfig{Provider: "gemini"}},
	}
}

// loadConfig reads the configuration file at path on top of the defaults. A missing file is not an error
// unless required is set.
func loadConfig(path string, required bool) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port              string         `yaml:"port"`
		SystemInstruction string         `yaml:"systemInstruction"`
		Greeting          string         `yaml:"greeting"`
		LogLevel          string         `yaml:"logLevel"`
		Archive           string         `yaml:"archive"`
		LLM               map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.SystemInstruction != "" {
		c.SystemInstruction = rawConfig.SystemInstruction
	}
	if rawConfig.Greeting != "" {
		c.Greeting = rawConfig.Greeting
	}
	if rawConfig.LogLevel != "" {
		c.LogLevel = rawConfig.LogLevel
	}
	c.Archive = rawConfig.Archive

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "openai", "openrouter":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (g geminiConfig) session(
	ctx context.Context,
	systemInstruction string,
	logger *zap.Logger,
) (conversation.Session, error) {
	apiKey := firstNonEmpty(g.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))

	client, err := services.NewGemini(ctx, apiKey, g.Model, g.Parameters, g.Grounding, logger)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession(ctx, systemInstruction, nil)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (o openAIConfig) session(
	_ context.Context,
	systemInstruction string,
	logger *zap.Logger,
) (conversation.Session, error) {
	if o.Model == "" {
		return nil, chaterrors.NewConfigurationError("model is required")
	}

	apiKey, baseURL := o.APIKey, o.BaseURL
	if o.Provider == "openrouter" {
		apiKey = firstNonEmpty(apiKey, os.Getenv("OPENROUTER_API_KEY"))
		baseURL = firstNonEmpty(baseURL, services.OpenRouterBaseURL)
	} else {
		apiKey = firstNonEmpty(apiKey, os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, chaterrors.NewConfigurationError(fmt.Sprintf("API key is required for %s", o.Provider))
	}

	llm := services.NewOpenAI(o.Provider, apiKey, baseURL, o.Model, systemInstruction, o.Parameters, logger)
	return services.NewHistorySession(o.Provider, llm, nil, logger), nil
}

func (o ollamaConfig) session(
	_ context.Context,
	systemInstruction string,
	logger *zap.Logger,
) (conversation.Session, error) {
	if o.Model == "" {
		return nil, chaterrors.NewConfigurationError("model is required")
	}

	host := firstNonEmpty(o.Host, os.Getenv("OLLAMA_HOST"), defaultOllamaHost)
	llm, err := services.NewOllama(host, o.Model, systemInstruction, o.Parameters, logger)
	if err != nil {
		return nil, err
	}
	return services.NewHistorySession("ollama", llm, nil, logger), nil
}

func (a anthropicConfig) session(
	_ context.Context,
	systemInstruction string,
	logger *zap.Logger,
) (conversation.Session, error) {
	if a.Model == "" {
		return nil, chaterrors.NewConfigurationError("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, chaterrors.NewConfigurationError("maxTokens is required")
	}

	apiKey := firstNonEmpty(a.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, chaterrors.NewConfigurationError("API key is required for anthropic")
	}

	llm := services.NewAnthropic(apiKey, a.BaseURL, a.Model, systemInstruction, a.MaxTokens, a.Parameters, logger)
	return services.NewHistorySession("anthropic", llm, nil, logger), nil
}
