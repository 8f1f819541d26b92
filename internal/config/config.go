package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Contract names accepted in chat.contract.
const (
	ContractRAG       = "rag"
	ContractInference = "inference"
)

const defaultSystemPrompt = `You are Jackbot, a virtual assistant specialised in French administrative procedures.
Only give factual, verifiable information and cite a source for every fact, formatted as
"[Source : <type> - <reference>]". Stay neutral and never discuss politics or religion.
Politely bring off-topic conversations back to administrative questions.
If a question is beyond your knowledge, say so and recommend contacting the competent
administration instead of inventing an answer.`

// Config holds the application configuration
type Config struct {
	Log       LogConfig
	Server    ServerConfig
	LLM       LLMConfig
	Chat      ChatConfig
	Knowledge KnowledgeConfig
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// LLMConfig holds the OpenAI-compatible backend used by the RAG service.
type LLMConfig struct {
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// ChatConfig configures the chat session and the backend contract it talks to.
type ChatConfig struct {
	Contract         string        `mapstructure:"contract"`
	URL              string        `mapstructure:"url"`
	Model            string        `mapstructure:"model"`
	SystemPrompt     string        `mapstructure:"system_prompt"`
	SystemPromptFile string        `mapstructure:"system_prompt_file"`
	FallbackMessage  string        `mapstructure:"fallback_message"`
	SerialRequests   bool          `mapstructure:"serial_requests"`
	EchoRawOnMissing bool          `mapstructure:"echo_raw_on_missing"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// KnowledgeConfig holds the document store configuration
type KnowledgeConfig struct {
	DBPath string `mapstructure:"db_path"`
	TopK   int    `mapstructure:"top_k"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")

	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.base_url", "http://ollama:11434/v1")
	v.SetDefault("llm.api_key", "ollama")
	v.SetDefault("llm.model", "qwen:0.5b")
	v.SetDefault("llm.embedding_model", "bge-m3")

	v.SetDefault("chat.contract", ContractRAG)
	v.SetDefault("chat.url", "http://localhost:8080/api/ask-jackbot")
	v.SetDefault("chat.model", "qwen:0.5b")
	v.SetDefault("chat.system_prompt", defaultSystemPrompt)
	v.SetDefault("chat.system_prompt_file", "")
	v.SetDefault("chat.fallback_message", "Sorry, an error occurred. Please try again later.")
	v.SetDefault("chat.serial_requests", true)
	v.SetDefault("chat.echo_raw_on_missing", true)
	v.SetDefault("chat.timeout", time.Duration(0))

	v.SetDefault("knowledge.db_path", "knowledge.db")
	v.SetDefault("knowledge.top_k", 3)
}

// Load loads the configuration from $CONFIG_PATH, or config.yaml in the working
// directory. A missing default file is not an error; defaults and JACKBOT_* env apply.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile loads the configuration from path. An empty path looks for config.yaml in ".".
func LoadFile(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JACKBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if config.Chat.SystemPromptFile != "" {
		b, err := os.ReadFile(config.Chat.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("read system prompt file: %w", err)
		}
		config.Chat.SystemPrompt = string(b)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate reports configuration combinations the chat session cannot run with.
func (c *Config) Validate() error {
	switch c.Chat.Contract {
	case ContractRAG:
	case ContractInference:
		if c.Chat.Model == "" {
			return errors.New("chat.model is required for the inference contract")
		}
	default:
		return fmt.Errorf("unsupported chat.contract %q (want %q or %q)", c.Chat.Contract, ContractRAG, ContractInference)
	}
	if c.Chat.URL == "" {
		return errors.New("chat.url is required")
	}
	if strings.TrimSpace(c.Chat.FallbackMessage) == "" {
		return errors.New("chat.fallback_message must not be blank")
	}
	if c.Knowledge.TopK <= 0 {
		return fmt.Errorf("knowledge.top_k must be positive, got %d", c.Knowledge.TopK)
	}
	return nil
}
