package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	LLM       LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the connection details for the relational store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// AgentConfig configures the cognitive runtime.
type AgentConfig struct {
	ID string `mapstructure:"id" yaml:"id"`

	// Name and Persona feed the system prompt used for chat answers.
	Name    string `mapstructure:"name" yaml:"name"`
	Persona string `mapstructure:"persona" yaml:"persona"`

	// QueueCapacity bounds the event bus; publishers block when it is full.
	QueueCapacity int `mapstructure:"queue_capacity" yaml:"queue_capacity"`

	// HandlerConcurrency caps the number of events handled in parallel.
	HandlerConcurrency int `mapstructure:"handler_concurrency" yaml:"handler_concurrency"`

	// HousekeepingInterval drives the periodic idle check.
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval" yaml:"housekeeping_interval"`

	// IdleChatTTL is how long the conversation may sit untouched before
	// housekeeping clears the chat history.
	IdleChatTTL time.Duration `mapstructure:"idle_chat_ttl" yaml:"idle_chat_ttl"`

	// ChatHistoryLimit bounds the stored chat transcript (messages, not pairs).
	ChatHistoryLimit int `mapstructure:"chat_history_limit" yaml:"chat_history_limit"`

	// PromptHistoryWindow is the trailing slice of the transcript sent to the model.
	PromptHistoryWindow int `mapstructure:"prompt_history_window" yaml:"prompt_history_window"`

	// SummaryMinInterval throttles the per-cycle reflective summaries.
	SummaryMinInterval time.Duration `mapstructure:"summary_min_interval" yaml:"summary_min_interval"`

	// ToolsEnabled gates all tool invocation; when false EXECUTE actions
	// report a structured failure instead of running.
	ToolsEnabled bool `mapstructure:"tools_enabled" yaml:"tools_enabled"`

	Memory MemoryConfig `mapstructure:"memory" yaml:"memory"`
}

// MemoryConfig holds the thought-graph maintenance constants.
type MemoryConfig struct {
	DecayHalfLife        time.Duration `mapstructure:"decay_half_life" yaml:"decay_half_life"`
	ConsolidateThreshold float64       `mapstructure:"consolidate_threshold" yaml:"consolidate_threshold"`
	PruneMinScore        float64       `mapstructure:"prune_min_score" yaml:"prune_min_score"`
	PruneMinConfidence   float64       `mapstructure:"prune_min_confidence" yaml:"prune_min_confidence"`
	LongTermSummaryLimit int           `mapstructure:"long_term_summary_limit" yaml:"long_term_summary_limit"`
}

// LLMProvider identifies the backing model provider.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMRouterConfig configures the tiered model routing.
type LLMRouterConfig struct {
	Fast     LLMModelConfig `mapstructure:"fast" yaml:"fast"`
	Powerful LLMModelConfig `mapstructure:"powerful" yaml:"powerful"`

	// CallTimeout is the soft bound on a single generation call. A failed
	// call is retried once with a compacted prompt and a longer timeout.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// LLMModelConfig configures one model tier.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// BroadcastConfig configures the websocket consciousness feed.
type BroadcastConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SetDefaults registers every default value on the provided viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "cortex")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("database.url", "")

	v.SetDefault("agent.id", "cortex")
	v.SetDefault("agent.name", "Cortex")
	v.SetDefault("agent.persona", "You are Cortex, an autonomous market-watching assistant. You are concise, factual and helpful.")
	v.SetDefault("agent.queue_capacity", 1000)
	v.SetDefault("agent.handler_concurrency", 2)
	v.SetDefault("agent.housekeeping_interval", 5*time.Minute)
	v.SetDefault("agent.idle_chat_ttl", 30*time.Minute)
	v.SetDefault("agent.chat_history_limit", 20)
	v.SetDefault("agent.prompt_history_window", 8)
	v.SetDefault("agent.summary_min_interval", 8*time.Second)
	v.SetDefault("agent.tools_enabled", true)

	v.SetDefault("agent.memory.decay_half_life", 4*time.Hour)
	v.SetDefault("agent.memory.consolidate_threshold", 0.75)
	v.SetDefault("agent.memory.prune_min_score", 0.25)
	v.SetDefault("agent.memory.prune_min_confidence", 0.3)
	v.SetDefault("agent.memory.long_term_summary_limit", 12)

	v.SetDefault("llm.fast.provider", "gemini")
	v.SetDefault("llm.fast.model", "gemini-2.0-flash")
	v.SetDefault("llm.fast.api_timeout", 60*time.Second)
	v.SetDefault("llm.fast.temperature", 0.4)
	v.SetDefault("llm.powerful.provider", "gemini")
	v.SetDefault("llm.powerful.model", "gemini-2.5-pro")
	v.SetDefault("llm.powerful.api_timeout", 150*time.Second)
	v.SetDefault("llm.powerful.temperature", 0.7)
	v.SetDefault("llm.call_timeout", 150*time.Second)

	v.SetDefault("broadcast.enabled", true)
	v.SetDefault("broadcast.listen_addr", ":8741")
}

// Load reads configuration from the given file (or the default search
// locations when empty), applies environment overrides and returns the
// unmarshalled Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".cortex"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("cortex")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a Config populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}
