// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override.
const EnvPrefix = "BROWSERPILOT"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Agent() AgentConfig
	Planner() PlannerConfig
	Snapshot() SnapshotConfig
	Actuator() ActuatorConfig
	LLM() LLMConfig
	Browser() BrowserConfig
	Server() ServerConfig

	SetBrowserHeadless(bool)
	SetBrowserMode(BrowserMode)
	SetAgentMaxIterations(int)
	SetServerListen(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	AgentCfg    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	PlannerCfg  PlannerConfig  `mapstructure:"planner" yaml:"planner"`
	SnapshotCfg SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	ActuatorCfg ActuatorConfig `mapstructure:"actuator" yaml:"actuator"`
	LLMCfg      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Agent() AgentConfig       { return c.AgentCfg }
func (c *Config) Planner() PlannerConfig   { return c.PlannerCfg }
func (c *Config) Snapshot() SnapshotConfig { return c.SnapshotCfg }
func (c *Config) Actuator() ActuatorConfig { return c.ActuatorCfg }
func (c *Config) LLM() LLMConfig           { return c.LLMCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }

// -- Setters used by CLI flag overrides --

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserMode(m BrowserMode) { c.BrowserCfg.Mode = m }
func (c *Config) SetAgentMaxIterations(n int)  { c.AgentCfg.MaxIterations = n }
func (c *Config) SetServerListen(addr string)  { c.ServerCfg.Listen = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig bounds the loop controller and the session manager.
type AgentConfig struct {
	MaxIterations          int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	SnapshotRetries        int           `mapstructure:"snapshot_retries" yaml:"snapshot_retries"`
	SnapshotBackoffInitial time.Duration `mapstructure:"snapshot_backoff_initial" yaml:"snapshot_backoff_initial"`
	SnapshotBackoffMax     time.Duration `mapstructure:"snapshot_backoff_max" yaml:"snapshot_backoff_max"`
	StuckThreshold         int           `mapstructure:"stuck_threshold" yaml:"stuck_threshold"`
	MaxConcurrentSessions  int           `mapstructure:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	// FinishedRetention is how many terminal sessions stay queryable by id.
	FinishedRetention int `mapstructure:"finished_retention" yaml:"finished_retention"`
}

// PlannerConfig controls prompt assembly and the model call.
type PlannerConfig struct {
	HistoryWindow       int           `mapstructure:"history_window" yaml:"history_window"`
	ContextBudgetTokens int           `mapstructure:"context_budget_tokens" yaml:"context_budget_tokens"`
	Temperature         float64       `mapstructure:"temperature" yaml:"temperature"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	Tier                string        `mapstructure:"tier" yaml:"tier"`
	TokenEncoding       string        `mapstructure:"token_encoding" yaml:"token_encoding"`
}

// SnapshotConfig bounds the observation handed to the planner.
type SnapshotConfig struct {
	MaxElements   int `mapstructure:"max_elements" yaml:"max_elements"`
	MaxTextLength int `mapstructure:"max_text_length" yaml:"max_text_length"`
	MaxChars      int `mapstructure:"max_chars" yaml:"max_chars"`
	MaxDepth      int `mapstructure:"max_depth" yaml:"max_depth"`
	MaxRawNodes   int `mapstructure:"max_raw_nodes" yaml:"max_raw_nodes"`
}

// ActuatorConfig holds the smart-wait and timeout ceilings.
type ActuatorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	MaxExtractChars   int           `mapstructure:"max_extract_chars" yaml:"max_extract_chars"`
}

// LLMProvider defines the type for supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// LLMConfig configures the model routing logic.
type LLMConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	RequestsPerMinute    int                       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	GeminiAPIKey         string                    `mapstructure:"gemini_api_key" yaml:"-"`
	OpenAIAPIKey         string                    `mapstructure:"openai_api_key" yaml:"-"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// BrowserMode selects how the browser is acquired.
type BrowserMode string

const (
	BrowserModeAuto   BrowserMode = "auto"   // Attach to a running browser, launch one if none answers.
	BrowserModeAttach BrowserMode = "attach" // Only attach to remote_url.
	BrowserModeLaunch BrowserMode = "launch" // Always launch a dedicated process.
)

// BrowserConfig describes the browser process or endpoint the agent drives.
type BrowserConfig struct {
	Mode          BrowserMode   `mapstructure:"mode" yaml:"mode"`
	RemoteURL     string        `mapstructure:"remote_url" yaml:"remote_url"`
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir   string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	AttachTimeout time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`
	Debug         bool          `mapstructure:"debug" yaml:"debug"`
}

// ServerConfig configures the HTTP control surface and event feed.
type ServerConfig struct {
	Listen           string        `mapstructure:"listen" yaml:"listen"`
	PortFallbacks    int           `mapstructure:"port_fallbacks" yaml:"port_fallbacks"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browserpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.max_iterations", 25)
	v.SetDefault("agent.snapshot_retries", 3)
	v.SetDefault("agent.snapshot_backoff_initial", "250ms")
	v.SetDefault("agent.snapshot_backoff_max", "2s")
	v.SetDefault("agent.stuck_threshold", 3)
	v.SetDefault("agent.max_concurrent_sessions", 4)
	v.SetDefault("agent.finished_retention", 256)

	// -- Planner --
	v.SetDefault("planner.history_window", 10)
	v.SetDefault("planner.context_budget_tokens", 6000)
	v.SetDefault("planner.temperature", 0.2)
	v.SetDefault("planner.request_timeout", "60s")
	v.SetDefault("planner.tier", "powerful")
	v.SetDefault("planner.token_encoding", "cl100k_base")

	// -- Snapshot --
	v.SetDefault("snapshot.max_elements", 150)
	v.SetDefault("snapshot.max_text_length", 80)
	v.SetDefault("snapshot.max_chars", 4000)
	v.SetDefault("snapshot.max_depth", 15)
	v.SetDefault("snapshot.max_raw_nodes", 3000)

	// -- Actuator --
	v.SetDefault("actuator.poll_interval", "100ms")
	v.SetDefault("actuator.element_timeout", "5s")
	v.SetDefault("actuator.navigation_timeout", "30s")
	v.SetDefault("actuator.wait_timeout", "10s")
	v.SetDefault("actuator.settle_delay", "500ms")
	v.SetDefault("actuator.max_extract_chars", 2000)

	// -- LLM --
	// Model entries are keyed by alias. Viper splits keys on dots, so an
	// alias must not contain one; the provider's model name goes in "model".
	v.SetDefault("llm.default_fast_model", "gemini-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-pro")
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.models", map[string]interface{}{
		"gemini-flash": map[string]interface{}{"provider": "gemini", "model": "gemini-2.5-flash", "api_timeout": "60s"},
		"gemini-pro":   map[string]interface{}{"provider": "gemini", "model": "gemini-2.5-pro", "api_timeout": "90s"},
		"gpt-4o-mini": map[string]interface{}{
			"provider": "openai", "model": "gpt-4o-mini",
			"endpoint": "https://api.openai.com/v1/chat/completions", "api_timeout": "60s",
		},
	})

	// -- Browser --
	v.SetDefault("browser.mode", string(BrowserModeAuto))
	v.SetDefault("browser.remote_url", "http://127.0.0.1:9222")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "~/.browserpilot/profile")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.attach_timeout", "2s")
	v.SetDefault("browser.debug", false)

	// -- Server --
	v.SetDefault("server.listen", "127.0.0.1:3000")
	v.SetDefault("server.port_fallbacks", 9)
	v.SetDefault("server.subscriber_buffer", 64)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})
}

// BindEnv wires environment overrides onto v. Nested keys map to upper-case
// names with underscores, e.g. BROWSERPILOT_AGENT_MAX_ITERATIONS.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider keys also honour the names the vendors document.
	_ = v.BindEnv("llm.gemini_api_key", EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("llm.openai_api_key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	BindEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.LLMCfg.applyProviderKeys()

	if err := cfg.BrowserCfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyProviderKeys fills per-model API keys from the provider level keys.
func (l *LLMConfig) applyProviderKeys() {
	for name, m := range l.Models {
		if m.APIKey != "" {
			continue
		}
		switch m.Provider {
		case ProviderGemini:
			m.APIKey = l.GeminiAPIKey
		case ProviderOpenAI:
			m.APIKey = l.OpenAIAPIKey
		}
		l.Models[name] = m
	}
}

func (b *BrowserConfig) expandPaths() error {
	if b.UserDataDir == "" {
		return nil
	}
	expanded, err := homedir.Expand(b.UserDataDir)
	if err != nil {
		return fmt.Errorf("browser.user_data_dir: %w", err)
	}
	b.UserDataDir = os.ExpandEnv(expanded)
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if c.PlannerCfg.HistoryWindow < 0 {
		return fmt.Errorf("planner.history_window must not be negative")
	}
	if c.PlannerCfg.ContextBudgetTokens <= 0 {
		return fmt.Errorf("planner.context_budget_tokens must be a positive integer")
	}
	if c.SnapshotCfg.MaxElements <= 0 || c.SnapshotCfg.MaxChars <= 0 {
		return fmt.Errorf("snapshot.max_elements and snapshot.max_chars must be positive")
	}
	if c.ActuatorCfg.PollInterval <= 0 {
		return fmt.Errorf("actuator.poll_interval must be a positive duration")
	}
	if c.ActuatorCfg.ElementTimeout < c.ActuatorCfg.PollInterval {
		return fmt.Errorf("actuator.element_timeout must be at least actuator.poll_interval")
	}
	switch c.BrowserCfg.Mode {
	case BrowserModeAuto, BrowserModeAttach, BrowserModeLaunch:
	default:
		return fmt.Errorf("browser.mode must be one of auto, attach, launch (got %q)", c.BrowserCfg.Mode)
	}
	if c.ServerCfg.SubscriberBuffer <= 0 {
		return fmt.Errorf("server.subscriber_buffer must be a positive integer")
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	return nil
}

// Validate checks that both default tiers name a defined model.
func (l *LLMConfig) Validate() error {
	for key, name := range map[string]string{
		"default_fast_model":     l.DefaultFastModel,
		"default_powerful_model": l.DefaultPowerfulModel,
	} {
		if name == "" {
			return fmt.Errorf("llm.%s must be set", key)
		}
		if _, ok := l.Models[name]; !ok {
			return fmt.Errorf("llm.%s %q is not defined under llm.models (aliases must not contain dots)", key, name)
		}
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be greater than 0")
	}
	if a.SnapshotRetries < 0 {
		return fmt.Errorf("snapshot_retries must not be negative")
	}
	if a.StuckThreshold < 2 {
		return fmt.Errorf("stuck_threshold must be at least 2")
	}
	if a.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be greater than 0")
	}
	if a.FinishedRetention <= 0 {
		return fmt.Errorf("finished_retention must be greater than 0")
	}
	return nil
}
