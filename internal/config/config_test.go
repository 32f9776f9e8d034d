// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, 25, cfg.Agent().MaxIterations)
	assert.Equal(t, 3, cfg.Agent().SnapshotRetries)
	assert.Equal(t, 3, cfg.Agent().StuckThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent().SnapshotBackoffInitial)
	assert.Equal(t, 10, cfg.Planner().HistoryWindow)
	assert.Equal(t, 6000, cfg.Planner().ContextBudgetTokens)
	assert.InDelta(t, 0.2, cfg.Planner().Temperature, 1e-9)
	assert.Equal(t, 150, cfg.Snapshot().MaxElements)
	assert.Equal(t, 4000, cfg.Snapshot().MaxChars)
	assert.Equal(t, 100*time.Millisecond, cfg.Actuator().PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Actuator().ElementTimeout)
	assert.Equal(t, BrowserModeAuto, cfg.Browser().Mode)
	assert.Equal(t, "http://127.0.0.1:9222", cfg.Browser().RemoteURL)
	assert.Equal(t, 64, cfg.Server().SubscriberBuffer)

	require.Contains(t, cfg.LLM().Models, cfg.LLM().DefaultFastModel)
	require.Contains(t, cfg.LLM().Models, cfg.LLM().DefaultPowerfulModel)
	assert.Len(t, cfg.LLM().Models, 3)
	assert.Equal(t, ProviderGemini, cfg.LLM().Models["gemini-pro"].Provider)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM().Models["gemini-pro"].Model)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM().Models["gemini-flash"].Model)
	assert.Equal(t, ProviderOpenAI, cfg.LLM().Models["gpt-4o-mini"].Provider)

	assert.NoError(t, cfg.Validate(), "default configuration must be valid")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		invalidMode := *cfg
		invalidMode.BrowserCfg.Mode = "teleport"
		err := invalidMode.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.mode must be one of")

		invalidBudget := *cfg
		invalidBudget.PlannerCfg.ContextBudgetTokens = 0
		err = invalidBudget.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "planner.context_budget_tokens must be a positive integer")

		invalidPoll := *cfg
		invalidPoll.ActuatorCfg.ElementTimeout = time.Millisecond
		err = invalidPoll.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "actuator.element_timeout must be at least actuator.poll_interval")
	})

	t.Run("LLM Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()

		missing := *cfg
		missing.LLMCfg.DefaultPowerfulModel = "gemini-2.5-pro"
		err := missing.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `llm.default_powerful_model "gemini-2.5-pro" is not defined under llm.models`)

		unset := *cfg
		unset.LLMCfg.DefaultFastModel = ""
		err = unset.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "llm.default_fast_model must be set")
	})

	t.Run("Model Name Instead Of Alias", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
llm:
  default_fast_model: gemini-2.0-flash
`)))

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aliases must not contain dots")
	})

	t.Run("Agent Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Agent()
		assert.NoError(t, valid.Validate())

		noIterations := valid
		noIterations.MaxIterations = 0
		err := noIterations.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_iterations must be greater than 0")

		lowStuck := valid
		lowStuck.StuckThreshold = 1
		err = lowStuck.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stuck_threshold must be at least 2")

		negativeRetries := valid
		negativeRetries.SnapshotRetries = -1
		assert.Error(t, negativeRetries.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
agent:
  max_iterations: 12
planner:
  history_window: 4
browser:
  mode: launch
  user_data_dir: ~/profiles/test
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 12, cfg.Agent().MaxIterations)
		assert.Equal(t, 4, cfg.Planner().HistoryWindow)
		assert.Equal(t, BrowserModeLaunch, cfg.Browser().Mode)
		assert.Equal(t, "info", cfg.Logger().Level, "defaults still apply")

		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "profiles", "test"), cfg.Browser().UserDataDir)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("agent.max_iterations", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "max_iterations must be greater than 0")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		yamlConfig := []byte(`
agent:
  stuck_threshold: 5
`)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		t.Setenv("BROWSERPILOT_AGENT_STUCK_THRESHOLD", "4")
		t.Setenv("GEMINI_API_KEY", "gemini-env-key")
		t.Setenv("BROWSERPILOT_OPENAI_API_KEY", "openai-env-key")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 4, cfg.Agent().StuckThreshold, "env must override the config file")
		assert.Equal(t, "gemini-env-key", cfg.LLM().Models["gemini-flash"].APIKey)
		assert.Equal(t, "openai-env-key", cfg.LLM().Models["gpt-4o-mini"].APIKey)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetBrowserHeadless(true)
	iface.SetBrowserMode(BrowserModeAttach)
	iface.SetAgentMaxIterations(7)
	iface.SetServerListen("0.0.0.0:8080")

	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, BrowserModeAttach, cfg.Browser().Mode)
	assert.Equal(t, 7, cfg.Agent().MaxIterations)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server().Listen)
}
