package config

import (
	"fmt"
	"os"
	"time"
)

// EnvAPIKey is the environment variable consulted when llm.api_key is not
// set in the config document.
const EnvAPIKey = "LLM_API_KEY"

// ProviderType identifies the LLM provider family.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderMock   ProviderType = "mock"
)

// ReasoningEffort levels accepted by reasoning-family models.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// UIMode selects how the CLI runs when no explicit request is given.
type UIMode string

const (
	UIModeAuto    UIMode = "auto"
	UIModeREPL    UIMode = "repl"
	UIModeOneshot UIMode = "oneshot"
)

// Config is the complete runtime configuration. All recognized options are
// declared here; unknown keys fail the load.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Session    SessionConfig    `yaml:"session"`
	UI         UIConfig         `yaml:"ui"`
}

// ConnectionConfig lists the tool servers to spawn at startup.
type ConnectionConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one MCP tool-server child process.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Cwd     string            `yaml:"cwd"`
	Env     map[string]string `yaml:"env"`
}

// EnvList renders Env as KEY=VALUE pairs for process spawning.
func (s ServerConfig) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	list := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		list = append(list, k+"="+v)
	}
	return list
}

// LLMConfig configures the planning/interpretation model.
type LLMConfig struct {
	Provider        ProviderType    `yaml:"provider"`
	Model           string          `yaml:"model"`
	BaseURL         string          `yaml:"base_url"`
	APIKey          string          `yaml:"api_key"`
	Temperature     float64         `yaml:"temperature"`
	MaxTokens       int             `yaml:"max_tokens"`
	ReasoningEffort ReasoningEffort `yaml:"reasoning_effort"`
	MockRules       []MockRule      `yaml:"mock_rules"`
}

// MockRule maps a prompt substring to a canned completion (mock provider).
type MockRule struct {
	Contains string `yaml:"contains"`
	Response string `yaml:"response"`
}

// AgentConfig tunes the execution engine and prompt assembly.
type AgentConfig struct {
	MaxAttempts            int    `yaml:"max_attempts"`
	ToolTimeoutSeconds     int    `yaml:"tool_timeout_seconds"`
	MaxContextEntries      int    `yaml:"max_context_entries"`
	CustomInstructionsPath string `yaml:"custom_instructions_path"`
	Interpret              *bool  `yaml:"interpret"`
}

// ToolTimeout returns the per-call deadline as a duration.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// Interpretation reports whether final results get a natural-language pass.
func (a AgentConfig) Interpretation() bool {
	return a.Interpret == nil || *a.Interpret
}

// SessionConfig locates the persistent store.
type SessionConfig struct {
	Dir string `yaml:"dir"`
}

// UIConfig selects the CLI front-end behavior.
type UIConfig struct {
	Mode UIMode `yaml:"mode"`
}

// SetDefaults fills unset fields with working defaults.
func (c *Config) SetDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenAI
	}
	if c.LLM.Model == "" && c.LLM.Provider == ProviderOpenAI {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.ReasoningEffort == "" {
		c.LLM.ReasoningEffort = EffortMedium
	}
	if c.Agent.MaxAttempts == 0 {
		c.Agent.MaxAttempts = 3
	}
	if c.Agent.ToolTimeoutSeconds == 0 {
		c.Agent.ToolTimeoutSeconds = 30
	}
	if c.Agent.MaxContextEntries == 0 {
		c.Agent.MaxContextEntries = 10
	}
	if c.UI.Mode == "" {
		c.UI.Mode = UIModeAuto
	}
}

// Validate checks the configuration for consistency. Defaults must be
// applied first.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Connection.Servers))
	for i, srv := range c.Connection.Servers {
		if srv.Name == "" {
			return fmt.Errorf("connection.servers[%d]: name is required", i)
		}
		if srv.Command == "" {
			return fmt.Errorf("connection.servers[%d] (%s): command is required", i, srv.Name)
		}
		if seen[srv.Name] {
			return fmt.Errorf("connection.servers: duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = true
	}

	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.Model == "" {
			return fmt.Errorf("llm.model is required for provider %q", c.LLM.Provider)
		}
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required (set %s)", EnvAPIKey)
		}
	case ProviderMock:
		// Canned completions; no credentials.
	default:
		return fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider)
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0, 2], got %v", c.LLM.Temperature)
	}
	switch c.LLM.ReasoningEffort {
	case EffortLow, EffortMedium, EffortHigh:
	default:
		return fmt.Errorf("llm.reasoning_effort must be low, medium, or high, got %q", c.LLM.ReasoningEffort)
	}

	if c.Agent.MaxAttempts < 1 {
		return fmt.Errorf("agent.max_attempts must be at least 1, got %d", c.Agent.MaxAttempts)
	}
	if c.Agent.ToolTimeoutSeconds < 1 {
		return fmt.Errorf("agent.tool_timeout_seconds must be at least 1, got %d", c.Agent.ToolTimeoutSeconds)
	}
	if c.Agent.MaxContextEntries < 1 {
		return fmt.Errorf("agent.max_context_entries must be at least 1, got %d", c.Agent.MaxContextEntries)
	}

	switch c.UI.Mode {
	case UIModeAuto, UIModeREPL, UIModeOneshot:
	default:
		return fmt.Errorf("ui.mode must be auto, repl, or oneshot, got %q", c.UI.Mode)
	}

	return nil
}

// Default returns a configuration with defaults applied and no servers.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
