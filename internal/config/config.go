// Package config loads the process configuration from the environment.
//
// All keys are read through viper with the ARGO_ prefix, e.g. the LLM API key
// comes from ARGO_LLM_API_KEY. Missing required keys are a startup-fatal
// configuration error (CLI exit code 2).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"argo/pkg/types"
)

// ErrMissingKey marks configuration errors caused by absent required keys.
var ErrMissingKey = errors.New("missing required configuration key")

// LLMConfig configures the chat-completion provider client.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// EmbedModel enables the knowledge hub's semantic index when set.
	EmbedModel string
	Timeout    time.Duration
	// Temperature is the default sampling temperature; PhaseTemperatures
	// override it per phase when set.
	Temperature       float64
	MaxTokens         int
	PhaseTemperatures map[types.Phase]float64
}

// SandboxConfig configures the remote sandbox provider client.
type SandboxConfig struct {
	BaseURL       string
	APIKey        string
	WorkspaceRoot string
	ExecTimeout   time.Duration
	RPCTimeout    time.Duration
}

// SearchConfig configures the web-search provider used by the knowledge
// sub-agent. Optional; the sub-agent degrades when absent.
type SearchConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ServerConfig configures the HTTP/WebSocket boundary.
type ServerConfig struct {
	Host string
	Port int
}

// Config is the fully resolved process configuration.
type Config struct {
	LLM     LLMConfig
	Sandbox SandboxConfig
	Search  SearchConfig
	Server  ServerConfig

	MaxIterations    int
	BiasStrength     int
	SubscriberBuffer int
	Parallelism      int
	PlannerEnabled   bool
	BrowserTimeout   time.Duration
	// LearningDir is where the learning stores persist their JSON documents.
	LearningDir string
	Debug       bool
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("sandbox.workspace", "/workspace")
	v.SetDefault("sandbox.exec_timeout_seconds", 300)
	v.SetDefault("sandbox.rpc_timeout_seconds", 30)
	v.SetDefault("search.timeout_seconds", 15)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8791)
	v.SetDefault("max_iterations", 100)
	v.SetDefault("bias_strength", -100)
	v.SetDefault("subscriber_buffer", 256)
	v.SetDefault("parallelism", 8)
	v.SetDefault("planner_enabled", true)
	v.SetDefault("browser_timeout_seconds", 60)
	v.SetDefault("learning_dir", ".argo/learning")

	cfg := &Config{
		LLM: LLMConfig{
			BaseURL:     v.GetString("llm.base_url"),
			APIKey:      v.GetString("llm.api_key"),
			Model:       v.GetString("llm.model"),
			EmbedModel:  v.GetString("llm.embed_model"),
			Timeout:     time.Duration(v.GetInt("llm.timeout_seconds")) * time.Second,
			Temperature: v.GetFloat64("llm.temperature"),
			MaxTokens:   v.GetInt("llm.max_tokens"),
		},
		Sandbox: SandboxConfig{
			BaseURL:       v.GetString("sandbox.base_url"),
			APIKey:        v.GetString("sandbox.api_key"),
			WorkspaceRoot: v.GetString("sandbox.workspace"),
			ExecTimeout:   time.Duration(v.GetInt("sandbox.exec_timeout_seconds")) * time.Second,
			RPCTimeout:    time.Duration(v.GetInt("sandbox.rpc_timeout_seconds")) * time.Second,
		},
		Search: SearchConfig{
			BaseURL: v.GetString("search.base_url"),
			APIKey:  v.GetString("search.api_key"),
			Timeout: time.Duration(v.GetInt("search.timeout_seconds")) * time.Second,
		},
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		MaxIterations:    v.GetInt("max_iterations"),
		BiasStrength:     v.GetInt("bias_strength"),
		SubscriberBuffer: v.GetInt("subscriber_buffer"),
		Parallelism:      v.GetInt("parallelism"),
		PlannerEnabled:   v.GetBool("planner_enabled"),
		BrowserTimeout:   time.Duration(v.GetInt("browser_timeout_seconds")) * time.Second,
		LearningDir:      v.GetString("learning_dir"),
		Debug:            v.GetBool("debug"),
	}

	cfg.LLM.PhaseTemperatures = phaseTemperatures(v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func phaseTemperatures(v *viper.Viper) map[types.Phase]float64 {
	phases := []types.Phase{
		types.PhasePlanning, types.PhaseExecuting, types.PhaseVerifying,
		types.PhaseBrowsing, types.PhaseLearning,
	}
	out := make(map[types.Phase]float64)
	for _, p := range phases {
		key := "llm.temperature_" + strings.ToLower(string(p))
		if v.IsSet(key) {
			out[p] = v.GetFloat64(key)
		}
	}
	return out
}

// Validate checks that every required key is present.
func (c *Config) Validate() error {
	required := []struct{ key, val string }{
		{"ARGO_LLM_BASE_URL", c.LLM.BaseURL},
		{"ARGO_LLM_API_KEY", c.LLM.APIKey},
		{"ARGO_LLM_MODEL", c.LLM.Model},
		{"ARGO_SANDBOX_BASE_URL", c.Sandbox.BaseURL},
		{"ARGO_SANDBOX_API_KEY", c.Sandbox.APIKey},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.BiasStrength < -100 || c.BiasStrength > 0 {
		return fmt.Errorf("bias_strength must be in [-100, 0], got %d", c.BiasStrength)
	}
	return nil
}

// TemperatureFor returns the sampling temperature for a phase.
func (c *Config) TemperatureFor(phase types.Phase) float64 {
	if t, ok := c.LLM.PhaseTemperatures[phase]; ok {
		return t
	}
	return c.LLM.Temperature
}
