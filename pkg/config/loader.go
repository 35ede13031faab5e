package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the built-in configuration: the full capability
// registry for the assistant's worker fleet plus the supervision defaults.
func DefaultConfig() *Config {
	return &Config{
		Registry: map[AgentType]RegistryEntry{
			TypeOrchestrator: {Capabilities: []Capability{CapRouting, CapDialogue}, MaxConcurrentTasks: 10},
			TypeConversation: {Capabilities: []Capability{CapDialogue}, MaxConcurrentTasks: 5},
			TypeFinance:      {Capabilities: []Capability{CapFinance}, MaxConcurrentTasks: 3},
			TypeMusic:        {Capabilities: []Capability{CapMusicGen}, MaxConcurrentTasks: 2},
			TypeImage:        {Capabilities: []Capability{CapImageGen}, MaxConcurrentTasks: 2},
			TypePodcast:      {Capabilities: []Capability{CapPodcast}, MaxConcurrentTasks: 1},
			TypeVision:       {Capabilities: []Capability{CapVision}, MaxConcurrentTasks: 3},
			TypeEmail:        {Capabilities: []Capability{CapEmail}, MaxConcurrentTasks: 5},
			TypeCalendar:     {Capabilities: []Capability{CapCalendar}, MaxConcurrentTasks: 5},
			TypeSpotify:      {Capabilities: []Capability{CapSpotify}, MaxConcurrentTasks: 3},
			TypeVoice:        {Capabilities: []Capability{CapVoice}, MaxConcurrentTasks: 2},
			TypeWebSearch:    {Capabilities: []Capability{CapWeb}, MaxConcurrentTasks: 5},
			TypeDocument:     {Capabilities: []Capability{CapDocuments}, MaxConcurrentTasks: 3},
			TypeCodeAnalysis: {Capabilities: []Capability{CapCodeAnalysis}, MaxConcurrentTasks: 2},
			TypeSystem:       {Capabilities: []Capability{CapSystemControl}, MaxConcurrentTasks: 2},
			TypeCamera:       {Capabilities: []Capability{CapCamera, CapVision}, MaxConcurrentTasks: 2},
		},
		Workload: WorkloadConfig{
			Interval:        Duration(30 * time.Second),
			HighPercent:     75,
			CriticalPercent: 90,
			SpawnHandoff:    3,
		},
		Watchdog: WatchdogConfig{
			Interval:         Duration(30 * time.Second),
			HeartbeatTimeout: Duration(60 * time.Second),
			PingTimeout:      Duration(2 * time.Second),
			CriticalTypes:    []AgentType{TypeOrchestrator, TypeVoice, TypeSystem},
			EmergencyType:    TypeOrchestrator,
		},
		Mutual: MutualConfig{
			Interval:       Duration(45 * time.Second),
			StalenessLimit: Duration(120 * time.Second),
			MinHealthScore: 30,
		},
		SelfHeal: SelfHealConfig{
			Interval:          Duration(30 * time.Second),
			FailureThreshold:  3,
			ResetTimeout:      Duration(60 * time.Second),
			MaxRestarts:       5,
			RestartWindow:     Duration(time.Hour),
			BackoffMultiplier: 2,
			BackoffCap:        Duration(30 * time.Second),
			SelfProcessName:   "hivemind",
		},
		Queue: QueueConfig{MaxRetries: 3},
		Bus: BusConfig{
			QueueSize:      100,
			RequestTimeout: Duration(5 * time.Second),
		},
		Health:  HealthConfig{ListenAddr: ":8090"},
		Storage: StorageConfig{DBPath: "hivemind.db"},
		Metrics: MetricsConfig{PrometheusURL: "http://localhost:9090"},
	}
}

// Load reads the YAML config at path, layered over DefaultConfig, and
// validates the result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks registry and threshold sanity. It is called once at load;
// afterwards the Config is treated as immutable.
func (c *Config) Validate() error {
	if len(c.Registry) == 0 {
		return fmt.Errorf("capability registry is empty")
	}
	for agentType, entry := range c.Registry {
		if _, err := ParseAgentType(string(agentType)); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
		if entry.MaxConcurrentTasks <= 0 {
			return fmt.Errorf("registry: agent type %s has non-positive max_concurrent_tasks", agentType)
		}
		if len(entry.Capabilities) == 0 {
			return fmt.Errorf("registry: agent type %s declares no capabilities", agentType)
		}
	}

	for _, critical := range c.Watchdog.CriticalTypes {
		if _, ok := c.Registry[critical]; !ok {
			return fmt.Errorf("watchdog: critical type %s not in registry", critical)
		}
	}
	if c.Watchdog.EmergencyType != "" {
		if !c.IsCriticalType(c.Watchdog.EmergencyType) {
			return fmt.Errorf("watchdog: emergency type %s not in critical set", c.Watchdog.EmergencyType)
		}
	}

	if c.Workload.HighPercent <= 0 || c.Workload.CriticalPercent <= c.Workload.HighPercent {
		return fmt.Errorf("workload: thresholds must satisfy 0 < high < critical (got %d, %d)",
			c.Workload.HighPercent, c.Workload.CriticalPercent)
	}
	if c.SelfHeal.FailureThreshold <= 0 || c.SelfHeal.MaxRestarts <= 0 {
		return fmt.Errorf("selfheal: failure_threshold and max_restarts must be positive")
	}
	if c.SelfHeal.BackoffMultiplier < 2 {
		return fmt.Errorf("selfheal: backoff_multiplier must be at least 2")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue: max_retries must be non-negative")
	}
	return nil
}
