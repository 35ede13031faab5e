// Package config provides startup configuration for the control plane.
// A Config is loaded once, validated, and treated as immutable from then on;
// components receive it by injection rather than through globals.
package config

import (
	"fmt"
	"time"
)

// AgentType is the closed set of worker agent types the control plane knows
// about. Every registry key is validated against this set at startup so no
// unchecked string dispatch survives past Load.
type AgentType string

const (
	TypeOrchestrator AgentType = "orchestrator"
	TypeConversation AgentType = "conversation"
	TypeFinance      AgentType = "finance"
	TypeMusic        AgentType = "music"
	TypeImage        AgentType = "image"
	TypePodcast      AgentType = "podcast"
	TypeVision       AgentType = "vision"
	TypeEmail        AgentType = "email"
	TypeCalendar     AgentType = "calendar"
	TypeSpotify      AgentType = "spotify"
	TypeVoice        AgentType = "voice"
	TypeWebSearch    AgentType = "websearch"
	TypeDocument     AgentType = "document"
	TypeCodeAnalysis AgentType = "code"
	TypeSystem       AgentType = "system"
	TypeCamera       AgentType = "camera"
)

// KnownAgentTypes returns every valid agent type.
func KnownAgentTypes() []AgentType {
	return []AgentType{
		TypeOrchestrator, TypeConversation, TypeFinance, TypeMusic,
		TypeImage, TypePodcast, TypeVision, TypeEmail, TypeCalendar,
		TypeSpotify, TypeVoice, TypeWebSearch, TypeDocument,
		TypeCodeAnalysis, TypeSystem, TypeCamera,
	}
}

// ParseAgentType validates a string against the closed agent type set.
func ParseAgentType(s string) (AgentType, error) {
	for _, t := range KnownAgentTypes() {
		if AgentType(s) == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown agent type: %q", s)
}

func (t AgentType) String() string {
	return string(t)
}

// Capability is a named skill an agent type declares.
type Capability string

const (
	CapDialogue      Capability = "dialogue"
	CapWeb           Capability = "web"
	CapFinance       Capability = "finance"
	CapMusicGen      Capability = "music_generation"
	CapImageGen      Capability = "image_generation"
	CapPodcast       Capability = "podcast"
	CapVision        Capability = "vision"
	CapEmail         Capability = "email"
	CapCalendar      Capability = "calendar"
	CapSpotify       Capability = "spotify"
	CapVoice         Capability = "voice"
	CapDocuments     Capability = "documents"
	CapCodeAnalysis  Capability = "code_analysis"
	CapSystemControl Capability = "system_control"
	CapCamera        Capability = "camera"
	CapRouting       Capability = "routing"
)

// RegistryEntry describes one agent type: its capability set and how many
// tasks a single instance may hold at once.
type RegistryEntry struct {
	Capabilities       []Capability `yaml:"capabilities"`
	MaxConcurrentTasks int          `yaml:"max_concurrent_tasks"`
}

// HasCapability reports whether the entry declares the given capability.
func (e RegistryEntry) HasCapability(c Capability) bool {
	for _, cap := range e.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Duration wraps time.Duration for YAML fields like "30s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// WorkloadConfig tunes the workload monitor loop.
type WorkloadConfig struct {
	Interval        Duration `yaml:"interval"`         // Poll interval (default 30s)
	HighPercent     int      `yaml:"high_percent"`     // Log-only threshold (default 75)
	CriticalPercent int      `yaml:"critical_percent"` // Delegation threshold (default 90)
	SpawnHandoff    int      `yaml:"spawn_handoff"`    // Tasks handed to a freshly spawned child (default 3)
}

// WatchdogConfig tunes the critical-agent watchdog.
type WatchdogConfig struct {
	Interval         Duration    `yaml:"interval"`
	HeartbeatTimeout Duration    `yaml:"heartbeat_timeout"` // Stricter than mutual staleness (default 60s)
	PingTimeout      Duration    `yaml:"ping_timeout"`      // Active health_check timeout (default 2s)
	CriticalTypes    []AgentType `yaml:"critical_types"`
	EmergencyType    AgentType   `yaml:"emergency_type"` // Most critical type, escalated via broadcast
}

// MutualConfig tunes peer cross-checking between same-type agents.
type MutualConfig struct {
	Interval       Duration `yaml:"interval"`
	StalenessLimit Duration `yaml:"staleness_limit"` // Heartbeat age limit (default 120s)
	MinHealthScore int      `yaml:"min_health_score"`
}

// SelfHealConfig tunes the process-level circuit breaker.
type SelfHealConfig struct {
	Interval          Duration `yaml:"interval"`
	FailureThreshold  int      `yaml:"failure_threshold"`  // Consecutive failures before the circuit opens (default 3)
	ResetTimeout      Duration `yaml:"reset_timeout"`      // Cooldown before a circuit may close (default 60s)
	MaxRestarts       int      `yaml:"max_restarts"`       // Restart budget per rolling window (default 5)
	RestartWindow     Duration `yaml:"restart_window"`     // Rolling budget window (default 1h)
	BackoffMultiplier int      `yaml:"backoff_multiplier"` // Exponential restart backoff base (default 2)
	BackoffCap        Duration `yaml:"backoff_cap"`        // Backoff ceiling (default 30s)
	SelfProcessName   string   `yaml:"self_process_name"`  // Process name of the supervisor itself
	RestartCommand    string   `yaml:"restart_command"`    // Process manager restart command
	ListCommand       string   `yaml:"list_command"`       // Process manager list command
}

// QueueConfig tunes the task queue.
type QueueConfig struct {
	MaxRetries int `yaml:"max_retries"` // Retry budget before dead-letter (default 3)
}

// BusConfig tunes the message bus.
type BusConfig struct {
	QueueSize      int      `yaml:"queue_size"`
	RequestTimeout Duration `yaml:"request_timeout"` // Default requestResponse timeout (default 5s)
}

// HealthConfig tunes the read-only health/metrics HTTP server.
type HealthConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// MetricsConfig locates the Prometheus endpoint for aggregate queries.
type MetricsConfig struct {
	PrometheusURL string `yaml:"prometheus_url"`
}

// Config is the immutable startup configuration.
type Config struct {
	Registry map[AgentType]RegistryEntry `yaml:"registry"`
	Workload WorkloadConfig              `yaml:"workload"`
	Watchdog WatchdogConfig              `yaml:"watchdog"`
	Mutual   MutualConfig                `yaml:"mutual"`
	SelfHeal SelfHealConfig              `yaml:"selfheal"`
	Queue    QueueConfig                 `yaml:"queue"`
	Bus      BusConfig                   `yaml:"bus"`
	Health   HealthConfig                `yaml:"health"`
	Storage  StorageConfig               `yaml:"storage"`
	Metrics  MetricsConfig               `yaml:"metrics"`
}

// RegistryEntryFor looks up the registry entry for an agent type.
func (c *Config) RegistryEntryFor(t AgentType) (RegistryEntry, bool) {
	entry, ok := c.Registry[t]
	return entry, ok
}

// IsCriticalType reports whether the watchdog monitors the given type.
func (c *Config) IsCriticalType(t AgentType) bool {
	for _, critical := range c.Watchdog.CriticalTypes {
		if critical == t {
			return true
		}
	}
	return false
}
