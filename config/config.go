package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Routing     RoutingConfig     `yaml:"routing"`
	Performance PerformanceConfig `yaml:"performance"`
	Detection   DetectionConfig   `yaml:"detection"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Web         WebConfig         `yaml:"web"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level           string `yaml:"level"`            // debug, info, warn, error
	TimestampFormat string `yaml:"timestamp_format"` // "time" or "unix"
	StatsInterval   int    `yaml:"stats_interval"`   // seconds between [STATS] lines
}

// GatewayConfig contains the wire protocol settings.
type GatewayConfig struct {
	MAVLink MAVLinkConfig `yaml:"mavlink"`
	Cyphal  CyphalConfig  `yaml:"cyphal"`

	// AdmissionPerHour rate-limits first sightings of unknown drones.
	AdmissionPerHour int `yaml:"admission_per_hour"`
	// ReplayWindowSeconds is the rolling dedup window per (drone, protocol, seq).
	ReplayWindowSeconds int `yaml:"replay_window_seconds"`
}

// MAVLinkConfig configures the MAVLink v2 adapter.
type MAVLinkConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Transport      string  `yaml:"transport"` // udp or tcp
	Address        string  `yaml:"address"`   // listen address, host:port
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	SigningKey     string  `yaml:"signing_key"` // hex, empty disables signing
	OutSystemID    uint8   `yaml:"out_system_id"`
}

// CyphalConfig configures the Cyphal/UDP adapter.
type CyphalConfig struct {
	Enabled        bool   `yaml:"enabled"`
	NodeID         uint16 `yaml:"node_id"`
	Multicast      string `yaml:"multicast"`
	Port           int    `yaml:"port"`
	RedundantPorts []int  `yaml:"redundant_ports"`
}

// RoutingConfig configures outbound protocol selection.
type RoutingConfig struct {
	EnableFailover          bool    `yaml:"enable_failover"`
	Algorithm               string  `yaml:"algorithm"` // round_robin, weighted, least_congested, least_latency, adaptive
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold"`
	RecoverySeconds         float64 `yaml:"recovery_seconds"`
	FallbackTimeoutSeconds  float64 `yaml:"fallback_timeout_seconds"`
	MaxRetries              int     `yaml:"max_retries"`
	AckTimeoutSeconds       float64 `yaml:"ack_timeout_seconds"`
	HealthCheckSeconds      float64 `yaml:"health_check_seconds"`
	RedundantCopies         int     `yaml:"redundant_copies"`
}

// PerformanceConfig tunes throughput behaviour.
type PerformanceConfig struct {
	EnableCaching         bool    `yaml:"enable_caching"`
	CacheTimeoutSeconds   float64 `yaml:"cache_timeout_seconds"`
	MaxConcurrentMessages int     `yaml:"max_concurrent_messages"`
	BusDepth              int     `yaml:"bus_depth"` // per-consumer queue depth
	Batching              bool    `yaml:"batching"`
}

// DetectionConfig tunes the anomaly/failure/threat engines.
type DetectionConfig struct {
	TelemetryBufferSize int     `yaml:"telemetry_buffer_size"` // samples per drone
	NetworkBufferSize   int     `yaml:"network_buffer_size"`   // records, global
	TrainingCadence     int     `yaml:"training_cadence"`      // retrain every N samples
	AnomalyThreshold    float64 `yaml:"anomaly_threshold"`
	ZScoreThreshold     float64 `yaml:"zscore_threshold"`
	ForestTrees         int     `yaml:"forest_trees"`
	ForestSubsample     int     `yaml:"forest_subsample"`
	MaxSpeedMS          float64 `yaml:"max_speed_ms"` // fleet airspeed ceiling for plausibility checks
}

// AlertsConfig configures correlation and escalation.
type AlertsConfig struct {
	HistorySize            int              `yaml:"history_size"`
	CorrelationRules       []RuleConfig     `yaml:"correlation_rules"`
	EscalationRules        []EscalationRule `yaml:"escalation_rules"`
	Recipients             []Recipient      `yaml:"recipients"`
	Templates              map[string]string `yaml:"templates"`
	AutoResolveMinutes     float64          `yaml:"auto_resolve_minutes"`
	SuppressDefaultMinutes float64          `yaml:"suppress_default_minutes"`
}

// RuleConfig is one correlation rule.
type RuleConfig struct {
	Name            string   `yaml:"name"`
	Types           []string `yaml:"types"`
	Severities      []string `yaml:"severities"`
	SourceSubstring string   `yaml:"source_substring"`
	MaxTimeDiffMin  float64  `yaml:"max_time_diff_minutes"`
	MinOccurrences  int      `yaml:"min_occurrences"`
	Actions         []string `yaml:"actions"` // suppress_duplicates, create_incident, escalate_severity, merge_alerts
}

// EscalationRule defines the ordered notification tiers for a severity.
type EscalationRule struct {
	Name        string            `yaml:"name"`
	MinSeverity string            `yaml:"min_severity"`
	Levels      []EscalationLevel `yaml:"levels"`
}

// EscalationLevel is one tier in an escalation path.
type EscalationLevel struct {
	DelayMinutes float64  `yaml:"delay_minutes"`
	Recipients   []string `yaml:"recipients"`
	Actions      []string `yaml:"actions"`
	RequiresAck  bool     `yaml:"requires_ack"`
	AutoResolve  bool     `yaml:"auto_resolve"`
}

// Recipient describes a human operator and their contact methods.
type Recipient struct {
	Name     string          `yaml:"name"`
	Timezone string          `yaml:"timezone"`
	OnCall   bool            `yaml:"on_call"`
	Hours    WorkingHours    `yaml:"working_hours"`
	Methods  []ContactMethod `yaml:"methods"`
}

// WorkingHours bounds recipient availability in their local timezone.
type WorkingHours struct {
	StartHour int   `yaml:"start_hour"`
	EndHour   int   `yaml:"end_hour"`
	Days      []int `yaml:"days"` // time.Weekday values, 0=Sunday
}

// ContactMethod is one deliverable channel, tried in Priority order.
type ContactMethod struct {
	Type          string  `yaml:"type"` // log, webhook, email, sms
	Target        string  `yaml:"target"`
	Priority      int     `yaml:"priority"` // lower tries first
	Active        bool    `yaml:"active"`
	RetryAttempts int     `yaml:"retry_attempts"`
	RetryInterval float64 `yaml:"retry_interval_minutes"`
}

// WebConfig contains control API settings.
type WebConfig struct {
	Port int `yaml:"port"`
}

// Load reads configuration from a YAML file, applies defaults and
// documented FLEETGATE_* environment overrides, and validates.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.StatsInterval <= 0 {
		c.Log.StatsInterval = 30
	}
	if c.Gateway.AdmissionPerHour <= 0 {
		c.Gateway.AdmissionPerHour = 10
	}
	if c.Gateway.ReplayWindowSeconds <= 0 {
		c.Gateway.ReplayWindowSeconds = 600
	}
	if c.Gateway.MAVLink.Transport == "" {
		c.Gateway.MAVLink.Transport = "udp"
	}
	if c.Gateway.MAVLink.TimeoutSeconds <= 0 {
		c.Gateway.MAVLink.TimeoutSeconds = 3
	}
	if c.Gateway.MAVLink.OutSystemID == 0 {
		c.Gateway.MAVLink.OutSystemID = 255 // ground station id
	}
	if c.Gateway.Cyphal.Multicast == "" {
		c.Gateway.Cyphal.Multicast = "239.65.83.72"
	}
	if c.Gateway.Cyphal.Port == 0 {
		c.Gateway.Cyphal.Port = 9382
	}
	if c.Routing.Algorithm == "" {
		c.Routing.Algorithm = "adaptive"
	}
	if c.Routing.CircuitBreakerThreshold <= 0 {
		c.Routing.CircuitBreakerThreshold = 5
	}
	if c.Routing.RecoverySeconds <= 0 {
		c.Routing.RecoverySeconds = 30
	}
	if c.Routing.FallbackTimeoutSeconds <= 0 {
		c.Routing.FallbackTimeoutSeconds = 5
	}
	if c.Routing.MaxRetries <= 0 {
		c.Routing.MaxRetries = 3
	}
	if c.Routing.AckTimeoutSeconds <= 0 {
		c.Routing.AckTimeoutSeconds = 3
	}
	if c.Routing.HealthCheckSeconds <= 0 {
		c.Routing.HealthCheckSeconds = 10
	}
	if c.Routing.RedundantCopies <= 0 {
		c.Routing.RedundantCopies = 2
	}
	if c.Performance.BusDepth <= 0 {
		c.Performance.BusDepth = 4096
	}
	if c.Performance.MaxConcurrentMessages <= 0 {
		c.Performance.MaxConcurrentMessages = 256
	}
	if c.Detection.TelemetryBufferSize <= 0 {
		c.Detection.TelemetryBufferSize = 1000
	}
	if c.Detection.NetworkBufferSize <= 0 {
		c.Detection.NetworkBufferSize = 10000
	}
	if c.Detection.TrainingCadence <= 0 {
		c.Detection.TrainingCadence = 500
	}
	if c.Detection.AnomalyThreshold <= 0 {
		c.Detection.AnomalyThreshold = 0.6
	}
	if c.Detection.ZScoreThreshold <= 0 {
		c.Detection.ZScoreThreshold = 3
	}
	if c.Detection.ForestTrees <= 0 {
		c.Detection.ForestTrees = 100
	}
	if c.Detection.ForestSubsample <= 0 {
		c.Detection.ForestSubsample = 256
	}
	if c.Detection.MaxSpeedMS <= 0 {
		c.Detection.MaxSpeedMS = 30
	}
	if c.Alerts.HistorySize <= 0 {
		c.Alerts.HistorySize = 1000
	}
	if c.Alerts.SuppressDefaultMinutes <= 0 {
		c.Alerts.SuppressDefaultMinutes = 15
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}
}

// Environment overrides. Each listed variable replaces the matching
// config field when set:
//
//	FLEETGATE_LOG_LEVEL        log.level
//	FLEETGATE_MAVLINK_ADDRESS  gateway.mavlink.address
//	FLEETGATE_CYPHAL_PORT      gateway.cyphal.port
//	FLEETGATE_WEB_PORT         web.port
//	FLEETGATE_ROUTING_ALGO     routing.algorithm
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLEETGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FLEETGATE_MAVLINK_ADDRESS"); v != "" {
		c.Gateway.MAVLink.Address = v
	}
	if v := os.Getenv("FLEETGATE_CYPHAL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Gateway.Cyphal.Port = p
		}
	}
	if v := os.Getenv("FLEETGATE_WEB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Web.Port = p
		}
	}
	if v := os.Getenv("FLEETGATE_ROUTING_ALGO"); v != "" {
		c.Routing.Algorithm = v
	}
}

var validAlgorithms = map[string]bool{
	"round_robin":     true,
	"weighted":        true,
	"least_congested": true,
	"least_latency":   true,
	"adaptive":        true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.MAVLink.Enabled {
		if c.Gateway.MAVLink.Address == "" {
			return fmt.Errorf("gateway.mavlink.address cannot be empty when mavlink is enabled")
		}
		if t := c.Gateway.MAVLink.Transport; t != "udp" && t != "tcp" {
			return fmt.Errorf("gateway.mavlink.transport must be udp or tcp, got %q", t)
		}
	}
	if c.Gateway.Cyphal.Enabled {
		if c.Gateway.Cyphal.Port <= 0 || c.Gateway.Cyphal.Port > 65535 {
			return fmt.Errorf("gateway.cyphal.port must be between 1 and 65535")
		}
		for _, p := range c.Gateway.Cyphal.RedundantPorts {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("gateway.cyphal.redundant_ports entry %d out of range", p)
			}
		}
	}
	if !validAlgorithms[c.Routing.Algorithm] {
		return fmt.Errorf("routing.algorithm %q is not supported", c.Routing.Algorithm)
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 1 and 65535")
	}
	for _, r := range c.Alerts.EscalationRules {
		prev := -1.0
		for i, lvl := range r.Levels {
			if lvl.DelayMinutes < prev {
				return fmt.Errorf("escalation rule %q level %d delay decreases", r.Name, i)
			}
			prev = lvl.DelayMinutes
		}
	}
	return nil
}

// Save writes the configuration to a YAML file
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Store holds the live configuration and supports hot reload from the
// control API. Readers take a snapshot; writers swap the whole value.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update validates and swaps in a new configuration.
func (s *Store) Update(cfg *Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
