// Package config provides configuration types, defaults, and validation for flowline.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration options for the flowline server.
type Config struct {
	// BaseDir is the root directory for durable state.
	// Default: ~/.flowline
	BaseDir string `mapstructure:"base_dir"`

	Log       LogConfig       `mapstructure:"log"`
	Poll      PollConfig      `mapstructure:"poll"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Graph     GraphConfig     `mapstructure:"graph"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// LogConfig controls the category logger.
type LogConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Level    string `mapstructure:"level"` // debug, info, warn, error
	FilePath string `mapstructure:"file_path"`
}

// PollConfig drives the job controller's adaptive polling and rate limiter.
type PollConfig struct {
	// BaseInterval is the default pull-transport poll interval.
	BaseInterval time.Duration `mapstructure:"base_interval"`

	// MinPollInterval is the floor below which back-to-back polls for the
	// same (session, job) count as rate-limit violations.
	MinPollInterval time.Duration `mapstructure:"min_poll_interval"`

	// MaxInterval caps the exponential fast-poll backoff.
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// MaxDelay clamps the rate-limit waitTime growth.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// SessionRate bounds polls per second across all jobs of one session.
	SessionRate  float64 `mapstructure:"session_rate"`
	SessionBurst int     `mapstructure:"session_burst"`

	// ResultTTL is how long a terminal job record is retained after its
	// last update before garbage collection.
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

// HeartbeatConfig drives the agent orchestrator's liveness model.
type HeartbeatConfig struct {
	// BaseInterval is the expected heartbeat cadence; per-activity
	// multipliers scale it into an effective timeout.
	BaseInterval time.Duration `mapstructure:"base_interval"`

	// ActivityMultipliers overrides the built-in per-activity timeout
	// multipliers. Keys are activity names; values multiply BaseInterval.
	ActivityMultipliers map[string]int `mapstructure:"activity_multipliers"`

	GracePeriodDuration time.Duration `mapstructure:"grace_period_duration"`
	MaxGracePeriods     int           `mapstructure:"max_grace_periods"`

	// WorkflowCriticalExtension is the fixed timeout extension granted to
	// agents in decomposition or orchestration activities.
	WorkflowCriticalExtension time.Duration `mapstructure:"workflow_critical_extension"`

	// SweepInterval is how often the offline monitor scans the registry.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ExecutionConfig drives the lifecycle coordinator.
type ExecutionConfig struct {
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`

	// MaxAgentConcurrency clamps each agent's declared maxConcurrentTasks.
	MaxAgentConcurrency int `mapstructure:"max_agent_concurrency"`

	// QueueCapacity bounds the ready-task queue; producers block when full.
	QueueCapacity int `mapstructure:"queue_capacity"`

	ClaimTTL         time.Duration `mapstructure:"claim_ttl"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	AgentCommTimeout time.Duration `mapstructure:"agent_comm_timeout"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	CancelAckTimeout time.Duration `mapstructure:"cancel_ack_timeout"`

	// RequeueDelay is the wait before retrying a ready task that found
	// no qualified agent.
	RequeueDelay time.Duration `mapstructure:"requeue_delay"`

	// BackupInterval is the periodic workflow snapshot cadence, in
	// addition to the write-on-every-transition persistence.
	BackupInterval time.Duration `mapstructure:"backup_interval"`

	// MaxWorkflowHistory bounds the per-workflow transition history.
	MaxWorkflowHistory int `mapstructure:"max_workflow_history"`
}

// GraphConfig tunes the dependency validator's diagnostic thresholds.
type GraphConfig struct {
	MaxDependencyDepth int `mapstructure:"max_dependency_depth"`
	MaxChainLength     int `mapstructure:"max_chain_length"`
}

// HTTPConfig configures the pull-transport listener.
type HTTPConfig struct {
	// Addr is the listen address for POST /rpc and /metrics.
	// Empty disables the HTTP listener (stdio only).
	Addr string `mapstructure:"addr"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		BaseDir: "",
		Log: LogConfig{
			Enabled:  false,
			Level:    "info",
			FilePath: "",
		},
		Poll: PollConfig{
			BaseInterval:    1000 * time.Millisecond,
			MinPollInterval: 250 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			MaxDelay:        60 * time.Second,
			SessionRate:     20,
			SessionBurst:    40,
			ResultTTL:       30 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			BaseInterval:              30 * time.Second,
			ActivityMultipliers:       nil, // built-in table applies
			GracePeriodDuration:       60 * time.Second,
			MaxGracePeriods:           3,
			WorkflowCriticalExtension: 300 * time.Second,
			SweepInterval:             5 * time.Second,
		},
		Execution: ExecutionConfig{
			MaxConcurrentExecutions: 4,
			MaxAgentConcurrency:     8,
			QueueCapacity:           256,
			ClaimTTL:                120 * time.Second,
			ExecutionTimeout:        300 * time.Second,
			AgentCommTimeout:        30 * time.Second,
			StoreTimeout:            10 * time.Second,
			CancelAckTimeout:        15 * time.Second,
			RequeueDelay:            2 * time.Second,
			BackupInterval:          60 * time.Second,
			MaxWorkflowHistory:      500,
		},
		Graph: GraphConfig{
			MaxDependencyDepth: 10,
			MaxChainLength:     20,
		},
		HTTP: HTTPConfig{
			Addr:            "",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the full configuration, returning an error that names the
// offending key for the first invalid value found.
func (c Config) Validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if err := c.Poll.validate(); err != nil {
		return err
	}
	if err := c.Heartbeat.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Graph.validate(); err != nil {
		return err
	}
	return c.Tracing.validate()
}

func (l LogConfig) validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return keyError("log.level", `must be "debug", "info", "warn", or "error"`, l.Level)
	}
}

func (p PollConfig) validate() error {
	if p.BaseInterval <= 0 {
		return keyError("poll.base_interval", "must be positive", p.BaseInterval)
	}
	if p.MinPollInterval <= 0 {
		return keyError("poll.min_poll_interval", "must be positive", p.MinPollInterval)
	}
	if p.MaxInterval < p.BaseInterval {
		return keyError("poll.max_interval", "must be at least poll.base_interval", p.MaxInterval)
	}
	if p.MaxDelay < p.BaseInterval {
		return keyError("poll.max_delay", "must be at least poll.base_interval", p.MaxDelay)
	}
	if p.SessionRate <= 0 {
		return keyError("poll.session_rate", "must be positive", p.SessionRate)
	}
	if p.SessionBurst < 1 {
		return keyError("poll.session_burst", "must be at least 1", p.SessionBurst)
	}
	if p.ResultTTL <= 0 {
		return keyError("poll.result_ttl", "must be positive", p.ResultTTL)
	}
	return nil
}

func (h HeartbeatConfig) validate() error {
	if h.BaseInterval <= 0 {
		return keyError("heartbeat.base_interval", "must be positive", h.BaseInterval)
	}
	for activity, mult := range h.ActivityMultipliers {
		if mult < 1 {
			return keyError("heartbeat.activity_multipliers."+activity, "must be at least 1", mult)
		}
	}
	if h.GracePeriodDuration <= 0 {
		return keyError("heartbeat.grace_period_duration", "must be positive", h.GracePeriodDuration)
	}
	if h.MaxGracePeriods < 0 {
		return keyError("heartbeat.max_grace_periods", "must be non-negative", h.MaxGracePeriods)
	}
	if h.WorkflowCriticalExtension < 0 {
		return keyError("heartbeat.workflow_critical_extension", "must be non-negative", h.WorkflowCriticalExtension)
	}
	if h.SweepInterval <= 0 {
		return keyError("heartbeat.sweep_interval", "must be positive", h.SweepInterval)
	}
	return nil
}

func (e ExecutionConfig) validate() error {
	if e.MaxConcurrentExecutions < 1 {
		return keyError("execution.max_concurrent_executions", "must be at least 1", e.MaxConcurrentExecutions)
	}
	if e.MaxAgentConcurrency < 1 {
		return keyError("execution.max_agent_concurrency", "must be at least 1", e.MaxAgentConcurrency)
	}
	if e.QueueCapacity < 1 {
		return keyError("execution.queue_capacity", "must be at least 1", e.QueueCapacity)
	}
	for key, d := range map[string]time.Duration{
		"execution.claim_ttl":          e.ClaimTTL,
		"execution.execution_timeout":  e.ExecutionTimeout,
		"execution.agent_comm_timeout": e.AgentCommTimeout,
		"execution.store_timeout":      e.StoreTimeout,
		"execution.cancel_ack_timeout": e.CancelAckTimeout,
		"execution.backup_interval":    e.BackupInterval,
	} {
		if d <= 0 {
			return keyError(key, "must be positive", d)
		}
	}
	if e.RequeueDelay < 0 {
		return keyError("execution.requeue_delay", "must be non-negative", e.RequeueDelay)
	}
	if e.MaxWorkflowHistory < 1 {
		return keyError("execution.max_workflow_history", "must be at least 1", e.MaxWorkflowHistory)
	}
	return nil
}

func (g GraphConfig) validate() error {
	if g.MaxDependencyDepth < 1 {
		return keyError("graph.max_dependency_depth", "must be at least 1", g.MaxDependencyDepth)
	}
	if g.MaxChainLength < 1 {
		return keyError("graph.max_chain_length", "must be at least 1", g.MaxChainLength)
	}
	return nil
}

func (t TracingConfig) validate() error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return keyError("tracing.sample_rate", "must be between 0.0 and 1.0", t.SampleRate)
	}
	switch t.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return keyError("tracing.exporter", `must be "none", "file", "stdout", or "otlp"`, t.Exporter)
	}
	if t.Enabled {
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return keyError("tracing.otlp_endpoint", `is required when exporter is "otlp"`, t.OTLPEndpoint)
		}
	}
	return nil
}

func keyError(key, constraint string, got any) error {
	return fmt.Errorf("config: %s %s, got %v", key, constraint, got)
}
