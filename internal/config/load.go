package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/flowline-dev/flowline/internal/log"
)

// Load reads configuration from path (or the default search locations when
// path is empty), layered over Defaults(). Unknown keys in the file are
// rejected, and the resulting Config is validated before being returned.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.flowline")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		// No file anywhere on the search path; defaults apply.
	} else {
		log.Debug(log.CatConfig, "Loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every known key so UnmarshalExact sees the full
// schema and partial config files inherit the documented defaults.
func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("base_dir", d.BaseDir)

	v.SetDefault("log.enabled", d.Log.Enabled)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file_path", d.Log.FilePath)

	v.SetDefault("poll.base_interval", d.Poll.BaseInterval)
	v.SetDefault("poll.min_poll_interval", d.Poll.MinPollInterval)
	v.SetDefault("poll.max_interval", d.Poll.MaxInterval)
	v.SetDefault("poll.max_delay", d.Poll.MaxDelay)
	v.SetDefault("poll.session_rate", d.Poll.SessionRate)
	v.SetDefault("poll.session_burst", d.Poll.SessionBurst)
	v.SetDefault("poll.result_ttl", d.Poll.ResultTTL)

	v.SetDefault("heartbeat.base_interval", d.Heartbeat.BaseInterval)
	v.SetDefault("heartbeat.grace_period_duration", d.Heartbeat.GracePeriodDuration)
	v.SetDefault("heartbeat.max_grace_periods", d.Heartbeat.MaxGracePeriods)
	v.SetDefault("heartbeat.workflow_critical_extension", d.Heartbeat.WorkflowCriticalExtension)
	v.SetDefault("heartbeat.sweep_interval", d.Heartbeat.SweepInterval)

	v.SetDefault("execution.max_concurrent_executions", d.Execution.MaxConcurrentExecutions)
	v.SetDefault("execution.max_agent_concurrency", d.Execution.MaxAgentConcurrency)
	v.SetDefault("execution.queue_capacity", d.Execution.QueueCapacity)
	v.SetDefault("execution.claim_ttl", d.Execution.ClaimTTL)
	v.SetDefault("execution.execution_timeout", d.Execution.ExecutionTimeout)
	v.SetDefault("execution.agent_comm_timeout", d.Execution.AgentCommTimeout)
	v.SetDefault("execution.store_timeout", d.Execution.StoreTimeout)
	v.SetDefault("execution.cancel_ack_timeout", d.Execution.CancelAckTimeout)
	v.SetDefault("execution.requeue_delay", d.Execution.RequeueDelay)
	v.SetDefault("execution.backup_interval", d.Execution.BackupInterval)
	v.SetDefault("execution.max_workflow_history", d.Execution.MaxWorkflowHistory)

	v.SetDefault("graph.max_dependency_depth", d.Graph.MaxDependencyDepth)
	v.SetDefault("graph.max_chain_length", d.Graph.MaxChainLength)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return strings.TrimLeft(`
# Flowline Configuration

# Root directory for durable state (counters, workflows, jobs, agents).
# Default: ~/.flowline
# base_dir: /var/lib/flowline

# Logging
log:
  enabled: false
  level: info          # debug, info, warn, error
  # file_path: ~/.flowline/flowline.log

# Pull-transport polling and rate limiting
poll:
  base_interval: 1s        # default poll interval returned to pull callers
  min_poll_interval: 250ms # polls closer together than this are rate limited
  max_interval: 30s        # cap on the fast-poll backoff
  max_delay: 60s           # cap on rate-limit wait times
  session_rate: 20         # polls per second allowed across one session
  session_burst: 40
  result_ttl: 30m          # terminal job retention before garbage collection

# Agent heartbeat model
heartbeat:
  base_interval: 30s
  grace_period_duration: 60s
  max_grace_periods: 3
  workflow_critical_extension: 300s
  sweep_interval: 5s
  # Override per-activity timeout multipliers (multiplied by base_interval):
  # activity_multipliers:
  #   research: 15
  #   decomposition: 20

# Task execution
execution:
  max_concurrent_executions: 4
  max_agent_concurrency: 8
  queue_capacity: 256
  claim_ttl: 120s
  execution_timeout: 300s
  agent_comm_timeout: 30s
  store_timeout: 10s
  cancel_ack_timeout: 15s
  requeue_delay: 2s
  backup_interval: 60s
  max_workflow_history: 500

# Dependency diagnostics
graph:
  max_dependency_depth: 10
  max_chain_length: 20

# HTTP listener for the pull transport (POST /rpc) and /metrics.
# Leave addr empty to run stdio-only.
http:
  addr: ""
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s

# Distributed tracing
# tracing:
#   enabled: true
#   exporter: file            # none, file, stdout, otlp
#   file_path: ~/.flowline/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`, "\n")
}
