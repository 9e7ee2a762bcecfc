package config

import (
	"time"
)

// Config is the full gateway configuration.
type Config struct {
	Gateway  GatewayConfig  `koanf:"gateway" yaml:"gateway"`
	Gate     GateConfig     `koanf:"gate" yaml:"gate"`
	Pipeline PipelineConfig `koanf:"pipeline" yaml:"pipeline"`
	Agents   AgentsConfig   `koanf:"agents" yaml:"agents"`
	Runner   RunnerConfig   `koanf:"runner" yaml:"runner"`
	Storage  StorageConfig  `koanf:"storage" yaml:"storage"`
	Events   EventsConfig   `koanf:"events" yaml:"events"`
	Log      LogConfig      `koanf:"log" yaml:"log"`
}

// GatewayConfig controls the inbound HTTP surface.
type GatewayConfig struct {
	Listen string `koanf:"listen" yaml:"listen"`
	Locale string `koanf:"locale" yaml:"locale"`
}

// GateConfig controls trigger detection and the confirmation window.
type GateConfig struct {
	Triggers     []string `koanf:"triggers" yaml:"triggers"`
	ConfirmWords []string `koanf:"confirm_words" yaml:"confirm_words"`
	CancelWords  []string `koanf:"cancel_words" yaml:"cancel_words"`
	ConfirmTTL   Duration `koanf:"confirm_ttl" yaml:"confirm_ttl"`
}

// PipelineConfig holds the loop budgets and per-phase retry policy.
type PipelineConfig struct {
	MaxQAIterations     int      `koanf:"max_qa_iterations" yaml:"max_qa_iterations"`
	MaxReviewIterations int      `koanf:"max_review_iterations" yaml:"max_review_iterations"`
	MaxDiscoveryRounds  int      `koanf:"max_discovery_rounds" yaml:"max_discovery_rounds"`
	PhaseAttempts       int      `koanf:"phase_attempts" yaml:"phase_attempts"`
	RetryBackoff        Duration `koanf:"retry_backoff" yaml:"retry_backoff"`
	ClarifyTimeout      Duration `koanf:"clarify_timeout" yaml:"clarify_timeout"`
	WorkspaceDir        string   `koanf:"workspace_dir" yaml:"workspace_dir"`
	GitInit             bool     `koanf:"git_init" yaml:"git_init"`
	TemplatesDir        string   `koanf:"templates_dir" yaml:"templates_dir"`
}

// AgentsConfig maps phases to agent identities.
type AgentsConfig struct {
	Root           string                `koanf:"root" yaml:"root"`
	DefinitionsDir string                `koanf:"definitions_dir" yaml:"definitions_dir"`
	Phases         map[string]PhaseAgent `koanf:"phases" yaml:"phases"`
}

// PhaseAgent is the agent invocation used for one phase.
type PhaseAgent struct {
	Agent    string `koanf:"agent" yaml:"agent"`
	Model    string `koanf:"model" yaml:"model"`
	MaxTurns int    `koanf:"max_turns" yaml:"max_turns"`
}

// RunnerConfig configures the claude CLI execution service.
type RunnerConfig struct {
	Command   string   `koanf:"command" yaml:"command"`
	ExtraArgs []string `koanf:"extra_args" yaml:"extra_args,omitempty"`
	Timeout   Duration `koanf:"timeout" yaml:"timeout"`
	RateLimit float64  `koanf:"rate_limit" yaml:"rate_limit"`
	Burst     int      `koanf:"burst" yaml:"burst"`
}

// StorageConfig selects where chain state, markers and audit events live.
type StorageConfig struct {
	Backend     string   `koanf:"backend" yaml:"backend"` // "file" or "postgres"
	StateDir    string   `koanf:"state_dir" yaml:"state_dir"`
	SQLitePath  string   `koanf:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN Secret   `koanf:"postgres_dsn" yaml:"postgres_dsn,omitempty"`
	LockStale   Duration `koanf:"lock_stale" yaml:"lock_stale"`
}

// EventsConfig configures the NATS connection. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url" yaml:"nats_url,omitempty"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Duration wraps time.Duration so it reads and prints as "15m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret is a string that never prints its value.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Value returns the secret itself.
func (s Secret) Value() string {
	return string(s)
}
