package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

const validConfig = `
gateway:
  listen: ":9000"
  locale: es
gate:
  confirm_ttl: 20m
pipeline:
  max_qa_iterations: 3
  retry_backoff: 500ms
agents:
  phases:
    developer:
      model: opus
      max_turns: 120
storage:
  backend: file
  state_dir: /tmp/agentgate-state
log:
  level: debug
  format: console
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Gateway.Listen)
	assert.Equal(t, "es", cfg.Gateway.Locale)
	assert.Equal(t, 20*time.Minute, cfg.Gate.ConfirmTTL.Duration())
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.RetryBackoff.Duration())
	assert.Equal(t, "/tmp/agentgate-state", cfg.Storage.StateDir)
	assert.Equal(t, "debug", cfg.Log.Level)

	dev := cfg.PhaseAgent(pipeline.PhaseDeveloper)
	assert.Equal(t, "developer", dev.Agent, "agent identity falls back to default")
	assert.Equal(t, "opus", dev.Model)
	assert.Equal(t, 120, dev.MaxTurns)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.MaxQAIterations)
	assert.Equal(t, 2, cfg.Pipeline.MaxReviewIterations)
	assert.Equal(t, 3, cfg.Pipeline.MaxDiscoveryRounds)
	assert.Equal(t, 3, cfg.Pipeline.PhaseAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Gate.ConfirmTTL.Duration())
	assert.Equal(t, "claude", cfg.Runner.Command)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "agentgate", cfg.Events.SubjectPrefix)
	for _, phase := range pipeline.Phases {
		assert.NotEmpty(t, cfg.PhaseAgent(phase).Agent, phase)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTGATE_PIPELINE_MAX_QA_ITERATIONS", "5")
	t.Setenv("AGENTGATE_EVENTS_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("AGENTGATE_GATE_CONFIRM_TTL", "25m")

	cfg, err := Load(writeTestConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.MaxQAIterations)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)
	assert.Equal(t, 25*time.Minute, cfg.Gate.ConfirmTTL.Duration())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeTestConfig(t, "gate: [unclosed"))
	require.Error(t, err)
}

func TestLoad_ReturnsValidationErrors(t *testing.T) {
	_, err := Load(writeTestConfig(t, "gate:\n  confirm_ttl: 1h\nstorage:\n  backend: postgres\n"))
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	assert.True(t, fields["gate.confirm_ttl"])
	assert.True(t, fields["storage.postgres_dsn"])
}

func TestValidate_DefaultIsValid(t *testing.T) {
	assert.Empty(t, Validate(Default()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"ttl too short", func(c *Config) { c.Gate.ConfirmTTL = Duration(time.Minute) }, "gate.confirm_ttl"},
		{"no triggers", func(c *Config) { c.Gate.Triggers = nil }, "gate.triggers"},
		{"overlapping words", func(c *Config) { c.Gate.CancelWords = append(c.Gate.CancelWords, "YES") }, "gate.cancel_words"},
		{"zero qa budget", func(c *Config) { c.Pipeline.MaxQAIterations = 0 }, "pipeline.max_qa_iterations"},
		{"unknown phase", func(c *Config) { c.Agents.Phases["deploy"] = PhaseAgent{Agent: "x", MaxTurns: 1} }, "agents.phases.deploy"},
		{"bad identity", func(c *Config) {
			pa := c.Agents.Phases["review"]
			pa.Agent = "../etc"
			c.Agents.Phases["review"] = pa
		}, "agents.phases.review.agent"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := Validate(cfg)
			require.NotEmpty(t, errs)
			var found bool
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected error on %s, got %v", tt.field, errs)
		})
	}
}

func TestSecretIsRedacted(t *testing.T) {
	s := Secret("postgres://u:p@host/db")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "postgres://u:p@host/db", s.Value())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "pipeline.max_qa_iterations", envKey("AGENTGATE_PIPELINE_MAX_QA_ITERATIONS"))
	assert.Equal(t, "log.level", envKey("AGENTGATE_LOG_LEVEL"))
}
