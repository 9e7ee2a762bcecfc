package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is returned by Load when Validate finds problems.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

var agentIdentity = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

const (
	minConfirmTTL = 10 * time.Minute
	maxConfirmTTL = 30 * time.Minute
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if ttl := cfg.Gate.ConfirmTTL.Duration(); ttl < minConfirmTTL || ttl > maxConfirmTTL {
		add("gate.confirm_ttl", "must be between %s and %s, got %s", minConfirmTTL, maxConfirmTTL, ttl)
	}
	if len(cfg.Gate.Triggers) == 0 {
		add("gate.triggers", "at least one trigger phrase is required")
	}
	for _, w := range cfg.Gate.ConfirmWords {
		for _, c := range cfg.Gate.CancelWords {
			if strings.EqualFold(w, c) {
				add("gate.cancel_words", "%q is also a confirm word", c)
			}
		}
	}

	p := cfg.Pipeline
	for _, f := range []struct {
		name string
		val  int
	}{
		{"pipeline.max_qa_iterations", p.MaxQAIterations},
		{"pipeline.max_review_iterations", p.MaxReviewIterations},
		{"pipeline.max_discovery_rounds", p.MaxDiscoveryRounds},
		{"pipeline.phase_attempts", p.PhaseAttempts},
	} {
		if f.val < 1 {
			add(f.name, "must be at least 1")
		}
	}
	if p.RetryBackoff < 0 {
		add("pipeline.retry_backoff", "must not be negative")
	}

	phases := make([]string, 0, len(cfg.Agents.Phases))
	for name := range cfg.Agents.Phases {
		phases = append(phases, name)
	}
	sort.Strings(phases)
	for _, name := range phases {
		pa := cfg.Agents.Phases[name]
		field := "agents.phases." + name
		if !pipeline.Phase(name).Valid() {
			add(field, "unknown phase %q", name)
			continue
		}
		if !agentIdentity.MatchString(pa.Agent) {
			add(field+".agent", "invalid agent identity %q", pa.Agent)
		}
		if pa.MaxTurns < 1 {
			add(field+".max_turns", "must be at least 1")
		}
	}

	if cfg.Runner.Command == "" {
		add("runner.command", "is required")
	}
	if cfg.Runner.RateLimit < 0 {
		add("runner.rate_limit", "must not be negative")
	}

	switch cfg.Storage.Backend {
	case "file":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			add("storage.postgres_dsn", "is required for the postgres backend")
		}
	default:
		add("storage.backend", "unrecognized backend %q (want file or postgres)", cfg.Storage.Backend)
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}

	return errs
}
