package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// EnvPrefix marks environment variables that override file settings.
const EnvPrefix = "AGENTGATE_"

// DefaultPath returns ~/.agentgate/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".agentgate", "config.yaml")
}

// Load reads the YAML file at path, overlays AGENTGATE_* environment
// variables, applies defaults and validates the result.
//
// An empty path means DefaultPath; a missing default file is not an error.
// Environment variables map SECTION_FIELD onto section.field:
//
//	AGENTGATE_PIPELINE_MAX_QA_ITERATIONS -> pipeline.max_qa_iterations
//	AGENTGATE_STORAGE_POSTGRES_DSN       -> storage.postgres_dsn
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults and environment only
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyDefaults(&cfg)
	if errs := Validate(&cfg); len(errs) > 0 {
		return &cfg, ValidationErrors(errs)
	}
	return &cfg, nil
}

// envKey maps AGENTGATE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// defaultPhaseAgents lists the agent, model tier and turn ceiling per phase.
var defaultPhaseAgents = map[pipeline.Phase]PhaseAgent{
	pipeline.PhaseDiscovery:    {Agent: "discovery", Model: "opus", MaxTurns: 20},
	pipeline.PhaseAnalyst:      {Agent: "analyst", Model: "opus", MaxTurns: 30},
	pipeline.PhaseArchitect:    {Agent: "architect", Model: "opus", MaxTurns: 30},
	pipeline.PhaseTestWriter:   {Agent: "test-writer", Model: "sonnet", MaxTurns: 40},
	pipeline.PhaseDeveloper:    {Agent: "developer", Model: "sonnet", MaxTurns: 80},
	pipeline.PhaseVerification: {Agent: "verifier", Model: "sonnet", MaxTurns: 40},
	pipeline.PhaseReview:       {Agent: "reviewer", Model: "opus", MaxTurns: 30},
	pipeline.PhaseDelivery:     {Agent: "delivery", Model: "haiku", MaxTurns: 15},
}

func applyDefaults(cfg *Config) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".agentgate")

	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = "127.0.0.1:8790"
	}
	if cfg.Gateway.Locale == "" {
		cfg.Gateway.Locale = "en"
	}

	g := &cfg.Gate
	if len(g.Triggers) == 0 {
		g.Triggers = []string{"build me", "create a project", "construye", "crea un proyecto"}
	}
	if len(g.ConfirmWords) == 0 {
		g.ConfirmWords = []string{"yes", "confirm", "go", "si", "sí", "confirmar"}
	}
	if len(g.CancelWords) == 0 {
		g.CancelWords = []string{"no", "cancel", "stop", "cancelar"}
	}
	if g.ConfirmTTL == 0 {
		g.ConfirmTTL = Duration(15 * time.Minute)
	}

	p := &cfg.Pipeline
	if p.MaxQAIterations == 0 {
		p.MaxQAIterations = 3
	}
	if p.MaxReviewIterations == 0 {
		p.MaxReviewIterations = 2
	}
	if p.MaxDiscoveryRounds == 0 {
		p.MaxDiscoveryRounds = 3
	}
	if p.PhaseAttempts == 0 {
		p.PhaseAttempts = 3
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = Duration(2 * time.Second)
	}
	if p.ClarifyTimeout == 0 {
		p.ClarifyTimeout = Duration(10 * time.Minute)
	}
	if p.WorkspaceDir == "" {
		p.WorkspaceDir = filepath.Join(base, "workspaces")
	}
	p.WorkspaceDir = expandHome(p.WorkspaceDir, home)
	p.TemplatesDir = expandHome(p.TemplatesDir, home)

	a := &cfg.Agents
	if a.Root == "" {
		a.Root = filepath.Join(base, "agents-root")
	}
	a.Root = expandHome(a.Root, home)
	a.DefinitionsDir = expandHome(a.DefinitionsDir, home)
	if a.Phases == nil {
		a.Phases = make(map[string]PhaseAgent)
	}
	for phase, def := range defaultPhaseAgents {
		pa := a.Phases[string(phase)]
		if pa.Agent == "" {
			pa.Agent = def.Agent
		}
		if pa.Model == "" {
			pa.Model = def.Model
		}
		if pa.MaxTurns == 0 {
			pa.MaxTurns = def.MaxTurns
		}
		a.Phases[string(phase)] = pa
	}

	r := &cfg.Runner
	if r.Command == "" {
		r.Command = "claude"
	}
	if r.Timeout == 0 {
		r.Timeout = Duration(15 * time.Minute)
	}
	if r.RateLimit == 0 {
		r.RateLimit = 1
	}
	if r.Burst == 0 {
		r.Burst = 2
	}

	s := &cfg.Storage
	if s.Backend == "" {
		s.Backend = "file"
	}
	if s.StateDir == "" {
		s.StateDir = filepath.Join(base, "sessions")
	}
	s.StateDir = expandHome(s.StateDir, home)
	if s.SQLitePath == "" {
		s.SQLitePath = filepath.Join(base, "gate.db")
	}
	if s.SQLitePath != ":memory:" {
		s.SQLitePath = expandHome(s.SQLitePath, home)
	}
	if s.LockStale == 0 {
		s.LockStale = Duration(pipeline.DefaultLockStale)
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "agentgate"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// PhaseAgent returns the agent settings for phase.
func (c *Config) PhaseAgent(phase pipeline.Phase) PhaseAgent {
	if pa, ok := c.Agents.Phases[string(phase)]; ok {
		return pa
	}
	return defaultPhaseAgents[phase]
}
