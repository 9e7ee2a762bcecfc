package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/agentgate/internal/agents"
	"github.com/lucasnoah/agentgate/internal/audit"
	"github.com/lucasnoah/agentgate/internal/config"
	"github.com/lucasnoah/agentgate/internal/db"
	"github.com/lucasnoah/agentgate/internal/events"
	"github.com/lucasnoah/agentgate/internal/executor"
	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/metrics"
	"github.com/lucasnoah/agentgate/internal/orchestrator"
	"github.com/lucasnoah/agentgate/internal/pgstore"
	"github.com/lucasnoah/agentgate/internal/pipeline"
	"github.com/lucasnoah/agentgate/internal/runner"
	"github.com/lucasnoah/agentgate/internal/stage"
	"github.com/lucasnoah/agentgate/internal/workspace"
)

// app is the fully wired pipeline shared by serve, run and session resume.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      pipeline.ChainStore
	locker     pipeline.Locker
	db         *db.DB
	pg         *pgstore.Store
	bus        *events.Bus
	catalog    *i18n.Tables
	metrics    *metrics.Metrics
	audit      *audit.Sink
	agents     *agents.Manager
	workspaces *workspace.Manager
	engine     *stage.Engine
	orch       *orchestrator.Orchestrator
	notifier   events.Notifier
}

// appDeps are the pieces that differ between commands.
type appDeps struct {
	clarifier  orchestrator.Clarifier
	notifier   events.Notifier
	connectBus bool
}

// openStores opens the chain store selected by storage.backend and the
// sqlite database, migrating both. The returned cleanup closes everything
// that was opened.
func openStores(ctx context.Context, cfg *config.Config) (pipeline.ChainStore, pipeline.Locker, *pgstore.Store, *db.DB, func(), error) {
	database, err := db.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	if cfg.Storage.Backend == "postgres" {
		pg, err := pgstore.Open(ctx, cfg.Storage.PostgresDSN.Value())
		if err != nil {
			database.Close()
			return nil, nil, nil, nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			database.Close()
			return nil, nil, nil, nil, nil, err
		}
		return pg, pg, pg, database, func() {
			pg.Close()
			database.Close()
		}, nil
	}

	fs := pipeline.NewFileStore(cfg.Storage.StateDir)
	fs.SetLockStale(cfg.Storage.LockStale.Duration())
	return fs, fs, nil, database, func() { database.Close() }, nil
}

// newApp wires the pipeline from cfg. The cleanup func closes stores and the
// NATS connection; callers shut the orchestrator down first.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps appDeps) (*app, func(), error) {
	store, locker, pg, database, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		locker:  locker,
		db:      database,
		pg:      pg,
		catalog: i18n.MustLoad(),
		metrics: metrics.Default(),
	}
	cleanup := closeStores

	if deps.connectBus && cfg.Events.NATSURL != "" {
		bus, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			closeStores()
			return nil, nil, err
		}
		a.bus = bus
		cleanup = func() {
			if err := bus.Close(); err != nil {
				logger.Warn("close nats", zap.Error(err))
			}
			closeStores()
		}
	}

	writers := []audit.Writer{database, audit.LogWriter{Logger: logger}}
	if pg != nil {
		writers = append(writers, pg)
	}
	if a.bus != nil {
		writers = append(writers, a.bus)
	}
	a.audit = audit.New(logger, writers...)

	a.agents = agents.NewManager(cfg.Agents.Root, agents.NewSource(cfg.Agents.DefinitionsDir),
		agents.WithLogger(logger), agents.WithMetrics(a.metrics))

	svc := runner.New(cfg.Runner, a.agents.Root(), logger)
	exec := executor.New(a.agents, svc,
		executor.WithAttempts(cfg.Pipeline.PhaseAttempts),
		executor.WithBackoff(cfg.Pipeline.RetryBackoff.Duration()),
		executor.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Runner.RateLimit), cfg.Runner.Burst)),
		executor.WithLogger(logger),
		executor.WithMetrics(a.metrics),
	)

	a.workspaces = workspace.NewManager(&workspace.ExecGit{}, cfg.Pipeline.WorkspaceDir, cfg.Pipeline.GitInit)
	a.engine = stage.NewEngine(exec, store, cfg,
		stage.WithLogger(logger),
		stage.WithAudit(a.audit),
		stage.WithMetrics(a.metrics),
		stage.WithWorkspace(a.workspaces.Path),
	)

	notifiers := []events.Notifier{events.LogNotifier{Logger: logger}}
	if a.bus != nil {
		notifiers = append(notifiers, a.bus)
	}
	if deps.notifier != nil {
		notifiers = append(notifiers, deps.notifier)
	}
	a.notifier = events.Multi(notifiers...)

	a.orch = orchestrator.New(a.engine, store,
		orchestrator.WithLocker(locker),
		orchestrator.WithWorkspaces(a.workspaces),
		orchestrator.WithClarifier(deps.clarifier, cfg.Pipeline.ClarifyTimeout.Duration()),
		orchestrator.WithNotifier(a.notifier),
		orchestrator.WithCatalog(a.catalog),
		orchestrator.WithLogger(logger),
	)
	return a, cleanup, nil
}
