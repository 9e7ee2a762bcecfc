package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/gate"
	"github.com/lucasnoah/agentgate/internal/gateway"
	"github.com/lucasnoah/agentgate/internal/orchestrator"
	"github.com/lucasnoah/agentgate/internal/pipeline"
	"github.com/lucasnoah/agentgate/internal/web"
)

const (
	purgeInterval   = time.Minute
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: HTTP API, NATS inbound and session workers",
	Long: `Start the gateway. Messages arrive on POST /api/v1/messages and, when
events.nats_url is set, on <prefix>.inbound.<channel>.<requester>.

Every session left running by a previous process is resumed from the phase
after its last completed one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Gateway.Listen = listen
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The router needs the gate, which needs the orchestrator; the
		// clarifier closes over the router once it exists.
		var router *gateway.Router
		clarifier := orchestrator.ClarifierFunc(func(ctx context.Context, s pipeline.BuildSession, q string) (string, error) {
			return router.Ask(ctx, s, q)
		})

		a, cleanup, err := newApp(ctx, cfg, logger, appDeps{clarifier: clarifier, connectBus: true})
		if err != nil {
			return err
		}
		defer cleanup()

		pending := a.db.Pending()
		g := gate.New(cfg.Gate, pending, a.store, a.orch, a.catalog,
			gate.WithLogger(logger),
			gate.WithAudit(a.audit),
			gate.WithMetrics(a.metrics),
			gate.WithLocale(cfg.Gateway.Locale),
		)
		router = gateway.New(g, a.catalog, a.notifier, cfg.Gateway.Locale, logger,
			gateway.WithCancel(a.orch, cfg.Gate.CancelWords))

		if a.bus != nil {
			if err := a.bus.Subscribe(ctx, router.Inbound); err != nil {
				return fmt.Errorf("subscribe inbound: %w", err)
			}
		}

		srv, err := web.NewServer(cfg.Gateway.Listen, router, a.orch, a.store,
			web.WithLogger(logger),
			web.WithCatalog(a.catalog, cfg.Gateway.Locale),
		)
		if err != nil {
			return err
		}
		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Start() }()

		go purgeExpired(ctx, pending, logger)

		n, err := a.orch.ResumeAll(ctx)
		if err != nil {
			logger.Warn("resume sessions", zap.Error(err))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "agentgate listening on %s (resumed %d session(s))\n", cfg.Gateway.Listen, n)

		select {
		case <-ctx.Done():
		case err = <-serveErr:
			if err != nil {
				logger.Error("http server stopped", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.Canceled) {
			logger.Warn("http shutdown", zap.Error(serr))
		}
		if oerr := a.orch.Shutdown(shutdownCtx); oerr != nil {
			logger.Warn("orchestrator shutdown", zap.Error(oerr), zap.Strings("active", a.orch.Active()))
		}
		return err
	},
}

type expiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// purgeExpired drops confirmation markers nobody came back to.
func purgeExpired(ctx context.Context, p expiredPurger, logger *zap.Logger) {
	tick := time.NewTicker(purgeInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		n, err := p.PurgeExpired(ctx, time.Now())
		if err != nil {
			logger.Warn("purge expired confirmations", zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Info("purged expired confirmations", zap.Int64("count", n))
		}
	}
}

func init() {
	serveCmd.Flags().String("listen", "", "Override gateway.listen (host:port)")
}
