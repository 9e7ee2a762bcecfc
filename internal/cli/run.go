package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/events"
	"github.com/lucasnoah/agentgate/internal/orchestrator"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run one build in the foreground, without the confirmation gate",
	Long: `Run the full phase sequence for a request and wait for the outcome.
Discovery questions are printed and answered on stdin; an empty line (or
--no-input) lets discovery proceed on stated assumptions.

Interrupting the run leaves the session running in the store; continue it
with "gate session resume <id>".`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		deps := appDeps{notifier: printNotifier(out)}
		if noInput, _ := cmd.Flags().GetBool("no-input"); !noInput {
			deps.clarifier = stdinClarifier(cmd.InOrStdin(), out)
		}
		a, cleanup, err := newApp(ctx, cfg, logger, deps)
		if err != nil {
			return err
		}
		defer cleanup()

		requester, _ := cmd.Flags().GetString("requester")
		locale, _ := cmd.Flags().GetString("locale")
		if locale == "" {
			locale = cfg.Gateway.Locale
		}
		now := time.Now().UTC()
		s := pipeline.BuildSession{
			ID:        uuid.NewString(),
			Requester: requester,
			Channel:   "cli",
			Request:   strings.Join(args, " "),
			Locale:    locale,
			Status:    pipeline.StatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := a.orch.Start(ctx, s); err != nil {
			return err
		}
		fmt.Fprintf(out, "Session %s started\n", s.ID)

		return waitForOutcome(ctx, cmd, a.orch, s.ID, logger)
	},
}

// waitForOutcome blocks until the session finishes or ctx is interrupted,
// then reports the final status.
func waitForOutcome(ctx context.Context, cmd *cobra.Command, orch *orchestrator.Orchestrator, id string, logger *zap.Logger) error {
	done := make(chan error, 1)
	go func() { done <- orch.Wait(id) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("orchestrator shutdown", zap.Error(err))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Interrupted; resume with: gate session resume %s\n", id)
		return ctx.Err()
	}

	cs, err := orch.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	switch cs.Status {
	case pipeline.StatusSucceeded:
		return nil
	case pipeline.StatusCancelled:
		return pipeline.ErrCancelledByUser
	}
	if runErr != nil && !errors.Is(runErr, pipeline.ErrCancelledByUser) {
		return fmt.Errorf("session %s %s: %w", id, cs.Status, runErr)
	}
	return fmt.Errorf("session %s %s", id, cs.Status)
}

// printNotifier writes notification text for a foreground run.
func printNotifier(w io.Writer) events.Notifier {
	return events.NotifierFunc(func(_ context.Context, n events.Notification) error {
		if n.Text == "" {
			return nil
		}
		_, err := fmt.Fprintf(w, "\n%s\n", n.Text)
		return err
	})
}

// stdinClarifier prints discovery questions and reads one line as the
// answer.
func stdinClarifier(in io.Reader, out io.Writer) orchestrator.Clarifier {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	return orchestrator.ClarifierFunc(func(ctx context.Context, _ pipeline.BuildSession, questions string) (string, error) {
		fmt.Fprintf(out, "\n%s\n> ", questions)
		select {
		case line, ok := <-lines:
			if !ok {
				return "", io.EOF
			}
			return strings.TrimSpace(line), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
}

func init() {
	runCmd.Flags().String("requester", "cli", "Requester recorded on the session")
	runCmd.Flags().String("locale", "", "Locale for messages (default gateway.locale)")
	runCmd.Flags().Bool("no-input", false, "Do not read discovery answers from stdin")
}
