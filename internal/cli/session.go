package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentgate/internal/audit"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect, cancel and resume build sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, _, _, cleanup, err := openStores(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		status, _ := cmd.Flags().GetString("status")
		states, err := store.List(cmd.Context(), pipeline.Status(status))
		if err != nil {
			return err
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			if states == nil {
				states = []pipeline.ChainState{}
			}
			return writeJSON(cmd, states)
		}

		if len(states) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tQA\tREVIEW\tREQUESTER\tREQUEST")
		for _, cs := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				cs.SessionID, cs.Status, cs.Session.Phase, cs.QAAttempts, cs.ReviewAttempts,
				cs.Session.Requester, truncate(cs.Session.Request, 40))
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's state and phase history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, pg, database, cleanup, err := openStores(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		cs, found, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("session %s not found", args[0])
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, cs)
		}
		printSession(cmd.OutOrStdout(), cs)

		if showAudit, _ := cmd.Flags().GetBool("audit"); showAudit {
			var history auditHistory = database
			if pg != nil {
				history = pg
			}
			entries, err := history.AuditHistory(cmd.Context(), cs.SessionID)
			if err != nil {
				return err
			}
			printAudit(cmd.OutOrStdout(), entries)
		}
		return nil
	},
}

type auditHistory interface {
	AuditHistory(ctx context.Context, sessionID string) ([]audit.Entry, error)
}

func printAudit(out io.Writer, entries []audit.Entry) {
	fmt.Fprintln(out)
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit events.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPHASE\tOUTCOME\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Phase, e.Outcome, truncate(e.Detail, 60))
	}
	w.Flush()
}

func printSession(out io.Writer, cs *pipeline.ChainState) {
	fmt.Fprintf(out, "Session:   %s\n", cs.SessionID)
	fmt.Fprintf(out, "Status:    %s\n", cs.Status)
	fmt.Fprintf(out, "Phase:     %s\n", cs.Session.Phase)
	if cs.Phase != "" {
		fmt.Fprintf(out, "Completed: %s\n", cs.Phase)
	}
	if cs.LoopState != "" {
		fmt.Fprintf(out, "Loop:      %s\n", cs.LoopState)
	}
	fmt.Fprintf(out, "Counters:  qa=%d review=%d discovery=%d\n", cs.QAAttempts, cs.ReviewAttempts, cs.DiscoveryRounds)
	fmt.Fprintf(out, "Requester: %s (%s)\n", cs.Session.Requester, cs.Session.Channel)
	fmt.Fprintf(out, "Request:   %s\n", cs.Session.Request)
	if cs.Feedback != "" {
		fmt.Fprintf(out, "Feedback:  %s\n", cs.Feedback)
	}
	if cs.Session.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", cs.Session.Error)
	}
	if len(cs.History) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tATTEMPT\tTRIES\tOUTCOME\tDURATION\tDETAIL")
	for _, rec := range cs.History {
		detail := rec.Error
		if detail == "" && rec.Result != nil {
			detail = rec.Result.Kind()
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			rec.Phase, rec.Attempt, rec.Tries, rec.Outcome,
			rec.EndedAt.Sub(rec.StartedAt).Round(time.Second), truncate(detail, 60))
	}
	w.Flush()
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session",
	Long: `Cancel a session. When a gateway is listening on gateway.listen the request
goes through it so the running worker discards its in-flight result;
otherwise (or with --local) the stored state is cancelled directly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id := args[0]
		out := cmd.OutOrStdout()

		if local, _ := cmd.Flags().GetBool("local"); !local {
			cancelled, err := cancelViaServer(cmd.Context(), cfg.Gateway.Listen, id)
			if err == nil {
				reportCancel(out, id, cancelled)
				return nil
			}
			if !errors.Is(err, errNoServer) {
				return err
			}
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		a, cleanup, err := newApp(cmd.Context(), cfg, logger, appDeps{})
		if err != nil {
			return err
		}
		defer cleanup()

		cancelled, err := a.orch.Cancel(cmd.Context(), id)
		if err != nil {
			return err
		}
		reportCancel(out, id, cancelled)
		return nil
	},
}

func reportCancel(out io.Writer, id string, cancelled bool) {
	if cancelled {
		fmt.Fprintf(out, "Session %s cancelled.\n", id)
		return
	}
	fmt.Fprintf(out, "Session %s already finished.\n", id)
}

var errNoServer = errors.New("no gateway listening")

// cancelViaServer asks a running gateway to cancel the session. It returns
// errNoServer when nothing accepts the connection.
func cancelViaServer(ctx context.Context, listen, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/v1/sessions/%s/cancel", listen, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return false, errNoServer
		}
		return false, fmt.Errorf("cancel via gateway: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusConflict:
		return false, nil
	case http.StatusNotFound:
		return false, fmt.Errorf("session %s not found", id)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return false, fmt.Errorf("cancel via gateway: %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a running session in the foreground",
	Long: `Resume a session from the phase after its last completed one. Loop
counters carry over. Fails if another process holds the session.`,
	Args: cobra.ExactArgs(1),
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
		a, cleanup, err := newApp(ctx, cfg, logger, appDeps{
			clarifier: stdinClarifier(cmd.InOrStdin(), out),
			notifier:  printNotifier(out),
		})
		if err != nil {
			return err
		}
		defer cleanup()

		id := args[0]
		if err := a.orch.Resume(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Session %s resumed\n", id)
		return waitForOutcome(ctx, cmd, a.orch, id, logger)
	},
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	sessionListCmd.Flags().String("status", "", "Filter by status (running, succeeded, failed, cancelled)")
	sessionListCmd.Flags().String("format", "text", "Output format: text or json")
	sessionShowCmd.Flags().String("format", "text", "Output format: text or json")
	sessionShowCmd.Flags().Bool("audit", false, "Also print the session's audit events")
	sessionCancelCmd.Flags().Bool("local", false, "Cancel in the store without contacting the gateway")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
}
