package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentgate/internal/analytics"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics",
}

var analyticsPhaseDurationCmd = &cobra.Command{
	Use:   "phase-duration",
	Short: "Average and percentile durations per phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := loadAnalyticsStates(cmd)
		if err != nil {
			return err
		}
		results := analytics.PhaseDurations(states)
		if asJSON(cmd) {
			return writeJSON(cmd, orEmpty(results))
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No phase runs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PHASE\tRUNS\tAVG(m)\tP50(m)\tP95(m)")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Phase, r.Count, r.Avg, r.P50, r.P95)
		}
		return w.Flush()
	},
}

var analyticsFailureRateCmd = &cobra.Command{
	Use:   "failure-rate",
	Short: "Success, failure and error rates per phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := loadAnalyticsStates(cmd)
		if err != nil {
			return err
		}
		results := analytics.PhaseFailureRates(states)
		if asJSON(cmd) {
			return writeJSON(cmd, orEmpty(results))
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No phase runs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PHASE\tRUNS\tSUCCESS%\tFAILURE%\tERROR%")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Phase, r.Total, r.Success, r.Failure, r.Error)
		}
		return w.Flush()
	},
}

var analyticsLoopRoundsCmd = &cobra.Command{
	Use:   "loop-rounds",
	Short: "Distribution of failed verification and review rounds",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := loadAnalyticsStates(cmd)
		if err != nil {
			return err
		}
		results := analytics.LoopRounds(states)
		if asJSON(cmd) {
			return writeJSON(cmd, orEmpty(results))
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No finished sessions reached a loop.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LOOP\tSESSIONS\t0\t1\t2\t3+")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\n", r.Loop, r.Total, r.Zero, r.One, r.Two, r.ThreePlus)
		}
		return w.Flush()
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Sessions created and finished per ISO week",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := loadAnalyticsStates(cmd)
		if err != nil {
			return err
		}
		weeks, _ := cmd.Flags().GetInt("weeks")
		results := analytics.WeeklyThroughput(states, weeks)
		if asJSON(cmd) {
			return writeJSON(cmd, results)
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WEEK\tCREATED\tSUCCEEDED\tFAILED\tCANCELLED\tAVG(h)")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\n", r.Period, r.Created, r.Succeeded, r.Failed, r.Cancelled, r.AvgDuration)
		}
		return w.Flush()
	},
}

// loadAnalyticsStates reads every stored session and applies --since.
func loadAnalyticsStates(cmd *cobra.Command) ([]pipeline.ChainState, error) {
	sinceFlag, _ := cmd.Flags().GetString("since")
	since, err := parseSince(sinceFlag, time.Now())
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, _, _, _, cleanup, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	states, err := store.List(cmd.Context(), "")
	if err != nil {
		return nil, err
	}
	return analytics.Since(states, since), nil
}

// parseSince accepts a duration back from now ("168h") or a date
// ("2026-01-31"). Empty means no lower bound.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want a duration like 168h or a date like 2026-01-31", s)
	}
	return t, nil
}

func asJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func init() {
	for _, c := range []*cobra.Command{analyticsPhaseDurationCmd, analyticsFailureRateCmd, analyticsLoopRoundsCmd, analyticsThroughputCmd} {
		c.Flags().String("since", "", "Only sessions created after this duration ago or date")
		c.Flags().String("format", "table", "Output format: table or json")
		analyticsCmd.AddCommand(c)
	}
	analyticsThroughputCmd.Flags().Int("weeks", 12, "Number of weeks to show (0 for all)")
}
