// Package analytics summarizes stored sessions: phase durations, verdict
// failure rates, loop round distributions and weekly throughput.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Since keeps sessions created at or after t. A zero t keeps everything.
func Since(states []pipeline.ChainState, t time.Time) []pipeline.ChainState {
	if t.IsZero() {
		return states
	}
	var out []pipeline.ChainState
	for _, cs := range states {
		if !cs.Session.CreatedAt.Before(t) {
			out = append(out, cs)
		}
	}
	return out
}

// PhaseDuration holds duration stats for a phase.
type PhaseDuration struct {
	Phase pipeline.Phase `json:"phase"`
	Count int            `json:"count"`
	Avg   float64        `json:"avg_minutes"`
	P50   float64        `json:"p50_minutes"`
	P95   float64        `json:"p95_minutes"`
}

// PhaseDurations returns average and percentile wall time per phase run,
// including executor retries. Runs without an end time are skipped.
func PhaseDurations(states []pipeline.ChainState) []PhaseDuration {
	byPhase := make(map[pipeline.Phase][]float64)
	for _, cs := range states {
		for _, rec := range cs.History {
			if rec.StartedAt.IsZero() || rec.EndedAt.Before(rec.StartedAt) {
				continue
			}
			byPhase[rec.Phase] = append(byPhase[rec.Phase], rec.EndedAt.Sub(rec.StartedAt).Minutes())
		}
	}

	var results []PhaseDuration
	for _, phase := range pipeline.Phases {
		mins := byPhase[phase]
		if len(mins) == 0 {
			continue
		}
		sort.Float64s(mins)
		results = append(results, PhaseDuration{
			Phase: phase,
			Count: len(mins),
			Avg:   avg(mins),
			P50:   percentile(mins, 50),
			P95:   percentile(mins, 95),
		})
	}
	return results
}

// PhaseFailureRate holds outcome percentages per phase. Failures are
// negative verdicts; errors are exhausted execution or parse budgets.
type PhaseFailureRate struct {
	Phase   pipeline.Phase `json:"phase"`
	Total   int            `json:"total"`
	Success float64        `json:"success_pct"`
	Failure float64        `json:"failure_pct"`
	Error   float64        `json:"error_pct"`
}

// PhaseFailureRates returns outcome rates per phase.
func PhaseFailureRates(states []pipeline.ChainState) []PhaseFailureRate {
	type counts struct{ success, failure, errored, total int }
	byPhase := make(map[pipeline.Phase]*counts)
	for _, cs := range states {
		for _, rec := range cs.History {
			c, ok := byPhase[rec.Phase]
			if !ok {
				c = &counts{}
				byPhase[rec.Phase] = c
			}
			c.total++
			switch rec.Outcome {
			case pipeline.OutcomeSuccess:
				c.success++
			case pipeline.OutcomeFailure:
				c.failure++
			case pipeline.OutcomeError:
				c.errored++
			}
		}
	}

	var results []PhaseFailureRate
	for _, phase := range pipeline.Phases {
		c, ok := byPhase[phase]
		if !ok {
			continue
		}
		results = append(results, PhaseFailureRate{
			Phase:   phase,
			Total:   c.total,
			Success: pct(c.success, c.total),
			Failure: pct(c.failure, c.total),
			Error:   pct(c.errored, c.total),
		})
	}
	return results
}

// LoopRoundDist holds the distribution of failed rounds for one loop over
// finished sessions that reached it.
type LoopRoundDist struct {
	Loop      string  `json:"loop"`
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_rounds_pct"`
	One       float64 `json:"one_round_pct"`
	Two       float64 `json:"two_rounds_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// LoopRounds returns how many verification and review rounds failed per
// finished session. Sessions that never reached a loop are not counted for
// it.
func LoopRounds(states []pipeline.ChainState) []LoopRoundDist {
	var qa, review []int
	for _, cs := range states {
		if !cs.Status.Terminal() {
			continue
		}
		if cs.Attempts(pipeline.PhaseVerification) > 0 {
			qa = append(qa, cs.QAAttempts)
		}
		if cs.Attempts(pipeline.PhaseReview) > 0 {
			review = append(review, cs.ReviewAttempts)
		}
	}
	var results []LoopRoundDist
	if len(qa) > 0 {
		results = append(results, roundDist("verification", qa))
	}
	if len(review) > 0 {
		results = append(results, roundDist("review", review))
	}
	return results
}

func roundDist(loop string, rounds []int) LoopRoundDist {
	var zero, one, two, threePlus int
	for _, r := range rounds {
		switch {
		case r == 0:
			zero++
		case r == 1:
			one++
		case r == 2:
			two++
		default:
			threePlus++
		}
	}
	total := len(rounds)
	return LoopRoundDist{
		Loop:      loop,
		Total:     total,
		Zero:      pct(zero, total),
		One:       pct(one, total),
		Two:       pct(two, total),
		ThreePlus: pct(threePlus, total),
	}
}

// Throughput holds session counts for one ISO week.
type Throughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	AvgDuration float64 `json:"avg_duration_hours"`
}

// WeeklyThroughput groups sessions by the ISO week they were created in,
// newest first, keeping at most limit weeks (0 for all). AvgDuration covers
// succeeded sessions only.
func WeeklyThroughput(states []pipeline.ChainState, limit int) []Throughput {
	type bucket struct {
		tp    Throughput
		hours []float64
	}
	buckets := make(map[string]*bucket)
	for _, cs := range states {
		created := cs.Session.CreatedAt
		if created.IsZero() {
			continue
		}
		year, week := created.UTC().ISOWeek()
		period := isoPeriod(year, week)
		b, ok := buckets[period]
		if !ok {
			b = &bucket{tp: Throughput{Period: period}}
			buckets[period] = b
		}
		b.tp.Created++
		switch cs.Status {
		case pipeline.StatusSucceeded:
			b.tp.Succeeded++
			if d := cs.UpdatedAt.Sub(created); d > 0 {
				b.hours = append(b.hours, d.Hours())
			}
		case pipeline.StatusFailed:
			b.tp.Failed++
		case pipeline.StatusCancelled:
			b.tp.Cancelled++
		}
	}

	results := make([]Throughput, 0, len(buckets))
	for _, b := range buckets {
		b.tp.AvgDuration = avg(b.hours)
		results = append(results, b.tp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func isoPeriod(year, week int) string {
	return fmt.Sprintf("%d-W%02d", year, week)
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
