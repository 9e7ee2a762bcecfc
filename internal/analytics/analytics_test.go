package analytics

import (
	"testing"
	"time"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC) // a Monday, ISO week 23

func record(phase pipeline.Phase, outcome pipeline.Outcome, start time.Time, minutes int) pipeline.PhaseRecord {
	return pipeline.PhaseRecord{
		Phase:     phase,
		Outcome:   outcome,
		StartedAt: start,
		EndedAt:   start.Add(time.Duration(minutes) * time.Minute),
	}
}

func session(id string, status pipeline.Status, created time.Time, records ...pipeline.PhaseRecord) pipeline.ChainState {
	cs := pipeline.NewChainState(pipeline.BuildSession{ID: id, Status: status, CreatedAt: created})
	cs.History = records
	return *cs
}

// --- PhaseDurations ---

func TestPhaseDurations(t *testing.T) {
	states := []pipeline.ChainState{
		session("a", pipeline.StatusSucceeded, t0,
			record(pipeline.PhaseDiscovery, pipeline.OutcomeSuccess, t0, 10),
			record(pipeline.PhaseDeveloper, pipeline.OutcomeSuccess, t0, 30),
		),
		session("b", pipeline.StatusSucceeded, t0,
			record(pipeline.PhaseDiscovery, pipeline.OutcomeSuccess, t0, 20),
		),
	}

	results := PhaseDurations(states)
	if len(results) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(results))
	}
	// Pipeline order, not alphabetical.
	if results[0].Phase != pipeline.PhaseDiscovery {
		t.Errorf("first phase = %q, want discovery", results[0].Phase)
	}
	if results[0].Count != 2 {
		t.Errorf("discovery count = %d, want 2", results[0].Count)
	}
	if results[0].Avg != 15 {
		t.Errorf("discovery avg = %.1f, want 15.0", results[0].Avg)
	}
	if results[0].P50 != 15 {
		t.Errorf("discovery p50 = %.1f, want 15.0", results[0].P50)
	}
	if results[0].P95 != 19.5 {
		t.Errorf("discovery p95 = %.1f, want 19.5", results[0].P95)
	}
	if results[1].Phase != pipeline.PhaseDeveloper || results[1].Avg != 30 {
		t.Errorf("developer = %+v, want avg 30", results[1])
	}
}

func TestPhaseDurations_SkipsUnfinishedRuns(t *testing.T) {
	broken := record(pipeline.PhaseAnalyst, pipeline.OutcomeError, t0, 0)
	broken.EndedAt = time.Time{}
	states := []pipeline.ChainState{session("a", pipeline.StatusFailed, t0, broken)}

	if results := PhaseDurations(states); len(results) != 0 {
		t.Errorf("expected no results, got %+v", results)
	}
}

// --- PhaseFailureRates ---

func TestPhaseFailureRates(t *testing.T) {
	states := []pipeline.ChainState{
		session("a", pipeline.StatusSucceeded, t0,
			record(pipeline.PhaseVerification, pipeline.OutcomeFailure, t0, 1),
			record(pipeline.PhaseVerification, pipeline.OutcomeFailure, t0, 1),
			record(pipeline.PhaseVerification, pipeline.OutcomeSuccess, t0, 1),
		),
		session("b", pipeline.StatusFailed, t0,
			record(pipeline.PhaseVerification, pipeline.OutcomeError, t0, 1),
		),
	}

	results := PhaseFailureRates(states)
	if len(results) != 1 {
		t.Fatalf("expected 1 phase, got %d", len(results))
	}
	r := results[0]
	if r.Total != 4 {
		t.Errorf("total = %d, want 4", r.Total)
	}
	if r.Success != 25 || r.Failure != 50 || r.Error != 25 {
		t.Errorf("rates = %.1f/%.1f/%.1f, want 25/50/25", r.Success, r.Failure, r.Error)
	}
}

// --- LoopRounds ---

func TestLoopRounds(t *testing.T) {
	withCounters := func(id string, status pipeline.Status, qa, review int, phases ...pipeline.Phase) pipeline.ChainState {
		var recs []pipeline.PhaseRecord
		for _, p := range phases {
			recs = append(recs, record(p, pipeline.OutcomeSuccess, t0, 1))
		}
		cs := session(id, status, t0, recs...)
		cs.QAAttempts = qa
		cs.ReviewAttempts = review
		return cs
	}
	states := []pipeline.ChainState{
		withCounters("a", pipeline.StatusSucceeded, 0, 0, pipeline.PhaseVerification, pipeline.PhaseReview),
		withCounters("b", pipeline.StatusSucceeded, 2, 1, pipeline.PhaseVerification, pipeline.PhaseReview),
		withCounters("c", pipeline.StatusFailed, 3, 0, pipeline.PhaseVerification),
		withCounters("d", pipeline.StatusSucceeded, 1, 0, pipeline.PhaseVerification, pipeline.PhaseReview),
		// Still running: excluded.
		withCounters("e", pipeline.StatusRunning, 1, 0, pipeline.PhaseVerification),
		// Never reached the loops: excluded.
		withCounters("f", pipeline.StatusCancelled, 0, 0, pipeline.PhaseDiscovery),
	}

	results := LoopRounds(states)
	if len(results) != 2 {
		t.Fatalf("expected 2 loops, got %d", len(results))
	}

	qa := results[0]
	if qa.Loop != "verification" || qa.Total != 4 {
		t.Fatalf("qa = %+v, want verification over 4 sessions", qa)
	}
	if qa.Zero != 25 || qa.One != 25 || qa.Two != 25 || qa.ThreePlus != 25 {
		t.Errorf("qa dist = %+v, want 25 each", qa)
	}

	review := results[1]
	if review.Loop != "review" || review.Total != 3 {
		t.Fatalf("review = %+v, want review over 3 sessions", review)
	}
	if review.Zero != 66.7 || review.One != 33.3 {
		t.Errorf("review dist = %+v, want 66.7/33.3", review)
	}
}

// --- WeeklyThroughput ---

func TestWeeklyThroughput(t *testing.T) {
	done := func(id string, created time.Time, hours int) pipeline.ChainState {
		cs := session(id, pipeline.StatusSucceeded, created)
		cs.UpdatedAt = created.Add(time.Duration(hours) * time.Hour)
		return cs
	}
	nextWeek := t0.AddDate(0, 0, 7)
	states := []pipeline.ChainState{
		done("a", t0, 2),
		done("b", t0.Add(time.Hour), 4),
		session("c", pipeline.StatusFailed, t0),
		session("d", pipeline.StatusCancelled, nextWeek),
		session("e", pipeline.StatusRunning, nextWeek),
	}

	results := WeeklyThroughput(states, 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 weeks, got %d", len(results))
	}
	if results[0].Period != "2026-W24" {
		t.Errorf("newest period = %q, want 2026-W24", results[0].Period)
	}
	if results[0].Created != 2 || results[0].Cancelled != 1 {
		t.Errorf("week 24 = %+v", results[0])
	}
	w23 := results[1]
	if w23.Period != "2026-W23" || w23.Created != 3 || w23.Succeeded != 2 || w23.Failed != 1 {
		t.Errorf("week 23 = %+v", w23)
	}
	if w23.AvgDuration != 3 {
		t.Errorf("week 23 avg duration = %.1f, want 3.0", w23.AvgDuration)
	}

	if limited := WeeklyThroughput(states, 1); len(limited) != 1 || limited[0].Period != "2026-W24" {
		t.Errorf("limit 1 = %+v", limited)
	}
}

func TestSince(t *testing.T) {
	states := []pipeline.ChainState{
		session("old", pipeline.StatusSucceeded, t0.Add(-48*time.Hour)),
		session("new", pipeline.StatusSucceeded, t0),
	}
	if got := Since(states, time.Time{}); len(got) != 2 {
		t.Errorf("zero since kept %d, want 2", len(got))
	}
	got := Since(states, t0.Add(-time.Hour))
	if len(got) != 1 || got[0].SessionID != "new" {
		t.Errorf("since = %+v, want only new", got)
	}
}

// --- helpers ---

func TestPercentile(t *testing.T) {
	tests := []struct {
		values []float64
		p      int
		want   float64
	}{
		{nil, 50, 0},
		{[]float64{7}, 95, 7},
		{[]float64{1, 2, 3, 4}, 50, 2.5},
		{[]float64{1, 2, 3, 4, 5}, 100, 5},
	}
	for _, tt := range tests {
		if got := percentile(tt.values, tt.p); got != tt.want {
			t.Errorf("percentile(%v, %d) = %.1f, want %.1f", tt.values, tt.p, got, tt.want)
		}
	}
}
