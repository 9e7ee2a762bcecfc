package pipeline

import "time"

// Phase names one step of the build pipeline.
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhaseAnalyst      Phase = "analyst"
	PhaseArchitect    Phase = "architect"
	PhaseTestWriter   Phase = "test-writer"
	PhaseDeveloper    Phase = "developer"
	PhaseVerification Phase = "verification"
	PhaseReview       Phase = "review"
	PhaseDelivery     Phase = "delivery"
)

// Phases lists every phase in pipeline order.
var Phases = []Phase{
	PhaseDiscovery,
	PhaseAnalyst,
	PhaseArchitect,
	PhaseTestWriter,
	PhaseDeveloper,
	PhaseVerification,
	PhaseReview,
	PhaseDelivery,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a BuildSession.
type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusRunning             Status = "running"
	StatusFailed              Status = "failed"
	StatusSucceeded           Status = "succeeded"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusSucceeded || s == StatusCancelled
}

// Outcome classifies a single PhaseRecord.
type Outcome string

const (
	OutcomeSuccess Outcome = "success" // parsed, pipeline advances
	OutcomeFailure Outcome = "failure" // parsed, agent reported a failing verdict
	OutcomeError   Outcome = "error"   // execution or parse budget exhausted
)

// BuildSession is one triggered pipeline run.
type BuildSession struct {
	ID        string    `json:"id"`
	Requester string    `json:"requester"`
	Channel   string    `json:"channel"`
	Request   string    `json:"request"`
	Locale    string    `json:"locale,omitempty"`
	Phase     Phase     `json:"phase"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectBrief holds the requirements produced by discovery and refined by
// the analyst.
type ProjectBrief struct {
	Text string `json:"text"`
}

// Clarification is a discovery round that asked the requester questions
// instead of producing a brief.
type Clarification struct {
	Questions string `json:"questions"`
}

// Artifact is the free-form output of the design, test and implementation
// phases.
type Artifact struct {
	Phase Phase  `json:"phase"`
	Text  string `json:"text"`
}

// VerificationResult is the verdict of a verification phase.
type VerificationResult struct {
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback,omitempty"`
}

// ReviewResult is the verdict of a review phase.
type ReviewResult struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// BuildSummary is the delivery phase's report.
type BuildSummary struct {
	Text     string `json:"text"`
	Location string `json:"location,omitempty"`
}

// Result is the typed output of one parsed phase run. Exactly one field is set.
type Result struct {
	Brief         *ProjectBrief       `json:"brief,omitempty"`
	Clarification *Clarification      `json:"clarification,omitempty"`
	Artifact      *Artifact           `json:"artifact,omitempty"`
	Verification  *VerificationResult `json:"verification,omitempty"`
	Review        *ReviewResult       `json:"review,omitempty"`
	Summary       *BuildSummary       `json:"summary,omitempty"`
}

// Kind names the populated field, or "" for an empty result.
func (r Result) Kind() string {
	switch {
	case r.Brief != nil:
		return "brief"
	case r.Clarification != nil:
		return "clarification"
	case r.Artifact != nil:
		return "artifact"
	case r.Verification != nil:
		return "verification"
	case r.Review != nil:
		return "review"
	case r.Summary != nil:
		return "summary"
	}
	return ""
}

// Failing reports whether the result is a negative verdict.
func (r Result) Failing() bool {
	return (r.Verification != nil && !r.Verification.Passed) ||
		(r.Review != nil && !r.Review.Approved)
}

// PhaseRecord is the immutable record of one phase run. Transport retries
// inside the executor are absorbed into Tries.
type PhaseRecord struct {
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	Attempt   int       `json:"attempt"`
	Tries     int       `json:"tries,omitempty"`
	Agent     string    `json:"agent"`
	RawOutput string    `json:"raw_output,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Artifacts carries the latest output of each kind across phases.
type Artifacts struct {
	Brief          *ProjectBrief       `json:"brief,omitempty"`
	Design         *Artifact           `json:"design,omitempty"`
	Tests          *Artifact           `json:"tests,omitempty"`
	Implementation *Artifact           `json:"implementation,omitempty"`
	Verification   *VerificationResult `json:"verification,omitempty"`
	Review         *ReviewResult       `json:"review,omitempty"`
	Summary        *BuildSummary       `json:"summary,omitempty"`
}

// Apply records r as the latest artifact of its kind.
func (a *Artifacts) Apply(phase Phase, r Result) {
	switch {
	case r.Brief != nil:
		a.Brief = r.Brief
	case r.Artifact != nil:
		switch phase {
		case PhaseArchitect:
			a.Design = r.Artifact
		case PhaseTestWriter:
			a.Tests = r.Artifact
		case PhaseDeveloper:
			a.Implementation = r.Artifact
		}
	case r.Verification != nil:
		a.Verification = r.Verification
	case r.Review != nil:
		a.Review = r.Review
	case r.Summary != nil:
		a.Summary = r.Summary
	}
}

// LoopState is the retry-loop sub-state a session will resume in.
type LoopState string

const (
	LoopDeveloping LoopState = "developing"
	LoopVerifying  LoopState = "verifying"
	LoopReviewing  LoopState = "reviewing"
	LoopDelivering LoopState = "delivering"
)

// LoopStateFor maps the next phase to its loop sub-state; phases before the
// developer have none.
func LoopStateFor(next Phase) LoopState {
	switch next {
	case PhaseDeveloper:
		return LoopDeveloping
	case PhaseVerification:
		return LoopVerifying
	case PhaseReview:
		return LoopReviewing
	case PhaseDelivery:
		return LoopDelivering
	}
	return ""
}

// ClarificationRound pairs the questions of one discovery round with the
// requester's answer.
type ClarificationRound struct {
	Questions string `json:"questions"`
	Answer    string `json:"answer"`
}

// ChainState is the durable snapshot of a session's progress. It is saved
// after every phase transition and is the only state needed to resume.
type ChainState struct {
	SessionID       string               `json:"session_id"`
	Session         BuildSession         `json:"session"`
	Phase           Phase                `json:"phase,omitempty"` // last completed phase
	QAAttempts      int                  `json:"qa_attempts"`
	ReviewAttempts  int                  `json:"review_attempts"`
	DiscoveryRounds int                  `json:"discovery_rounds"`
	Clarifications  []ClarificationRound `json:"clarifications,omitempty"`
	Feedback        string               `json:"feedback,omitempty"`
	LoopState       LoopState            `json:"loop_state,omitempty"`
	Artifacts       Artifacts            `json:"artifacts"`
	History         []PhaseRecord        `json:"history"`
	Status          Status               `json:"status"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// NewChainState returns the initial state for a confirmed session.
func NewChainState(s BuildSession) *ChainState {
	return &ChainState{
		SessionID: s.ID,
		Session:   s,
		History:   []PhaseRecord{},
		Status:    s.Status,
		UpdatedAt: s.UpdatedAt,
	}
}

// SetStatus updates the status on the state and its session.
func (cs *ChainState) SetStatus(st Status, now time.Time) {
	cs.Status = st
	cs.Session.Status = st
	cs.Session.UpdatedAt = now
}

// Attempts returns how many records exist for phase.
func (cs *ChainState) Attempts(phase Phase) int {
	n := 0
	for _, rec := range cs.History {
		if rec.Phase == phase {
			n++
		}
	}
	return n
}

// LastRecord returns the most recent record, if any.
func (cs *ChainState) LastRecord() (PhaseRecord, bool) {
	if len(cs.History) == 0 {
		return PhaseRecord{}, false
	}
	return cs.History[len(cs.History)-1], true
}
