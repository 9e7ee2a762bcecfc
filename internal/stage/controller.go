package stage

import (
	"fmt"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Loop names a bounded feedback loop.
type Loop string

const (
	LoopVerification Loop = "verification"
	LoopReview       Loop = "review"
)

// RetryBudgetExhausted ends a session whose loop hit its limit. Feedback is
// the last feedback the loop produced.
type RetryBudgetExhausted struct {
	Loop     Loop
	Attempts int
	Feedback string
}

func (e *RetryBudgetExhausted) Error() string {
	return fmt.Sprintf("%s loop exhausted after %d attempt(s): %s", e.Loop, e.Attempts, e.Feedback)
}

// Limits bounds the loops.
type Limits struct {
	MaxQAIterations     int
	MaxReviewIterations int
	MaxDiscoveryRounds  int
}

// DefaultLimits are the stock loop bounds.
var DefaultLimits = Limits{MaxQAIterations: 3, MaxReviewIterations: 2, MaxDiscoveryRounds: 3}

// Controller applies the loop rules to a committed phase result. Counters
// only ever grow, including across resumes.
type Controller struct {
	Limits Limits
}

// FinalDiscoveryRound reports whether the next discovery run must produce a
// brief.
func (c Controller) FinalDiscoveryRound(cs *pipeline.ChainState) bool {
	return cs.DiscoveryRounds+1 >= c.Limits.MaxDiscoveryRounds
}

// Advance updates counters and feedback on cs for the result of phase and
// returns *RetryBudgetExhausted when a loop has run out.
func (c Controller) Advance(cs *pipeline.ChainState, phase pipeline.Phase, r pipeline.Result) error {
	switch phase {
	case pipeline.PhaseDiscovery:
		cs.DiscoveryRounds++
		if r.Clarification != nil {
			cs.Clarifications = append(cs.Clarifications, pipeline.ClarificationRound{Questions: r.Clarification.Questions})
		}

	case pipeline.PhaseVerification:
		v := r.Verification
		if v == nil || v.Passed {
			cs.Feedback = ""
			return nil
		}
		cs.QAAttempts++
		cs.Feedback = v.Feedback
		if cs.QAAttempts >= c.Limits.MaxQAIterations {
			return &RetryBudgetExhausted{Loop: LoopVerification, Attempts: cs.QAAttempts, Feedback: v.Feedback}
		}

	case pipeline.PhaseReview:
		rv := r.Review
		if rv == nil || rv.Approved {
			cs.Feedback = ""
			return nil
		}
		cs.ReviewAttempts++
		cs.Feedback = rv.Feedback
		if cs.ReviewAttempts >= c.Limits.MaxReviewIterations {
			return &RetryBudgetExhausted{Loop: LoopReview, Attempts: cs.ReviewAttempts, Feedback: rv.Feedback}
		}
	}
	return nil
}
