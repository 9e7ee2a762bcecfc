package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

func fail(fb string) pipeline.Result {
	return pipeline.Result{Verification: &pipeline.VerificationResult{Feedback: fb}}
}

func TestControllerCountersNeverExceedLimits(t *testing.T) {
	c := Controller{Limits: DefaultLimits}
	cs := &pipeline.ChainState{}

	require.NoError(t, c.Advance(cs, pipeline.PhaseVerification, fail("a")))
	require.NoError(t, c.Advance(cs, pipeline.PhaseVerification, fail("b")))
	err := c.Advance(cs, pipeline.PhaseVerification, fail("c"))
	var rbe *RetryBudgetExhausted
	require.ErrorAs(t, err, &rbe)
	assert.Equal(t, 3, cs.QAAttempts)
	assert.LessOrEqual(t, cs.QAAttempts, DefaultLimits.MaxQAIterations)
}

func TestControllerPassDoesNotCount(t *testing.T) {
	c := Controller{Limits: DefaultLimits}
	cs := &pipeline.ChainState{QAAttempts: 2, Feedback: "old"}

	pass := pipeline.Result{Verification: &pipeline.VerificationResult{Passed: true}}
	require.NoError(t, c.Advance(cs, pipeline.PhaseVerification, pass))
	assert.Equal(t, 2, cs.QAAttempts)
	assert.Empty(t, cs.Feedback)
}

func TestControllerCountersContinueAfterResume(t *testing.T) {
	c := Controller{Limits: DefaultLimits}
	cs := &pipeline.ChainState{ReviewAttempts: 1}

	changes := pipeline.Result{Review: &pipeline.ReviewResult{Feedback: "rename"}}
	err := c.Advance(cs, pipeline.PhaseReview, changes)
	var rbe *RetryBudgetExhausted
	require.ErrorAs(t, err, &rbe)
	assert.Equal(t, LoopReview, rbe.Loop)
	assert.Equal(t, 2, rbe.Attempts)
	assert.Contains(t, rbe.Error(), "rename")
}

func TestControllerDiscovery(t *testing.T) {
	c := Controller{Limits: DefaultLimits}
	cs := &pipeline.ChainState{}

	assert.False(t, c.FinalDiscoveryRound(cs))
	require.NoError(t, c.Advance(cs, pipeline.PhaseDiscovery,
		pipeline.Result{Clarification: &pipeline.Clarification{Questions: "Which DB?"}}))
	assert.Equal(t, 1, cs.DiscoveryRounds)
	require.Len(t, cs.Clarifications, 1)
	assert.False(t, c.FinalDiscoveryRound(cs))

	cs.DiscoveryRounds = 2
	assert.True(t, c.FinalDiscoveryRound(cs))
}
