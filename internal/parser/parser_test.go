package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

func requireParseError(t *testing.T, err error, phase pipeline.Phase) *ParseError {
	t.Helper()
	var pe *ParseError
	require.True(t, errors.As(err, &pe), "want *ParseError, got %v", err)
	assert.Equal(t, phase, pe.Phase)
	return pe
}

func TestVerification(t *testing.T) {
	r, err := Parse(pipeline.PhaseVerification, "ran go test ./...\nall green\nVERIFICATION: PASS")
	require.NoError(t, err)
	require.NotNil(t, r.Verification)
	assert.True(t, r.Verification.Passed)
	assert.Empty(t, r.Verification.Feedback)

	r, err = Parse(pipeline.PhaseVerification, "VERIFICATION: FAIL | disk full")
	require.NoError(t, err)
	assert.Equal(t, pipeline.VerificationResult{Passed: false, Feedback: "disk full"}, *r.Verification)
}

func TestVerification_WhitespaceTolerant(t *testing.T) {
	r, err := Parse(pipeline.PhaseVerification, "output\r\n  VERIFICATION :  FAIL|  2 tests failed: TestAdd, TestSub   \r\n\n\n")
	require.NoError(t, err)
	assert.False(t, r.Verification.Passed)
	assert.Equal(t, "2 tests failed: TestAdd, TestSub", r.Verification.Feedback)
}

func TestVerification_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":               "",
		"no marker":           "everything passed, trust me",
		"marker not last":     "VERIFICATION: PASS\nbut then I changed my mind",
		"lowercase":           "verification: pass",
		"fail without reason": "VERIFICATION: FAIL",
		"fail empty reason":   "VERIFICATION: FAIL |   ",
		"pass with reason":    "VERIFICATION: PASS | looks fine",
		"unknown verdict":     "VERIFICATION: MAYBE",
		"wrong keyword":       "REVIEW: APPROVED",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(pipeline.PhaseVerification, raw)
			requireParseError(t, err, pipeline.PhaseVerification)
		})
	}
}

func TestReview(t *testing.T) {
	r, err := Parse(pipeline.PhaseReview, "Looks solid.\nREVIEW: APPROVED")
	require.NoError(t, err)
	assert.True(t, r.Review.Approved)

	r, err = Parse(pipeline.PhaseReview, "Issues found.\nREVIEW: CHANGES_REQUESTED | handle nil input; add pagination")
	require.NoError(t, err)
	assert.False(t, r.Review.Approved)
	assert.Equal(t, "handle nil input; add pagination", r.Review.Feedback)

	_, err = Parse(pipeline.PhaseReview, "REVIEW: CHANGES_REQUESTED")
	requireParseError(t, err, pipeline.PhaseReview)
	_, err = Parse(pipeline.PhaseReview, "REVIEW: REJECTED | no")
	requireParseError(t, err, pipeline.PhaseReview)
}

func TestDiscovery(t *testing.T) {
	r, err := Discovery(false).Parse("Goal: a todo app\nUsers: me\nDISCOVERY: BRIEF")
	require.NoError(t, err)
	require.NotNil(t, r.Brief)
	assert.Equal(t, "Goal: a todo app\nUsers: me", r.Brief.Text)

	r, err = Discovery(false).Parse("DISCOVERY: CLARIFY | Web or CLI?; Which database?")
	require.NoError(t, err)
	require.NotNil(t, r.Clarification)
	assert.Equal(t, "Web or CLI?; Which database?", r.Clarification.Questions)

	_, err = Discovery(true).Parse("DISCOVERY: CLARIFY | Web or CLI?")
	pe := requireParseError(t, err, pipeline.PhaseDiscovery)
	assert.Contains(t, pe.Reason, "final")

	_, err = Discovery(false).Parse("DISCOVERY: BRIEF")
	requireParseError(t, err, pipeline.PhaseDiscovery)
}

func TestArtifactPhases(t *testing.T) {
	tests := []struct {
		phase  pipeline.Phase
		marker string
	}{
		{pipeline.PhaseArchitect, "DESIGN: COMPLETE"},
		{pipeline.PhaseTestWriter, "TESTS: WRITTEN"},
		{pipeline.PhaseDeveloper, "IMPLEMENTATION: COMPLETE"},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			r, err := Parse(tt.phase, "did the work\n"+tt.marker+"\n")
			require.NoError(t, err)
			require.NotNil(t, r.Artifact)
			assert.Equal(t, tt.phase, r.Artifact.Phase)
			assert.Equal(t, "did the work", r.Artifact.Text)

			_, err = Parse(tt.phase, "did the work")
			requireParseError(t, err, tt.phase)
		})
	}
}

func TestAnalyst(t *testing.T) {
	r, err := Parse(pipeline.PhaseAnalyst, "R1: add items\nANALYSIS: COMPLETE")
	require.NoError(t, err)
	assert.Equal(t, "R1: add items", r.Brief.Text)

	_, err = Parse(pipeline.PhaseAnalyst, "ANALYSIS: COMPLETE")
	requireParseError(t, err, pipeline.PhaseAnalyst)
}

func TestDelivery(t *testing.T) {
	raw := "Built a todo CLI.\nLOCATION: /home/me/.agentgate/workspaces/s1\nRun with `todo add`.\nDELIVERY: COMPLETE"
	r, err := Parse(pipeline.PhaseDelivery, raw)
	require.NoError(t, err)
	require.NotNil(t, r.Summary)
	assert.Equal(t, "/home/me/.agentgate/workspaces/s1", r.Summary.Location)
	assert.NotContains(t, r.Summary.Text, "LOCATION")
	assert.Contains(t, r.Summary.Text, "Built a todo CLI.")

	r, err = Parse(pipeline.PhaseDelivery, "Done.\nDELIVERY: COMPLETE")
	require.NoError(t, err)
	assert.Empty(t, r.Summary.Location)
}

func TestParseError_TailIsBounded(t *testing.T) {
	raw := strings.Repeat("x", 5000)
	_, err := Parse(pipeline.PhaseReview, raw)
	pe := requireParseError(t, err, pipeline.PhaseReview)
	assert.LessOrEqual(t, len(pe.Tail), tailLen+len("…"))
}

func TestFor_UnknownPhase(t *testing.T) {
	_, err := For("deploy")
	require.Error(t, err)
}
