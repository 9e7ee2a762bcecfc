package parser

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Discovery returns the discovery parser. In the final round a request for
// clarification is rejected so the agent must commit to a brief.
func Discovery(finalRound bool) Parser {
	return discoveryParser{final: finalRound}
}

type discoveryParser struct {
	final bool
}

func (p discoveryParser) Parse(raw string) (pipeline.Result, error) {
	const phase = pipeline.PhaseDiscovery
	m, err := splitMarker(phase, raw, "DISCOVERY")
	if err != nil {
		return pipeline.Result{}, err
	}
	switch m.verdict {
	case "BRIEF":
		if m.hasDetail {
			return pipeline.Result{}, parseError(phase, raw, "BRIEF marker takes no detail")
		}
		if m.body == "" {
			return pipeline.Result{}, parseError(phase, raw, "brief is empty")
		}
		return pipeline.Result{Brief: &pipeline.ProjectBrief{Text: m.body}}, nil
	case "CLARIFY":
		if m.detail == "" {
			return pipeline.Result{}, parseError(phase, raw, "CLARIFY marker without questions")
		}
		if p.final {
			return pipeline.Result{}, parseError(phase, raw, "clarification requested in the final discovery round")
		}
		return pipeline.Result{Clarification: &pipeline.Clarification{Questions: m.detail}}, nil
	}
	return pipeline.Result{}, parseError(phase, raw, "unknown DISCOVERY verdict %q", m.verdict)
}

type analystParser struct{}

func (analystParser) Parse(raw string) (pipeline.Result, error) {
	const phase = pipeline.PhaseAnalyst
	m, err := splitMarker(phase, raw, "ANALYSIS")
	if err != nil {
		return pipeline.Result{}, err
	}
	if m.verdict != "COMPLETE" || m.hasDetail {
		return pipeline.Result{}, parseError(phase, raw, "want ANALYSIS: COMPLETE")
	}
	if m.body == "" {
		return pipeline.Result{}, parseError(phase, raw, "analysis is empty")
	}
	return pipeline.Result{Brief: &pipeline.ProjectBrief{Text: m.body}}, nil
}

// artifactParser handles the phases whose only product is text plus a
// completion marker.
type artifactParser struct {
	phase   pipeline.Phase
	keyword string
	verdict string
}

func (p artifactParser) Parse(raw string) (pipeline.Result, error) {
	m, err := splitMarker(p.phase, raw, p.keyword)
	if err != nil {
		return pipeline.Result{}, err
	}
	if m.verdict != p.verdict || m.hasDetail {
		return pipeline.Result{}, parseError(p.phase, raw, "want %s: %s", p.keyword, p.verdict)
	}
	return pipeline.Result{Artifact: &pipeline.Artifact{Phase: p.phase, Text: m.body}}, nil
}

type verificationParser struct{}

func (verificationParser) Parse(raw string) (pipeline.Result, error) {
	const phase = pipeline.PhaseVerification
	m, err := splitMarker(phase, raw, "VERIFICATION")
	if err != nil {
		return pipeline.Result{}, err
	}
	switch m.verdict {
	case "PASS":
		if m.hasDetail {
			return pipeline.Result{}, parseError(phase, raw, "PASS marker takes no reason")
		}
		return pipeline.Result{Verification: &pipeline.VerificationResult{Passed: true}}, nil
	case "FAIL":
		if m.detail == "" {
			return pipeline.Result{}, parseError(phase, raw, "FAIL marker without reason")
		}
		return pipeline.Result{Verification: &pipeline.VerificationResult{Passed: false, Feedback: m.detail}}, nil
	}
	return pipeline.Result{}, parseError(phase, raw, "unknown VERIFICATION verdict %q", m.verdict)
}

type reviewParser struct{}

func (reviewParser) Parse(raw string) (pipeline.Result, error) {
	const phase = pipeline.PhaseReview
	m, err := splitMarker(phase, raw, "REVIEW")
	if err != nil {
		return pipeline.Result{}, err
	}
	switch m.verdict {
	case "APPROVED":
		if m.hasDetail {
			return pipeline.Result{}, parseError(phase, raw, "APPROVED marker takes no feedback")
		}
		return pipeline.Result{Review: &pipeline.ReviewResult{Approved: true}}, nil
	case "CHANGES_REQUESTED":
		if m.detail == "" {
			return pipeline.Result{}, parseError(phase, raw, "CHANGES_REQUESTED marker without feedback")
		}
		return pipeline.Result{Review: &pipeline.ReviewResult{Approved: false, Feedback: m.detail}}, nil
	}
	return pipeline.Result{}, parseError(phase, raw, "unknown REVIEW verdict %q", m.verdict)
}

var locationLine = regexp.MustCompile(`(?m)^\s*LOCATION\s*:\s*(.+?)\s*$`)

type deliveryParser struct{}

func (deliveryParser) Parse(raw string) (pipeline.Result, error) {
	const phase = pipeline.PhaseDelivery
	m, err := splitMarker(phase, raw, "DELIVERY")
	if err != nil {
		return pipeline.Result{}, err
	}
	if m.verdict != "COMPLETE" || m.hasDetail {
		return pipeline.Result{}, parseError(phase, raw, "want DELIVERY: COMPLETE")
	}
	summary := &pipeline.BuildSummary{Text: m.body}
	if locs := locationLine.FindAllStringSubmatch(m.body, -1); len(locs) > 0 {
		summary.Location = locs[len(locs)-1][1]
		summary.Text = strings.TrimSpace(locationLine.ReplaceAllString(m.body, ""))
	}
	if summary.Text == "" {
		return pipeline.Result{}, parseError(phase, raw, "summary is empty")
	}
	return pipeline.Result{Summary: summary}, nil
}
