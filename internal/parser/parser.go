// Package parser turns an agent's free-text output into the typed result of
// its phase. Every phase ends its output with a marker line; the text above
// the marker is the phase's body.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Parser converts one phase's raw output into a typed result.
type Parser interface {
	Parse(raw string) (pipeline.Result, error)
}

// ParseError reports a missing or malformed marker. Callers count it against
// the same retry budget as an execution failure.
type ParseError struct {
	Phase  pipeline.Phase
	Reason string
	Tail   string // end of the raw output, for diagnostics
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output: %s", e.Phase, e.Reason)
}

// tailLen caps how much raw output a ParseError retains.
const tailLen = 240

func parseError(phase pipeline.Phase, raw, format string, args ...any) *ParseError {
	tail := strings.TrimSpace(raw)
	if len(tail) > tailLen {
		tail = "…" + tail[len(tail)-tailLen:]
	}
	return &ParseError{Phase: phase, Reason: fmt.Sprintf(format, args...), Tail: tail}
}

// markerLine matches "KEYWORD: VERDICT" with an optional "| detail".
var markerLine = regexp.MustCompile(`^([A-Z]+)\s*:\s*([A-Z_]+)\s*(?:\|\s*(.*?))?\s*$`)

// marker is a decoded marker line.
type marker struct {
	keyword   string
	verdict   string
	detail    string
	hasDetail bool
	body      string // text above the marker
}

// splitMarker finds the last non-empty line and decodes it.
func splitMarker(phase pipeline.Phase, raw, keyword string) (marker, error) {
	text := strings.TrimRight(strings.ReplaceAll(raw, "\r\n", "\n"), " \t\n")
	if text == "" {
		return marker{}, parseError(phase, raw, "empty output")
	}
	body, last := "", text
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		body, last = text[:i], text[i+1:]
	}
	m := markerLine.FindStringSubmatch(strings.TrimSpace(last))
	if m == nil || m[1] != keyword {
		return marker{}, parseError(phase, raw, "missing %s marker on final line", keyword)
	}
	return marker{
		keyword:   m[1],
		verdict:   m[2],
		detail:    strings.TrimSpace(m[3]),
		hasDetail: strings.Contains(last, "|"),
		body:      strings.TrimSpace(body),
	}, nil
}

// For returns the parser for phase. Discovery gets the non-final-round
// parser; use Discovery to choose.
func For(phase pipeline.Phase) (Parser, error) {
	switch phase {
	case pipeline.PhaseDiscovery:
		return Discovery(false), nil
	case pipeline.PhaseAnalyst:
		return analystParser{}, nil
	case pipeline.PhaseArchitect:
		return artifactParser{phase: phase, keyword: "DESIGN", verdict: "COMPLETE"}, nil
	case pipeline.PhaseTestWriter:
		return artifactParser{phase: phase, keyword: "TESTS", verdict: "WRITTEN"}, nil
	case pipeline.PhaseDeveloper:
		return artifactParser{phase: phase, keyword: "IMPLEMENTATION", verdict: "COMPLETE"}, nil
	case pipeline.PhaseVerification:
		return verificationParser{}, nil
	case pipeline.PhaseReview:
		return reviewParser{}, nil
	case pipeline.PhaseDelivery:
		return deliveryParser{}, nil
	}
	return nil, fmt.Errorf("no parser for phase %q", phase)
}

// Parse parses raw with the parser for phase.
func Parse(phase pipeline.Phase, raw string) (pipeline.Result, error) {
	p, err := For(phase)
	if err != nil {
		return pipeline.Result{}, err
	}
	return p.Parse(raw)
}

// Func adapts a function to Parser.
type Func func(raw string) (pipeline.Result, error)

// Parse calls f.
func (f Func) Parse(raw string) (pipeline.Result, error) { return f(raw) }
