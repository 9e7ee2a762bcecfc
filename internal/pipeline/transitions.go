package pipeline

// NextPhase returns the phase that follows the last completed one. done is
// true once delivery has completed.
func (cs *ChainState) NextPhase() (next Phase, done bool) {
	switch cs.Phase {
	case "":
		return PhaseDiscovery, false
	case PhaseDiscovery:
		if cs.Artifacts.Brief == nil {
			return PhaseDiscovery, false
		}
		return PhaseAnalyst, false
	case PhaseAnalyst:
		return PhaseArchitect, false
	case PhaseArchitect:
		return PhaseTestWriter, false
	case PhaseTestWriter:
		return PhaseDeveloper, false
	case PhaseDeveloper:
		return PhaseVerification, false
	case PhaseVerification:
		if v := cs.Artifacts.Verification; v != nil && v.Passed {
			return PhaseReview, false
		}
		return PhaseDeveloper, false
	case PhaseReview:
		if r := cs.Artifacts.Review; r != nil && r.Approved {
			return PhaseDelivery, false
		}
		return PhaseDeveloper, false
	}
	return "", true
}

// CanFollow reports whether next may run directly after prev. The order is
// linear apart from the discovery rounds and the two feedback cycles back to
// the developer.
func CanFollow(prev, next Phase) bool {
	switch prev {
	case "":
		return next == PhaseDiscovery
	case PhaseDiscovery:
		return next == PhaseDiscovery || next == PhaseAnalyst
	case PhaseAnalyst:
		return next == PhaseArchitect
	case PhaseArchitect:
		return next == PhaseTestWriter
	case PhaseTestWriter:
		return next == PhaseDeveloper
	case PhaseDeveloper:
		return next == PhaseVerification
	case PhaseVerification:
		return next == PhaseDeveloper || next == PhaseReview
	case PhaseReview:
		return next == PhaseDeveloper || next == PhaseDelivery
	}
	return false
}
