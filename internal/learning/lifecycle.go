package learning

import "fmt"

// Guards holds the lifecycle transition thresholds. The zero value is
// never used; call DefaultGuards and override selectively.
type Guards struct {
	// MinEvidence gates candidate → shadow.
	MinEvidence int

	// MaxContradictionRatio gates candidate → shadow.
	MaxContradictionRatio float64

	// Activation thresholds gate shadow → active and deprecated → active.
	ActivateEditDelta          float64
	ActivateHallucinationDelta float64
	ActivateInconsistencyDelta float64

	// Block thresholds trip active → blocked. Checked before the
	// demote thresholds so a bad rule goes straight to blocked,
	// never through deprecated.
	BlockHallucinationDelta float64
	BlockInconsistencyDelta float64

	// Demote thresholds pull active → deprecated.
	DemoteEditDelta            float64
	DemoteHallucinationDelta   float64
	DemoteInconsistencyDelta   float64
}

// DefaultGuards returns the production thresholds.
func DefaultGuards() Guards {
	return Guards{
		MinEvidence:                3,
		MaxContradictionRatio:      0.25,
		ActivateEditDelta:          -0.05,
		ActivateHallucinationDelta: 0.005,
		ActivateInconsistencyDelta: 0.005,
		BlockHallucinationDelta:    0.015,
		BlockInconsistencyDelta:    0.015,
		DemoteEditDelta:            0,
		DemoteHallucinationDelta:   0.005,
		DemoteInconsistencyDelta:   0.005,
	}
}

// nextState computes at most one automatic hop for a rule given its
// current evaluation window. It returns the unchanged state when no
// guard fires. When autoPromote is false every guard evaluates false:
// windows and scores are still computed, but the engine performs no
// automatic transitions.
func (g Guards) nextState(rule *RuleCandidate, window *EvaluationWindow, autoPromote bool) (LifecycleState, string) {
	state := rule.LifecycleState
	if !autoPromote {
		return state, ""
	}

	switch state {
	case StateCandidate:
		ratio := float64(rule.ContradictionCount) / float64(maxInt(1, rule.EvidenceCount))
		if rule.EvidenceCount >= g.MinEvidence && ratio < g.MaxContradictionRatio {
			return StateShadow, fmt.Sprintf("evidence_count=%d contradiction_ratio=%.3f", rule.EvidenceCount, ratio)
		}

	case StateShadow, StateDeprecated:
		if window == nil {
			return state, ""
		}
		if window.EditDelta <= g.ActivateEditDelta &&
			window.HallucinationDelta <= g.ActivateHallucinationDelta &&
			window.InconsistencyDelta <= g.ActivateInconsistencyDelta {
			return StateActive, fmt.Sprintf("edit_delta=%.3f hallucination_delta=%.4f inconsistency_delta=%.4f",
				window.EditDelta, window.HallucinationDelta, window.InconsistencyDelta)
		}

	case StateActive:
		if window == nil {
			return state, ""
		}
		// Safety trip first: a single bad window goes straight to
		// blocked, never through deprecated.
		if window.HallucinationDelta > g.BlockHallucinationDelta ||
			window.InconsistencyDelta > g.BlockInconsistencyDelta {
			return StateBlocked, fmt.Sprintf("safety trip: hallucination_delta=%.4f inconsistency_delta=%.4f",
				window.HallucinationDelta, window.InconsistencyDelta)
		}
		if window.EditDelta > g.DemoteEditDelta ||
			window.HallucinationDelta > g.DemoteHallucinationDelta ||
			window.InconsistencyDelta > g.DemoteInconsistencyDelta {
			return StateDeprecated, fmt.Sprintf("regression: edit_delta=%.3f hallucination_delta=%.4f inconsistency_delta=%.4f",
				window.EditDelta, window.HallucinationDelta, window.InconsistencyDelta)
		}

	case StateBlocked:
		// Terminal to automatic transitions.
	}
	return state, ""
}

// decisionTypeFor derives the decision name purely from the state pair.
func decisionTypeFor(prev, next LifecycleState) DecisionType {
	switch {
	case next == StateBlocked:
		return DecisionBlock
	case prev == StateCandidate && next == StateShadow:
		return DecisionPromote
	case prev == StateShadow && next == StateActive:
		return DecisionPromote
	case prev == StateDeprecated && next == StateActive:
		return DecisionResume
	case prev == StateActive && next == StateDeprecated:
		return DecisionDemote
	case prev == StateShadow && next == StateCandidate:
		return DecisionDemote
	case next == StateShadow:
		return DecisionForceShadow
	default:
		return DecisionRollback
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
