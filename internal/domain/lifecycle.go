package domain

// positionTransitions enumerates every legal position state change. Anything
// outside this table is rejected with ErrInvalidTransition, which keeps the
// store from ever holding a non-enumerated state.
var positionTransitions = map[PositionState][]PositionState{
	PositionOpening:       {PositionOpen, PositionFailed},
	PositionOpen:          {PositionActionPending, PositionClosing, PositionFailed},
	PositionActionPending: {PositionOpen, PositionClosing, PositionClosed, PositionFailed},
	PositionClosing:       {PositionOpen, PositionClosed, PositionFailed},
	PositionClosed:        {},
	PositionFailed:        {},
}

// ValidTransition reports whether a position may move from one state to
// another.
func ValidTransition(from, to PositionState) bool {
	for _, allowed := range positionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
