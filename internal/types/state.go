package types

// ChangeState represents the processing state of a single commit as it moves
// through the pipeline.
type ChangeState string

const (
	StateFetched           ChangeState = "fetched"            // Diff and contents loaded
	StateContextDiscovered ChangeState = "context_discovered" // Discovery engine ran
	StateContextFetched    ChangeState = "context_fetched"    // Context files resolved
	StateBatched           ChangeState = "batched"            // Batch plan built
	StateAnalyzed          ChangeState = "analyzed"           // Model analysis merged
	StateNotified          ChangeState = "notified"           // Notification sent
	StateMarked            ChangeState = "marked"             // Ledger write done (terminal)
	StateFailed            ChangeState = "failed"             // Unrecoverable error (terminal)
)

// IsValid checks if the change state value is valid
func (s ChangeState) IsValid() bool {
	switch s {
	case StateFetched, StateContextDiscovered, StateContextFetched, StateBatched,
		StateAnalyzed, StateNotified, StateMarked, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the state ends processing for the change.
func (s ChangeState) IsTerminal() bool {
	return s == StateMarked || s == StateFailed
}

// ValidTransitions defines the per-change state machine.
//
//	fetched → context_discovered → context_fetched → batched → analyzed → notified → marked
//	    ↓              ↓        ╲________________________↗ ↓          ↓         ↓
//	  failed         failed     (empty discovery result) failed     failed    failed
//
// The only skip allowed is context_discovered → batched, taken when discovery
// returns an empty required list. Failed changes are still force-marked by the
// orchestrator, but the state machine records them as failed.
func (s ChangeState) ValidTransitions() []ChangeState {
	switch s {
	case StateFetched:
		return []ChangeState{StateContextDiscovered, StateFailed}
	case StateContextDiscovered:
		return []ChangeState{StateContextFetched, StateBatched, StateFailed}
	case StateContextFetched:
		return []ChangeState{StateBatched, StateFailed}
	case StateBatched:
		return []ChangeState{StateAnalyzed, StateFailed}
	case StateAnalyzed:
		return []ChangeState{StateNotified, StateFailed}
	case StateNotified:
		return []ChangeState{StateMarked, StateFailed}
	case StateMarked, StateFailed:
		return []ChangeState{} // Terminal states
	default:
		return []ChangeState{}
	}
}

// CanTransitionTo checks if a transition from this state to the target state is valid
func (s ChangeState) CanTransitionTo(target ChangeState) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}
