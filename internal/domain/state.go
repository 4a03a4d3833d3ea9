package domain

type State string

const (
	StateQueued      State = "QUEUED"
	StateDownloading State = "DOWNLOADING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
	StatePaused      State = "PAUSED"
)

// transitions lists the allowed item state changes. COMPLETED and CANCELLED are
// terminal. QUEUED->COMPLETED happens when the files already exist on disk.
var transitions = map[State][]State{
	StateQueued:      {StateDownloading, StatePaused, StateCancelled, StateCompleted},
	StateDownloading: {StateCompleted, StateFailed, StateCancelled, StatePaused},
	StatePaused:      {StateQueued, StateCancelled},
	StateFailed:      {StateQueued},
}

// CanTransition reports whether an item may move from one state to another.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

func (s State) IsActive() bool {
	return s == StateDownloading
}

// IsFinished reports whether no further work will happen without caller action.
func (s State) IsFinished() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}
