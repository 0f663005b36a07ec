package syncer

import "github.com/colorfulnotion/lightsync/progress"

// State is the engine state machine position.
type State uint8

const (
	StateIdle State = iota
	StateFetching
	StateDecrypting
	StateApplying
	StateCheckpointing
	StateRollingBack
	StateComplete
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateFetching:      "fetching",
	StateDecrypting:    "decrypting",
	StateApplying:      "applying",
	StateCheckpointing: "checkpointing",
	StateRollingBack:   "rolling_back",
	StateComplete:      "complete",
	StateCancelled:     "cancelled",
	StateFailed:        "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// stage maps an engine state onto the coarse stage shown to observers.
func (s State) stage() (progress.Stage, bool) {
	switch s {
	case StateFetching:
		return progress.StageHeaders, true
	case StateDecrypting:
		return progress.StageNotes, true
	case StateApplying:
		return progress.StageWitness, true
	case StateCheckpointing, StateRollingBack:
		return progress.StageVerify, true
	case StateComplete:
		return progress.StageComplete, true
	}
	return 0, false
}
