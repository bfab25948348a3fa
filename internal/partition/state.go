package partition

import "fmt"

// State is the lifecycle state of a partition.
//
//	Seeded → Expanding → Frozen | Aborted
//	Frozen → MergedAway (decided by the scheduler or resolver)
type State int

const (
	StateSeeded State = iota
	StateExpanding
	StateFrozen
	StateMergedAway
	StateAborted
)

var stateNames = [...]string{
	StateSeeded:     "seeded",
	StateExpanding:  "expanding",
	StateFrozen:     "frozen",
	StateMergedAway: "merged_away",
	StateAborted:    "aborted",
}

// String returns the state's wire name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether the worker for this state has finished.
func (s State) IsTerminal() bool {
	return s == StateFrozen || s == StateMergedAway || s == StateAborted
}

// IsActive reports whether the partition still owns a running worker.
func (s State) IsActive() bool {
	return s == StateSeeded || s == StateExpanding
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown partition state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown partition state %q", text)
}
