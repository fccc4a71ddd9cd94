package queue

// State names one of the Redis structures a message can live in.
type State string

const (
	// StatePending holds messages ready for delivery (LIST).
	StatePending State = "pending"
	// StateActive holds leased messages being handled (ZSET scored by lease expiry).
	StateActive State = "active"
	// StateDelayed holds scheduled messages and retry backoffs (ZSET scored by due time).
	StateDelayed State = "delayed"
	// StateSucceeded holds completed messages until their retention lapses (ZSET).
	StateSucceeded State = "succeeded"
	// StateDead holds dead-lettered messages (LIST).
	StateDead State = "dead"
)

// AllStates lists every valid queue state in a stable order.
var AllStates = []State{StatePending, StateActive, StateDelayed, StateSucceeded, StateDead}

func (s State) String() string { return string(s) }

// ParseState converts a string into a State.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}
