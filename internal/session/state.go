package session

// State is the lifecycle position of a Session.
type State string

const (
	StateAbsent       State = "absent"
	StateConnecting   State = "connecting"
	StateAwaitingAuth State = "awaiting_authentication"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateAbsent:       {StateConnecting, StateFailed},
	StateConnecting:   {StateAwaitingAuth, StateReady, StateDisconnected, StateFailed},
	StateAwaitingAuth: {StateAwaitingAuth, StateReady, StateDisconnected, StateFailed},
	StateReady:        {StateDisconnected, StateFailed},
	StateDisconnected: {StateConnecting, StateFailed},
}

// CanTransition reports whether s may move to next. Failed is final.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Usable reports whether a registry entry in this state may be handed out
// instead of building a fresh session.
func (s State) Usable() bool {
	return s != StateFailed && s != StateDisconnected
}
