package imap

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateNotAuthenticated
	StateAuthenticated
	StateSelected
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNotAuthenticated:
		return "not authenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateLoggedOut:
		return "logged out"
	}
	return "unknown"
}

// closed reports whether no command can be sent in s.
func (s State) closed() bool {
	return s == StateDisconnected || s == StateLoggedOut
}

var (
	anyOpenState  = []State{StateNotAuthenticated, StateAuthenticated, StateSelected}
	notAuthState  = []State{StateNotAuthenticated}
	authedStates  = []State{StateAuthenticated, StateSelected}
	selectedState = []State{StateSelected}
)

// commandStates lists the states each command verb may be issued in.
var commandStates = map[string][]State{
	"CAPABILITY":   anyOpenState,
	"NOOP":         anyOpenState,
	"LOGOUT":       anyOpenState,
	"STARTTLS":     notAuthState,
	"LOGIN":        notAuthState,
	"AUTHENTICATE": notAuthState,
	"SELECT":       authedStates,
	"EXAMINE":      authedStates,
	"CREATE":       authedStates,
	"DELETE":       authedStates,
	"RENAME":       authedStates,
	"LIST":         authedStates,
	"STATUS":       authedStates,
	"UID FETCH":    selectedState,
	"UID SEARCH":   selectedState,
}

// checkState returns the error a command verb gets in state s, or nil when
// the command may be sent.
func checkState(s State, verb string) error {
	if s.closed() {
		return ErrSessionClosed
	}
	allowed, ok := commandStates[verb]
	if !ok {
		allowed = authedStates
	}
	for _, a := range allowed {
		if a == s {
			return nil
		}
	}
	return &InvalidStateError{Command: verb, State: s}
}

// nextState is the state after a command completed with status typ.
func nextState(s State, verb string, typ StatusType) State {
	switch verb {
	case "LOGIN", "AUTHENTICATE":
		if typ == StatusOK {
			return StateAuthenticated
		}
	case "SELECT", "EXAMINE":
		if typ == StatusOK {
			return StateSelected
		}
		// A failed SELECT deselects whatever was selected before.
		return StateAuthenticated
	case "LOGOUT":
		return StateLoggedOut
	}
	return s
}
