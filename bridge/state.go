// Package bridge owns the single long-lived session against the external
// messaging service: its lifecycle state machine, recovery with bounded
// backoff, and the gate that serializes outward operations during recovery.
package bridge

// State is the connection lifecycle state. Exactly one live session exists
// per process, so there is exactly one State at any time.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateAwaitingScan
	StateAuthenticated
	StateReady
	StateDisconnected
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// EventType identifies a lifecycle event reported by the session driver.
type EventType int

const (
	EventInitialize EventType = iota
	EventQR
	EventAuthenticated
	EventReady
	EventDisconnected
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventInitialize:
		return "initialize"
	case EventQR:
		return "qr"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ReasonLogout marks a disconnect caused by an explicit logout on the
// external service. It invalidates the stored session instead of triggering
// recovery.
const ReasonLogout = "LOGOUT"

// Event is a lifecycle event with its payload.
type Event struct {
	Type   EventType
	Reason string // disconnect reason
	QR     string // pairing code payload
	Err    error
}

// Effect is a side effect the manager must apply after a transition.
type Effect int

const (
	// EffectEmitQR surfaces the pairing code to the operator.
	EffectEmitQR Effect = iota
	// EffectIgnoreQR drops a pairing code because a valid stored session
	// exists. Prevents spurious re-pairing prompts.
	EffectIgnoreQR
	// EffectInvalidateSession backs up and deletes the stored session blob.
	EffectInvalidateSession
	// EffectEnterReady resets the attempt counter, clears the contact cache
	// and persists the fresh session blob.
	EffectEnterReady
	// EffectStartRecovery triggers the reconnection controller.
	EffectStartRecovery
)

// Transition is the pure state machine. Given the current state, an event and
// whether a valid stored session exists, it returns the next state and the
// effects to apply. Events with no defined transition leave the state
// unchanged and produce no effects. StateFatal is absorbing.
func Transition(s State, ev Event, haveSession bool) (State, []Effect) {
	if s == StateFatal {
		return s, nil
	}

	switch ev.Type {
	case EventInitialize:
		if s == StateUninitialized || s == StateDisconnected {
			return StateConnecting, nil
		}

	case EventQR:
		switch s {
		case StateConnecting:
			if haveSession {
				return StateConnecting, []Effect{EffectIgnoreQR}
			}
			return StateAwaitingScan, []Effect{EffectEmitQR}
		case StateAwaitingScan:
			// refreshed pairing code
			return StateAwaitingScan, []Effect{EffectEmitQR}
		}

	case EventAuthenticated:
		if s == StateConnecting || s == StateAwaitingScan {
			return StateAuthenticated, nil
		}

	case EventReady:
		if s == StateAuthenticated {
			return StateReady, []Effect{EffectEnterReady}
		}

	case EventDisconnected:
		if s == StateReady || s == StateAuthenticated {
			if ev.Reason == ReasonLogout {
				return StateUninitialized, []Effect{EffectInvalidateSession}
			}
			return StateDisconnected, []Effect{EffectStartRecovery}
		}

	case EventError:
		return StateDisconnected, []Effect{EffectStartRecovery}
	}

	return s, nil
}
