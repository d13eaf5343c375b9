package tunnel

import "fmt"

// ActionAfterDisconnect is the public summary of an AfterDisconnect.
type ActionAfterDisconnect int

const (
	ActionNothing ActionAfterDisconnect = iota
	ActionBlock
	ActionReconnect
)

func (a ActionAfterDisconnect) String() string {
	switch a {
	case ActionNothing:
		return "nothing"
	case ActionBlock:
		return "block"
	case ActionReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// MarshalText encodes the action by name for JSON.
func (a ActionAfterDisconnect) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an action name.
func (a *ActionAfterDisconnect) UnmarshalText(text []byte) error {
	for c := ActionNothing; c <= ActionReconnect; c++ {
		if c.String() == string(text) {
			*a = c
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", text)
}

// AfterDisconnect is what Disconnecting does once the teardown finishes.
// Reason is set for ActionBlock and RetryAttempt for ActionReconnect.
type AfterDisconnect struct {
	Action       ActionAfterDisconnect
	Reason       BlockReason
	RetryAttempt uint32
}

func afterNothing() AfterDisconnect { return AfterDisconnect{Action: ActionNothing} }

func afterBlock(reason BlockReason) AfterDisconnect {
	return AfterDisconnect{Action: ActionBlock, Reason: reason}
}

func afterReconnect(attempt uint32) AfterDisconnect {
	return AfterDisconnect{Action: ActionReconnect, RetryAttempt: attempt}
}

func (a AfterDisconnect) String() string {
	switch a.Action {
	case ActionBlock:
		return fmt.Sprintf("Block(%s)", a.Reason)
	case ActionReconnect:
		return fmt.Sprintf("Reconnect(%d)", a.RetryAttempt)
	default:
		return "Nothing"
	}
}

// next folds one command into the intent. A nil cmd means the command
// inbox was closed. Setting commands are applied to the shared values by
// the caller; here they only matter through IsOffline.
func (a AfterDisconnect) next(cmd Command) AfterDisconnect {
	switch a.Action {
	case ActionNothing:
		switch c := cmd.(type) {
		case Connect:
			return afterReconnect(0)
		case Block:
			return afterBlock(c.Reason)
		}
		return a

	case ActionBlock:
		switch c := cmd.(type) {
		case Connect:
			return afterReconnect(0)
		case Disconnect:
			// A block is not lifted by Disconnect.
			return a
		case Block:
			return afterBlock(c.Reason)
		case IsOffline:
			if !bool(c) && a.Reason == IsOfflineReason {
				return afterReconnect(0)
			}
		}
		return a

	case ActionReconnect:
		switch c := cmd.(type) {
		case Disconnect, nil:
			return afterNothing()
		case Block:
			return afterBlock(c.Reason)
		case IsOffline:
			if bool(c) {
				return afterBlock(IsOfflineReason)
			}
		}
		return a
	}
	return a
}
