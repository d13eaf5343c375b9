package tunnel

import "github.com/google/uuid"

// disconnectingState waits for a tunnel teardown while folding commands
// into what happens afterwards.
type disconnectingState struct {
	exit           *completion
	after          AfterDisconnect
	commandsClosed bool
}

func enterDisconnecting(shared *SharedValues, closer CloseHandle, exit *completion, session uuid.UUID, after AfterDisconnect) (state, TransitionEvent) {
	log := shared.log
	go func() {
		if err := closer.Close(); err != nil {
			log.Error("failed to close the tunnel: %v", err)
		}
	}()

	ev := sessionTransition(Disconnecting, session)
	action := after.Action
	ev.After = &action
	return &disconnectingState{exit: exit, after: after}, ev
}

func (s *disconnectingState) wakeups() [2]<-chan struct{} {
	return [2]<-chan struct{}{s.exit.doneChan(), nil}
}

func (s *disconnectingState) handleEvent(commands *queue[Command], shared *SharedValues) consequence {
	if !s.commandsClosed {
		cmd, status := commands.tryRecv()
		switch status {
		case recvOK:
			shared.update(cmd)
			s.after = s.after.next(cmd)
			return stay()
		case recvClosed:
			s.after = s.after.next(nil)
			s.commandsClosed = true
			return stay()
		}
	}

	reason, ready, err := s.exit.poll()
	if !ready {
		return idle()
	}
	if err != nil {
		shared.log.Warn("tunnel exit not reported: %v", err)
	}
	return moveTo(s.resolve(shared, reason))
}

// resolve picks the successor. A reason from the teardown itself wins over
// anything the commands asked for.
func (s *disconnectingState) resolve(shared *SharedValues, reason *BlockReason) (state, TransitionEvent) {
	if reason != nil {
		return enterBlocked(shared, *reason)
	}
	switch s.after.Action {
	case ActionBlock:
		return enterBlocked(shared, s.after.Reason)
	case ActionReconnect:
		return enterConnecting(shared, s.after.RetryAttempt)
	default:
		return enterDisconnected(shared)
	}
}
