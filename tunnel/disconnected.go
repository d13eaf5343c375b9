package tunnel

// disconnectedState is the idle state with no tunnel and traffic unblocked.
type disconnectedState struct{}

func enterDisconnected(shared *SharedValues) (state, TransitionEvent) {
	if shared.BlockWhenDisconnected {
		return enterBlocked(shared, BlockedWhenDisconnected)
	}
	if err := shared.Firewall.Reset(); err != nil {
		shared.log.Error("failed to reset firewall policy: %v", err)
	}
	return disconnectedState{}, transition(Disconnected)
}

func (disconnectedState) wakeups() [2]<-chan struct{} { return [2]<-chan struct{}{} }

func (s disconnectedState) handleEvent(commands *queue[Command], shared *SharedValues) consequence {
	cmd, status := commands.tryRecv()
	switch status {
	case recvEmpty:
		return idle()
	case recvClosed:
		return finish()
	}

	shared.update(cmd)
	switch c := cmd.(type) {
	case BlockWhenDisconnected:
		if bool(c) {
			return moveTo(enterBlocked(shared, BlockedWhenDisconnected))
		}
	case Connect:
		return moveTo(enterConnecting(shared, 0))
	case Block:
		return moveTo(enterBlocked(shared, c.Reason))
	}
	return stay()
}
