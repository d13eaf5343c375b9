package tunnel

import "github.com/yllada/vpnd/firewall"

// blockedState drops all traffic until told otherwise.
type blockedState struct {
	reason BlockReason
}

func enterBlocked(shared *SharedValues, reason BlockReason) (state, TransitionEvent) {
	shared.log.Warn("blocking all traffic: %s", reason.Description())
	applyBlockedPolicy(shared)

	ev := transition(Blocked)
	ev.Reason = &reason
	return blockedState{reason: reason}, ev
}

func applyBlockedPolicy(shared *SharedValues) {
	policy := firewall.Policy{Kind: firewall.Blocked, AllowLAN: shared.AllowLAN}
	if err := shared.Firewall.Apply(policy); err != nil {
		shared.log.Error("failed to apply blocking firewall policy: %v", err)
	}
}

func (blockedState) wakeups() [2]<-chan struct{} { return [2]<-chan struct{}{} }

func (s blockedState) handleEvent(commands *queue[Command], shared *SharedValues) consequence {
	cmd, status := commands.tryRecv()
	switch status {
	case recvEmpty:
		return idle()
	case recvClosed:
		return finish()
	}

	shared.update(cmd)
	switch c := cmd.(type) {
	case AllowLAN:
		applyBlockedPolicy(shared)
	case BlockWhenDisconnected:
		if !bool(c) && s.reason == BlockedWhenDisconnected {
			return moveTo(enterDisconnected(shared))
		}
	case IsOffline:
		if !bool(c) && s.reason == IsOfflineReason {
			return moveTo(enterConnecting(shared, 0))
		}
	case Connect:
		return moveTo(enterConnecting(shared, 0))
	case Disconnect:
		return moveTo(enterDisconnected(shared))
	case Block:
		return moveTo(enterBlocked(shared, c.Reason))
	}
	return stay()
}
