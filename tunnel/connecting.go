package tunnel

import (
	"errors"

	"github.com/google/uuid"

	"github.com/yllada/vpnd/firewall"
)

// connectingState waits for a launched tunnel to come up.
type connectingState struct {
	tunnel  *tunnelHandle
	params  Parameters
	attempt uint32
	session uuid.UUID
}

func enterConnecting(shared *SharedValues, attempt uint32) (state, TransitionEvent) {
	if shared.IsOffline {
		return enterBlocked(shared, IsOfflineReason)
	}

	params, err := shared.Launcher.Parameters(attempt)
	if err != nil {
		shared.log.Error("failed to get tunnel parameters: %v", err)
		if errors.Is(err, ErrNoTunnelParameters) {
			return enterBlocked(shared, NoMatchingRelay)
		}
		return enterBlocked(shared, StartTunnelError)
	}

	if err := applyConnectingPolicy(shared, params); err != nil {
		shared.log.Error("failed to apply firewall policy for connecting state: %v", err)
		return enterBlocked(shared, SetFirewallPolicyError)
	}

	s := &connectingState{
		params:  params,
		attempt: attempt,
		session: uuid.New(),
	}
	s.tunnel = startTunnel(shared.Launcher, params, shared.Backoff.Delay(attempt), shared.CloseTimeout, shared.log)

	ev := sessionTransition(Connecting, s.session)
	ev.Attempt = attempt
	return s, ev
}

func applyConnectingPolicy(shared *SharedValues, params Parameters) error {
	return shared.Firewall.Apply(firewall.Policy{
		Kind:     firewall.Connecting,
		Peer:     params.Endpoint,
		Protocol: params.Protocol,
		AllowLAN: shared.AllowLAN,
	})
}

func (s *connectingState) wakeups() [2]<-chan struct{} {
	return [2]<-chan struct{}{s.tunnel.events.readyChan(), s.tunnel.exit.doneChan()}
}

func (s *connectingState) disconnect(shared *SharedValues, after AfterDisconnect) consequence {
	return moveTo(enterDisconnecting(shared, s.tunnel, s.tunnel.exit, s.session, after))
}

func (s *connectingState) handleEvent(commands *queue[Command], shared *SharedValues) consequence {
	cmd, status := commands.tryRecv()
	switch status {
	case recvClosed:
		return s.disconnect(shared, afterNothing())
	case recvOK:
		shared.update(cmd)
		switch c := cmd.(type) {
		case AllowLAN:
			if err := applyConnectingPolicy(shared, s.params); err != nil {
				shared.log.Error("failed to apply firewall policy for connecting state: %v", err)
				return s.disconnect(shared, afterBlock(SetFirewallPolicyError))
			}
		case IsOffline:
			if bool(c) {
				return s.disconnect(shared, afterBlock(IsOfflineReason))
			}
		case Disconnect:
			return s.disconnect(shared, afterNothing())
		case Block:
			return s.disconnect(shared, afterBlock(c.Reason))
		}
		return stay()
	}

	if ev, st := s.tunnel.events.tryRecv(); st == recvOK {
		if ev.kind == tunnelUp {
			return moveTo(enterConnected(shared, s.tunnel, s.params, s.session, ev.metadata))
		}
		return stay()
	}

	reason, ready, err := s.tunnel.exit.poll()
	if !ready {
		return idle()
	}
	if reason != nil {
		return moveTo(enterBlocked(shared, *reason))
	}
	if err != nil {
		shared.log.Warn("tunnel monitor stopped unexpectedly: %v", err)
	}
	return moveTo(enterConnecting(shared, s.attempt+1))
}
