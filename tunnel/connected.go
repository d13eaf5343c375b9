package tunnel

import (
	"github.com/google/uuid"

	"github.com/yllada/vpnd/dns"
	"github.com/yllada/vpnd/firewall"
)

// connectedState holds an established tunnel. DNS points into it for as
// long as this state is current.
type connectedState struct {
	tunnel   *tunnelHandle
	params   Parameters
	session  uuid.UUID
	metadata Metadata
}

func enterConnected(shared *SharedValues, tunnel *tunnelHandle, params Parameters, session uuid.UUID, md Metadata) (state, TransitionEvent) {
	s := &connectedState{tunnel: tunnel, params: params, session: session, metadata: md}

	if err := s.applyPolicy(shared); err != nil {
		shared.log.Error("failed to apply firewall policy for connected state: %v", err)
		return enterDisconnecting(shared, tunnel, tunnel.exit, session, afterBlock(SetFirewallPolicyError))
	}

	servers := shared.dnsServers(md)
	if len(servers) == 0 {
		shared.log.Error("failed to set system DNS: %v", dns.ErrNoServers)
		return enterDisconnecting(shared, tunnel, tunnel.exit, session, afterBlock(SetDnsError))
	}
	if err := shared.DNS.Set(md.Interface, servers); err != nil {
		shared.log.Error("failed to set system DNS: %v", err)
		return enterDisconnecting(shared, tunnel, tunnel.exit, session, afterBlock(SetDnsError))
	}

	ev := sessionTransition(Connected, session)
	ev.Metadata = &md
	return s, ev
}

func (s *connectedState) applyPolicy(shared *SharedValues) error {
	return shared.Firewall.Apply(firewall.Policy{
		Kind:     firewall.Connected,
		Peer:     s.params.Endpoint,
		Protocol: s.params.Protocol,
		Tunnel:   s.metadata.Interface,
		AllowLAN: shared.AllowLAN,
	})
}

func (s *connectedState) wakeups() [2]<-chan struct{} {
	return [2]<-chan struct{}{s.tunnel.events.readyChan(), s.tunnel.exit.doneChan()}
}

// disconnect leaves Connected. DNS is reset on every way out.
func (s *connectedState) disconnect(shared *SharedValues, after AfterDisconnect) consequence {
	shared.resetDNS()
	return moveTo(enterDisconnecting(shared, s.tunnel, s.tunnel.exit, s.session, after))
}

func (s *connectedState) handleEvent(commands *queue[Command], shared *SharedValues) consequence {
	cmd, status := commands.tryRecv()
	switch status {
	case recvClosed:
		return s.disconnect(shared, afterNothing())
	case recvOK:
		shared.update(cmd)
		switch c := cmd.(type) {
		case AllowLAN:
			if err := s.applyPolicy(shared); err != nil {
				shared.log.Error("failed to apply firewall policy for connected state: %v", err)
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
		if ev.kind == tunnelDown {
			return s.disconnect(shared, afterReconnect(0))
		}
		return stay()
	}

	reason, ready, err := s.tunnel.exit.poll()
	if !ready {
		return idle()
	}
	shared.resetDNS()
	if reason != nil {
		return moveTo(enterBlocked(shared, *reason))
	}
	if err != nil {
		shared.log.Warn("tunnel monitor stopped unexpectedly: %v", err)
	}
	return moveTo(enterConnecting(shared, 0))
}
