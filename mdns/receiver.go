package mdns

import (
	. "github.com/weaveworks/mdnsd/common"
)

// OnRead hands p to the runner. It may be called on any goroutine.
func (s *Service) OnRead(t Transport, p *Packet) {
	s.runner.PostTask(func() { s.handlePacket(t, p) })
}

func (s *Service) OnError(t Transport, err error) {
	Log.Warnf("[mdns] read error on %s transport: %v", t.Family(), err)
}

func (s *Service) OnSendError(t Transport, err error) {
	if sender := s.senders.forTransport(t); sender != nil {
		sender.OnSendError(t, err)
		return
	}
	Log.Warnf("[mdns] send error on unknown transport: %v", err)
}

func (s *Service) handlePacket(t Transport, p *Packet) {
	if s.closed {
		messagesDropped.WithLabelValues(dropClosed).Inc()
		return
	}
	sender := s.senders.forTransport(t)
	if sender == nil {
		return
	}
	if s.config.Observer != nil {
		s.config.Observer.ObservePacket(p.Source, t.Family().MulticastEndpoint(), p.Data)
	}
	msg, err := ParseMessage(p.Data)
	if err != nil {
		messagesDropped.WithLabelValues(dropMalformed).Inc()
		Log.Debugf("[mdns] dropping %d bytes from %s: %v", len(p.Data), p.Source, err)
		return
	}
	messagesReceived.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case MessageTypeQuery:
		s.prober.HandleProbe(msg)
		s.responder.HandleQuery(msg, p.Source, sender)
	case MessageTypeResponse:
		// RFC 6762 section 11: responses not from port 5353 are ignored
		if p.Source.Port != Port {
			messagesDropped.WithLabelValues(dropBadSource).Inc()
			Log.Debugf("[mdns] ignoring response from %s", p.Source)
			return
		}
		s.prober.HandleResponse(msg, p.Source.IP)
		s.querier.HandleResponse(msg)
	}
}
