package mdns

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	. "github.com/weaveworks/mdnsd/common"
)

// MessageSender encodes messages and hands them to one Transport.
type MessageSender struct {
	transport Transport
	observer  PacketObserver

	mu sync.Mutex
	// a failure the transport reported while a send was in progress
	sending bool
	sendErr error
}

func NewMessageSender(transport Transport, observer PacketObserver) *MessageSender {
	return &MessageSender{transport: transport, observer: observer}
}

func (s *MessageSender) Family() Family { return s.transport.Family() }

// SendMulticast sends m to the mDNS group of the transport's family.
func (s *MessageSender) SendMulticast(m *Message) error {
	return s.SendMessage(m, s.transport.Family().MulticastEndpoint())
}

// SendMessage encodes m into a buffer of min(m.MaxWireSize(),
// MaxMulticastMessageSize) bytes. Compression may make a message fit even
// when its uncompressed size is over the cap, so the write is always
// attempted. If it does not fit nothing is sent and ErrInsufficientBuffer
// is returned; otherwise exactly the encoded bytes go to the transport.
// A failure the transport reports before its SendMessage returns is
// returned too.
func (s *MessageSender) SendMessage(m *Message, dest *net.UDPAddr) error {
	size := m.MaxWireSize()
	if size > MaxMulticastMessageSize {
		size = MaxMulticastMessageSize
	}
	w := NewWriter(make([]byte, size))
	if !w.Write(m) {
		messagesDropped.WithLabelValues(dropTooLarge).Inc()
		return errors.Wrapf(ErrInsufficientBuffer, "%s to %s, %d bytes uncompressed", m.Type, dest, m.MaxWireSize())
	}
	packet := w.Bytes()
	if s.observer != nil {
		s.observer.ObservePacket(nil, dest, packet)
	}
	s.mu.Lock()
	s.sending, s.sendErr = true, nil
	s.mu.Unlock()
	s.transport.SendMessage(packet, dest)
	s.mu.Lock()
	err := s.sendErr
	s.sending, s.sendErr = false, nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	messagesSent.WithLabelValues(s.transport.Family().String()).Inc()
	return nil
}

// OnSendError records a transport failure. Nothing is retried here;
// probing and announcing repeat on their own schedule.
func (s *MessageSender) OnSendError(t Transport, err error) {
	s.mu.Lock()
	if s.sending {
		s.sendErr = err
	}
	s.mu.Unlock()
	sendErrors.WithLabelValues(t.Family().String()).Inc()
	Log.Warnf("[mdns] send error on %s transport: %v", t.Family(), err)
}

// senders fans messages out over every transport of a Service. A message
// counts as sent when at least one transport took it.
type senders []*MessageSender

func (ss senders) SendMulticast(m *Message) error {
	var firstErr error
	sent := false
	for _, s := range ss {
		if err := s.SendMulticast(m); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			sent = true
		}
	}
	if sent {
		return nil
	}
	return firstErr
}

func (ss senders) forTransport(t Transport) *MessageSender {
	for _, s := range ss {
		if s.transport == t {
			return s
		}
	}
	return nil
}
