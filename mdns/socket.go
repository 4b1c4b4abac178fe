package mdns

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Socket is the UDP Transport bound to the mDNS port on one interface.
type Socket struct {
	family Family
	iface  *net.Interface

	conn *net.UDPConn
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn

	client    TransportClient
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

func NewSocket(family Family, iface *net.Interface) *Socket {
	return &Socket{family: family, iface: iface, closed: make(chan struct{})}
}

func (s *Socket) Family() Family { return s.family }

func (s *Socket) Start(client TransportClient) error {
	network, group := "udp4", MulticastGroupIPv4
	bindAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(Port))
	if s.family == IPv6 {
		network, group = "udp6", MulticastGroupIPv6
		bindAddr = net.JoinHostPort("::", strconv.Itoa(Port))
	}
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), network, bindAddr)
	if err != nil {
		return errors.Wrapf(err, "binding %s %s", network, bindAddr)
	}
	s.conn = pc.(*net.UDPConn)

	if s.family == IPv4 {
		s.p4 = ipv4.NewPacketConn(s.conn)
		err = s.configure4(group)
	} else {
		s.p6 = ipv6.NewPacketConn(s.conn)
		err = s.configure6(group)
	}
	if err != nil {
		s.conn.Close()
		return errors.Wrapf(err, "joining %s on %s", group, s.ifaceName())
	}

	s.client = client
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

func (s *Socket) configure4(group net.IP) error {
	if err := s.p4.JoinGroup(s.iface, &net.UDPAddr{IP: group}); err != nil {
		return err
	}
	if s.iface != nil {
		if err := s.p4.SetMulticastInterface(s.iface); err != nil {
			return err
		}
	}
	if err := s.p4.SetMulticastTTL(255); err != nil {
		return err
	}
	return s.p4.SetMulticastLoopback(true)
}

func (s *Socket) configure6(group net.IP) error {
	if err := s.p6.JoinGroup(s.iface, &net.UDPAddr{IP: group}); err != nil {
		return err
	}
	if s.iface != nil {
		if err := s.p6.SetMulticastInterface(s.iface); err != nil {
			return err
		}
	}
	if err := s.p6.SetMulticastHopLimit(255); err != nil {
		return err
	}
	return s.p6.SetMulticastLoopback(true)
}

func (s *Socket) ifaceName() string {
	if s.iface == nil {
		return "default interface"
	}
	return s.iface.Name
}

func (s *Socket) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, MaxMulticastMessageSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.client.OnError(s, err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.client.OnRead(s, &Packet{Data: data, Source: src})
	}
}

func (s *Socket) SendMessage(packet []byte, dest *net.UDPAddr) {
	if s.conn == nil {
		return
	}
	if dest.IP.IsLinkLocalMulticast() && dest.Zone == "" && s.iface != nil && s.family == IPv6 {
		d := *dest
		d.Zone = s.iface.Name
		dest = &d
	}
	if _, err := s.conn.WriteToUDP(packet, dest); err != nil {
		s.client.OnSendError(s, errors.Wrapf(err, "sending %d bytes to %s", len(packet), dest))
	}
}

func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			err = s.conn.Close()
			s.wg.Wait()
		}
	})
	return err
}
