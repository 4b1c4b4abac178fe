// Package multicast simulates a link carrying mDNS traffic between
// several Services in one test process.
package multicast

import (
	"net"
	"sync"

	"github.com/weaveworks/mdnsd/mdns"
)

// SentPacket is a packet some Transport put on the link.
type SentPacket struct {
	Source *net.UDPAddr
	Dest   *net.UDPAddr
	Data   []byte
}

// Network delivers multicast packets to every started transport of the
// same family, the sender included, and unicast packets to the transport
// owning the destination address. Delivery is synchronous: the receiving
// Service only posts a task to its runner.
type Network struct {
	sync.Mutex
	transports []*Transport
	sent       []SentPacket
	// Drop, when set, discards the packets it returns true for.
	Drop func(p SentPacket) bool
}

func NewNetwork() *Network {
	return &Network{}
}

// NewTransport attaches a host with address addr. The family follows addr.
func (n *Network) NewTransport(addr net.IP) *Transport {
	t := &Transport{network: n, family: mdns.FamilyOf(addr), addr: addr, port: mdns.Port}
	n.Lock()
	n.transports = append(n.transports, t)
	n.Unlock()
	return t
}

// Sent returns every packet sent so far.
func (n *Network) Sent() []SentPacket {
	n.Lock()
	defer n.Unlock()
	return append([]SentPacket(nil), n.sent...)
}

func (n *Network) ClearSent() {
	n.Lock()
	n.sent = nil
	n.Unlock()
}

// Messages parses every sent packet, skipping those that do not parse.
func (n *Network) Messages() []*mdns.Message {
	var msgs []*mdns.Message
	for _, p := range n.Sent() {
		if msg, err := mdns.ParseMessage(p.Data); err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (n *Network) send(from *Transport, packet []byte, dest *net.UDPAddr) {
	data := append([]byte(nil), packet...)
	p := SentPacket{Source: from.source(), Dest: dest, Data: data}
	n.Lock()
	n.sent = append(n.sent, p)
	drop := n.Drop != nil && n.Drop(p)
	var receivers []*Transport
	if !drop {
		for _, t := range n.transports {
			if t.family != from.family || !t.listening() {
				continue
			}
			if dest.IP.IsMulticast() || dest.IP.Equal(t.addr) {
				receivers = append(receivers, t)
			}
		}
	}
	n.Unlock()
	for _, t := range receivers {
		t.deliver(data, p.Source)
	}
}

// Transport is one host's end of a Network.
type Transport struct {
	network *Network
	family  mdns.Family
	addr    net.IP
	port    int

	mu       sync.Mutex
	client   mdns.TransportClient
	closed   bool
	startErr error
	sendErr  error
}

func (t *Transport) Family() mdns.Family { return t.family }

func (t *Transport) Addr() net.IP { return t.addr }

// SetSourcePort makes packets from t come from port, as a legacy querier's
// would.
func (t *Transport) SetSourcePort(port int) {
	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
}

// FailStart makes Start return err.
func (t *Transport) FailStart(err error) {
	t.mu.Lock()
	t.startErr = err
	t.mu.Unlock()
}

// FailSends reports err for every send until called with nil. Failed
// packets never reach the link.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *Transport) Start(client mdns.TransportClient) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.client = client
	t.closed = false
	return nil
}

func (t *Transport) SendMessage(packet []byte, dest *net.UDPAddr) {
	t.mu.Lock()
	client, err := t.client, t.sendErr
	t.mu.Unlock()
	if err != nil {
		if client != nil {
			client.OnSendError(t, err)
		}
		return
	}
	t.network.send(t, packet, dest)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Inject delivers data to t as if src had sent it.
func (t *Transport) Inject(data []byte, src *net.UDPAddr) {
	t.deliver(data, src)
}

func (t *Transport) source() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &net.UDPAddr{IP: t.addr, Port: t.port}
}

func (t *Transport) listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && !t.closed
}

func (t *Transport) deliver(data []byte, src *net.UDPAddr) {
	t.mu.Lock()
	client, closed := t.client, t.closed
	t.mu.Unlock()
	if client == nil || closed {
		return
	}
	client.OnRead(t, &mdns.Packet{Data: append([]byte(nil), data...), Source: src})
}
