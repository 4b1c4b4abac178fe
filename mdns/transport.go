package mdns

import "net"

// Packet is a datagram read from a Transport.
type Packet struct {
	Data   []byte
	Source *net.UDPAddr
}

// TransportClient receives what a Transport reads, and its failures. The
// callbacks may run on any goroutine.
type TransportClient interface {
	OnRead(t Transport, p *Packet)
	// OnError reports a failure to read; the transport keeps going.
	OnError(t Transport, err error)
	OnSendError(t Transport, err error)
}

// Transport is a bound UDP endpoint of one IP family.
type Transport interface {
	Family() Family
	// Start binds the endpoint and begins delivering packets to client.
	Start(client TransportClient) error
	// SendMessage sends packet to dest. Failures go to OnSendError.
	SendMessage(packet []byte, dest *net.UDPAddr)
	Close() error
}
