package mdns

import (
	"net"
	"time"
)

const (
	Port = 5353 // mDNS assigned port

	// A Multicast DNS packet, including IP and UDP headers, must not exceed
	// 9000 bytes (RFC 6762, section 17). Messages are never put on the wire
	// beyond this size, whatever MaxWireSize() says.
	MaxMulticastMessageSize = 9000

	// TTLs from RFC 6762, section 10
	HostRecordTTL  = 120 * time.Second  // A, AAAA, SRV
	OtherRecordTTL = 4500 * time.Second // PTR, TXT

	// top bit of the class: cache-flush in records, unicast-response in questions
	classTopBit = 1 << 15
)

var (
	MulticastGroupIPv4 = net.IPv4(224, 0, 0, 251)
	MulticastGroupIPv6 = net.ParseIP("ff02::fb")

	MulticastSendIPv4Endpoint = &net.UDPAddr{IP: MulticastGroupIPv4, Port: Port}
	MulticastSendIPv6Endpoint = &net.UDPAddr{IP: MulticastGroupIPv6, Port: Port}
)

// Family is the IP family a Transport talks.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	}
	return "unknown"
}

// MulticastEndpoint is where multicast messages of this family go.
func (f Family) MulticastEndpoint() *net.UDPAddr {
	if f == IPv6 {
		return MulticastSendIPv6Endpoint
	}
	return MulticastSendIPv4Endpoint
}

// FamilyOf returns the family of ip.
func FamilyOf(ip net.IP) Family {
	if ip.To4() != nil {
		return IPv4
	}
	return IPv6
}
