package mdns

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// PacketObserver sees every mDNS payload a Service sends or accepts.
// src is nil for packets we send.
type PacketObserver interface {
	ObservePacket(src, dst *net.UDPAddr, payload []byte)
}

// PacketRecorder writes observed packets to a pcap stream as raw IP
// datagrams, so they can be opened in wireshark or tcpdump.
type PacketRecorder struct {
	sync.Mutex
	w   *pcapgo.Writer
	now func() time.Time
}

const captureSnaplen = 65536

func NewPacketRecorder(w io.Writer, now func() time.Time) (*PacketRecorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnaplen, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrap(err, "writing pcap header")
	}
	if now == nil {
		now = time.Now
	}
	return &PacketRecorder{w: pw, now: now}, nil
}

func (r *PacketRecorder) ObservePacket(src, dst *net.UDPAddr, payload []byte) {
	data, err := encapsulate(src, dst, payload)
	if err != nil {
		return
	}
	r.Lock()
	defer r.Unlock()
	r.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     r.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func encapsulate(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	family := FamilyOf(dst.IP)
	if src == nil {
		src = &net.UDPAddr{IP: net.IPv4zero, Port: Port}
		if family == IPv6 {
			src = &net.UDPAddr{IP: net.IPv6unspecified, Port: Port}
		}
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	var ip gopacket.SerializableLayer
	if family == IPv4 {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      255,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.IP.To4(),
			DstIP:    dst.IP.To4(),
		}
		udp.SetNetworkLayerForChecksum(ip4)
		ip = ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   255,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.IP.To16(),
			DstIP:      dst.IP.To16(),
		}
		udp.SetNetworkLayerForChecksum(ip6)
		ip = ip6
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
