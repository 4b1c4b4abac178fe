package mdns

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Record is an mDNS resource record. The cache-flush bit is kept apart
// from the class, so Class() is always the plain DNS class.
//
// Records are values: the With* methods return modified copies.
type Record struct {
	name       DomainName
	cacheFlush bool
	rr         dns.RR
}

// NewRecord wraps rr, splitting the cache-flush bit off its class.
func NewRecord(rr dns.RR) (Record, error) {
	if rr == nil {
		return Record{}, errors.Wrap(ErrInvalidArgument, "nil record")
	}
	rr = dns.Copy(rr)
	hdr := rr.Header()
	name, err := ParseDomainName(hdr.Name)
	if err != nil {
		return Record{}, err
	}
	if name.IsEmpty() {
		return Record{}, errors.Wrap(ErrInvalidDomainName, "record owned by the root")
	}
	flush := hdr.Class&classTopBit != 0
	hdr.Class &^= classTopBit
	hdr.Name = name.FQDN()
	hdr.Rdlength = 0
	return Record{name: name, cacheFlush: flush, rr: rr}, nil
}

func header(name DomainName, rrtype uint16, ttl time.Duration) dns.RR_Header {
	return dns.RR_Header{
		Name:   name.FQDN(),
		Rrtype: rrtype,
		Class:  dns.ClassINET,
		Ttl:    uint32(ttl / time.Second),
	}
}

// NewAddressRecord returns an A record for IPv4 addresses and an AAAA
// record otherwise.
func NewAddressRecord(name DomainName, ip net.IP) Record {
	if ip4 := ip.To4(); ip4 != nil {
		return Record{name: name, cacheFlush: true, rr: &dns.A{Hdr: header(name, dns.TypeA, HostRecordTTL), A: ip4}}
	}
	return Record{name: name, cacheFlush: true, rr: &dns.AAAA{Hdr: header(name, dns.TypeAAAA, HostRecordTTL), AAAA: ip.To16()}}
}

func NewPTRRecord(name, target DomainName) Record {
	return Record{name: name, rr: &dns.PTR{Hdr: header(name, dns.TypePTR, OtherRecordTTL), Ptr: target.FQDN()}}
}

func NewSRVRecord(name, target DomainName, port uint16) Record {
	return Record{name: name, cacheFlush: true, rr: &dns.SRV{
		Hdr:    header(name, dns.TypeSRV, HostRecordTTL),
		Port:   port,
		Target: target.FQDN(),
	}}
}

// NewTXTRecord keeps txt in order. An empty set is encoded as a single
// empty string, as DNS-SD requires.
func NewTXTRecord(name DomainName, txt []string) Record {
	if len(txt) == 0 {
		txt = []string{""}
	}
	return Record{name: name, cacheFlush: true, rr: &dns.TXT{
		Hdr: header(name, dns.TypeTXT, OtherRecordTTL),
		Txt: append([]string(nil), txt...),
	}}
}

func (r Record) Name() DomainName { return r.name }
func (r Record) Type() uint16     { return r.rr.Header().Rrtype }
func (r Record) Class() uint16    { return r.rr.Header().Class }
func (r Record) CacheFlush() bool { return r.cacheFlush }

func (r Record) TTL() time.Duration {
	return time.Duration(r.rr.Header().Ttl) * time.Second
}

// RR returns a copy of the underlying record, without the cache-flush bit.
func (r Record) RR() dns.RR {
	return dns.Copy(r.rr)
}

func (r Record) IsZero() bool { return r.rr == nil }

// IsShared reports whether several hosts may legitimately hold records
// with this name and type. Only PTR records are shared here.
func (r Record) IsShared() bool { return r.Type() == dns.TypePTR }

func (r Record) IsGoodbye() bool { return r.rr.Header().Ttl == 0 }

// Address is the rdata of an A or AAAA record, nil for other types.
func (r Record) Address() net.IP {
	switch rr := r.rr.(type) {
	case *dns.A:
		return rr.A
	case *dns.AAAA:
		return rr.AAAA
	}
	return nil
}

func (r Record) WithTTL(ttl time.Duration) Record {
	rr := dns.Copy(r.rr)
	rr.Header().Ttl = uint32(ttl / time.Second)
	return Record{name: r.name, cacheFlush: r.cacheFlush, rr: rr}
}

func (r Record) WithCacheFlush(flush bool) Record {
	return Record{name: r.name, cacheFlush: flush, rr: r.rr}
}

// Goodbye is the record with a zero TTL.
func (r Record) Goodbye() Record { return r.WithTTL(0) }

// Equal compares owner, type, class and rdata. TTL and the cache-flush bit
// are ignored.
func (r Record) Equal(o Record) bool {
	if r.rr == nil || o.rr == nil {
		return r.rr == nil && o.rr == nil
	}
	return r.name.Equal(o.name) && dns.IsDuplicate(r.rr, o.rr)
}

// SameRRSet reports whether both records have the same owner, type and class.
func (r Record) SameRRSet(o Record) bool {
	return r.name.Equal(o.name) && r.Type() == o.Type() && r.Class() == o.Class()
}

// Compare orders records by class, type, then rdata bytes, as probe
// tiebreaking requires.
func (r Record) Compare(o Record) int {
	switch {
	case r.Class() != o.Class():
		return cmpUint16(r.Class(), o.Class())
	case r.Type() != o.Type():
		return cmpUint16(r.Type(), o.Type())
	}
	return bytes.Compare(r.rdata(), o.rdata())
}

func cmpUint16(a, b uint16) int {
	if a < b {
		return -1
	}
	return 1
}

// rdata is the uncompressed wire form of the record data.
func (r Record) rdata() []byte {
	rr := dns.Copy(r.rr)
	buf := make([]byte, dns.Len(rr)+1)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil
	}
	return buf[off-int(rr.Header().Rdlength) : off]
}

// wire is the record as it goes into a message.
func (r Record) wire() dns.RR {
	rr := dns.Copy(r.rr)
	if r.cacheFlush {
		rr.Header().Class |= classTopBit
	}
	return rr
}

func (r Record) String() string {
	if r.rr == nil {
		return "<nil>"
	}
	flush := ""
	if r.cacheFlush {
		flush = " flush"
	}
	return fmt.Sprintf("%s%s", r.rr.String(), flush)
}

// Question is an mDNS question. Unicast is the QU bit: the asker wants
// the answer sent directly back to it.
type Question struct {
	Name    DomainName
	Type    uint16
	Class   uint16
	Unicast bool
}

func NewQuestion(name DomainName, qtype uint16) Question {
	return Question{Name: name, Type: qtype, Class: dns.ClassINET}
}

// Matches reports whether r answers q.
func (q Question) Matches(r Record) bool {
	if !q.Name.Equal(r.Name()) {
		return false
	}
	if q.Type != dns.TypeANY && q.Type != r.Type() {
		return false
	}
	return q.Class == dns.ClassANY || q.Class == r.Class()
}

func (q Question) wire() dns.Question {
	class := q.Class
	if q.Unicast {
		class |= classTopBit
	}
	return dns.Question{Name: q.Name.FQDN(), Qtype: q.Type, Qclass: class}
}

func (q Question) String() string {
	qu := ""
	if q.Unicast {
		qu = " QU"
	}
	return fmt.Sprintf("%s %s %s%s", q.Name, dns.ClassToString[q.Class], dns.TypeToString[q.Type], qu)
}
