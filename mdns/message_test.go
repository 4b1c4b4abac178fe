package mdns

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	testService  = MustDomainName("_http", "_tcp", "local")
	testInstance = MustDomainName("printer", "_http", "_tcp", "local")
	testHost     = MustDomainName("host-a", "local")
)

func encode(t *testing.T, m *Message) []byte {
	w := NewWriter(make([]byte, m.MaxWireSize()))
	require.True(t, w.Write(m))
	return w.Bytes()
}

func TestRecordEqualityIgnoresTTLAndFlush(t *testing.T) {
	a := NewAddressRecord(testHost, net.ParseIP("10.0.0.1"))
	require.Equal(t, dns.TypeA, a.Type())
	require.True(t, a.CacheFlush())
	require.Equal(t, HostRecordTTL, a.TTL())

	require.True(t, a.Equal(a.WithTTL(0)))
	require.True(t, a.Equal(a.WithCacheFlush(false)))
	require.True(t, a.Goodbye().IsGoodbye())
	require.False(t, a.IsGoodbye())
	require.False(t, a.Equal(NewAddressRecord(testHost, net.ParseIP("10.0.0.2"))))
	require.True(t, a.SameRRSet(NewAddressRecord(testHost, net.ParseIP("10.0.0.2"))))

	upper := NewAddressRecord(MustDomainName("HOST-A", "local"), net.ParseIP("10.0.0.1"))
	require.True(t, a.Equal(upper))

	v6 := NewAddressRecord(testHost, net.ParseIP("fe80::1"))
	require.Equal(t, dns.TypeAAAA, v6.Type())

	ptr := NewPTRRecord(testService, testInstance)
	require.True(t, ptr.IsShared())
	require.False(t, ptr.CacheFlush())
	require.Equal(t, OtherRecordTTL, ptr.TTL())
}

func TestRecordCompare(t *testing.T) {
	low := NewAddressRecord(testInstance, net.ParseIP("10.0.0.1"))
	high := NewAddressRecord(testInstance, net.ParseIP("10.0.0.2"))
	require.Equal(t, -1, low.Compare(high))
	require.Equal(t, 1, high.Compare(low))
	require.Equal(t, 0, low.Compare(low.WithTTL(time.Second)))

	// type sorts before rdata: A (1) before AAAA (28)
	v6 := NewAddressRecord(testInstance, net.ParseIP("::1"))
	require.Equal(t, -1, high.Compare(v6))

	require.Equal(t, -1, compareRecordSets([]Record{low}, []Record{high}))
	require.Equal(t, 0, compareRecordSets([]Record{low, high}, []Record{high, low}))
	require.Equal(t, -1, compareRecordSets([]Record{low}, []Record{low, high}))
}

func TestMessageRoundTripKeepsFlagBits(t *testing.T) {
	q := NewQuestion(testInstance, dns.TypeANY)
	q.Unicast = true
	msg := NewQuery(q)
	msg.ID = 77
	msg.Authority = []Record{NewAddressRecord(testInstance, net.ParseIP("10.0.0.1"))}
	require.True(t, msg.IsProbe())

	parsed, err := ParseMessage(encode(t, msg))
	require.NoError(t, err)
	require.Equal(t, MessageTypeQuery, parsed.Type)
	require.Equal(t, uint16(77), parsed.ID)
	require.True(t, parsed.IsProbe())
	require.True(t, parsed.Questions[0].Unicast)
	require.Equal(t, uint16(dns.ClassINET), parsed.Questions[0].Class)
	require.True(t, parsed.Authority[0].CacheFlush())
	require.Equal(t, uint16(dns.ClassINET), parsed.Authority[0].Class())
	require.True(t, parsed.Authority[0].Equal(msg.Authority[0]))

	resp := NewResponse(NewPTRRecord(testService, testInstance), NewSRVRecord(testInstance, testHost, 8080))
	resp.Additional = []Record{NewTXTRecord(testInstance, nil)}
	parsed, err = ParseMessage(encode(t, resp))
	require.NoError(t, err)
	require.Equal(t, MessageTypeResponse, parsed.Type)
	require.False(t, parsed.Answers[0].CacheFlush())
	require.True(t, parsed.Answers[1].CacheFlush())
	require.True(t, parsed.Answers[0].Equal(resp.Answers[0]))
	require.Equal(t, []string{""}, parsed.Additional[0].RR().(*dns.TXT).Txt)
}

func TestParseMessageMalformed(t *testing.T) {
	for _, packet := range [][]byte{
		nil,
		{0, 1, 2},
		// question name cut short
		{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 5, 'a'},
	} {
		_, err := ParseMessage(packet)
		require.Equal(t, ErrMalformedMessage, errors.Cause(err))
	}
}

func TestWriterExactLength(t *testing.T) {
	msg := NewResponse(NewPTRRecord(testService, testInstance))
	w := NewWriter(make([]byte, 1024))
	require.True(t, w.Write(msg))
	packed, err := msg.toDNS().Pack()
	require.NoError(t, err)
	require.Equal(t, len(packed), w.Offset())
	require.Len(t, w.Bytes(), w.Offset())

	tight := NewWriter(make([]byte, w.Offset()-1))
	require.False(t, tight.Write(msg))
	require.Equal(t, 0, tight.Offset())
}

// sharedNameResponse has records whose long names mostly compress away.
func sharedNameResponse(n int) *Message {
	service := MustDomainName(
		strings.Repeat("s", 60), strings.Repeat("e", 60), strings.Repeat("r", 60), "_tcp", "local")
	msg := NewResponse()
	for i := 0; i < n; i++ {
		instance, _ := service.Prepend(fmt.Sprintf("instance-%d", i))
		msg.Answers = append(msg.Answers, NewPTRRecord(service, instance))
	}
	return msg
}

func TestMaxWireSizeIsUncompressed(t *testing.T) {
	msg := sharedNameResponse(200)
	w := NewWriter(make([]byte, MaxMulticastMessageSize))
	require.True(t, w.Write(msg))
	require.Greater(t, msg.MaxWireSize(), 5*MaxMulticastMessageSize)
	require.Less(t, w.Offset(), MaxMulticastMessageSize)
}
