package mdns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

type MessageType int

const (
	MessageTypeQuery MessageType = iota
	MessageTypeResponse
)

func (t MessageType) String() string {
	if t == MessageTypeResponse {
		return "response"
	}
	return "query"
}

// Message is a parsed or to-be-sent mDNS message.
type Message struct {
	ID         uint16
	Type       MessageType
	Truncated  bool
	Questions  []Question
	Answers    []Record
	Authority  []Record
	Additional []Record
}

func NewQuery(questions ...Question) *Message {
	return &Message{Type: MessageTypeQuery, Questions: questions}
}

func NewResponse(answers ...Record) *Message {
	return &Message{Type: MessageTypeResponse, Answers: answers}
}

// IsProbe reports whether m is a probe query: a query proposing records in
// its authority section.
func (m *Message) IsProbe() bool {
	return m.Type == MessageTypeQuery && len(m.Questions) > 0 && len(m.Authority) > 0
}

// Empty reports whether m carries nothing worth sending.
func (m *Message) Empty() bool {
	return len(m.Questions)+len(m.Answers)+len(m.Authority)+len(m.Additional) == 0
}

// MaxWireSize is the encoded size with name compression disabled, an upper
// bound for what Writer.Write produces.
func (m *Message) MaxWireSize() int {
	msg := m.toDNS()
	msg.Compress = false
	return msg.Len()
}

func (m *Message) toDNS() *dns.Msg {
	msg := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:        m.ID,
			Response:  m.Type == MessageTypeResponse,
			Truncated: m.Truncated,
			// responses are always authoritative in mDNS
			Authoritative: m.Type == MessageTypeResponse,
		},
		Compress: true,
	}
	for _, q := range m.Questions {
		msg.Question = append(msg.Question, q.wire())
	}
	msg.Answer = wireRecords(m.Answers)
	msg.Ns = wireRecords(m.Authority)
	msg.Extra = wireRecords(m.Additional)
	return msg
}

func wireRecords(records []Record) []dns.RR {
	if len(records) == 0 {
		return nil
	}
	rrs := make([]dns.RR, len(records))
	for i, r := range records {
		rrs[i] = r.wire()
	}
	return rrs
}

// ParseMessage decodes packet. Anything miekg/dns rejects, and any name
// it accepts but we cannot represent, yields ErrMalformedMessage.
func ParseMessage(packet []byte) (*Message, error) {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "%v", err)
	}
	if msg.Opcode != dns.OpcodeQuery {
		return nil, errors.Wrapf(ErrMalformedMessage, "opcode %d", msg.Opcode)
	}
	m := &Message{ID: msg.Id, Truncated: msg.Truncated}
	if msg.Response {
		m.Type = MessageTypeResponse
	}
	for _, q := range msg.Question {
		name, err := ParseDomainName(q.Name)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "question %q: %v", q.Name, err)
		}
		m.Questions = append(m.Questions, Question{
			Name:    name,
			Type:    q.Qtype,
			Class:   q.Qclass &^ classTopBit,
			Unicast: q.Qclass&classTopBit != 0,
		})
	}
	var err error
	if m.Answers, err = parseRecords(msg.Answer); err != nil {
		return nil, err
	}
	if m.Authority, err = parseRecords(msg.Ns); err != nil {
		return nil, err
	}
	if m.Additional, err = parseRecords(msg.Extra); err != nil {
		return nil, err
	}
	return m, nil
}

func parseRecords(rrs []dns.RR) ([]Record, error) {
	var records []Record
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		r, err := NewRecord(rr)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "record %q: %v", rr.Header().Name, err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s id=%d", m.Type, m.ID)
	if m.Truncated {
		b.WriteString(" truncated")
	}
	for _, q := range m.Questions {
		fmt.Fprintf(&b, " q:[%s]", q)
	}
	for _, section := range []struct {
		tag     string
		records []Record
	}{{"an", m.Answers}, {"ns", m.Authority}, {"ar", m.Additional}} {
		for _, r := range section.records {
			fmt.Fprintf(&b, " %s:[%s]", section.tag, r)
		}
	}
	return b.String()
}

// Writer encodes messages into a fixed buffer, never growing it.
type Writer struct {
	buf    []byte
	offset int
}

func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Write appends the compressed encoding of m. It returns false, leaving
// the buffer untouched, when the encoding does not fit in what is left.
func (w *Writer) Write(m *Message) bool {
	rest := w.buf[w.offset:]
	// PackBuffer only packs in place when given room for the uncompressed
	// form, otherwise it allocates, so the result is copied back.
	out, err := m.toDNS().PackBuffer(rest)
	if err != nil || len(out) > len(rest) {
		return false
	}
	w.offset += copy(rest, out)
	return true
}

func (w *Writer) Offset() int { return w.offset }

func (w *Writer) Bytes() []byte { return w.buf[:w.offset] }
