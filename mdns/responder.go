package mdns

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	. "github.com/weaveworks/mdnsd/common"
)

// Legacy (non-5353) queriers get records with no cache-flush bit and at
// most this TTL (RFC 6762 section 6.7).
const legacyUnicastTTL = 10 * time.Second

type announcement struct {
	records   []Record
	remaining int
	interval  time.Duration
	alarm     *Alarm
}

// Responder holds the records registered with a Service, announces them
// and answers queries for them.
type Responder struct {
	runner  TaskRunner
	config  *Config
	senders senders

	records       map[string][]Record
	count         int
	announcements []*announcement
	// records registered during the current task, announced together
	batch *announcement
}

func newResponder(runner TaskRunner, config *Config, senders senders) *Responder {
	return &Responder{
		runner:  runner,
		config:  config,
		senders: senders,
		records: make(map[string][]Record),
	}
}

func (r *Responder) find(rec Record) int {
	for i, existing := range r.records[rec.Name().Key()] {
		if existing.Equal(rec) {
			return i
		}
	}
	return -1
}

// Register adds rec and schedules its announcement.
func (r *Responder) Register(rec Record) error {
	if r.find(rec) >= 0 {
		return errors.Wrapf(ErrDuplicateRecord, "%s", rec)
	}
	key := rec.Name().Key()
	r.records[key] = append(r.records[key], rec)
	r.count++
	recordsRegistered.Inc()
	r.announce(rec)
	return nil
}

// Update replaces old with rec, which must have the same name, type and
// class, and announces rec. A replaced shared record gets a goodbye, since
// caches do not flush shared record sets.
func (r *Responder) Update(old, rec Record) error {
	if !old.SameRRSet(rec) {
		return errors.Wrapf(ErrRecordMismatch, "%s vs %s", old, rec)
	}
	i := r.find(old)
	if i < 0 {
		return errors.Wrapf(ErrRecordNotFound, "%s", old)
	}
	if !old.Equal(rec) && r.find(rec) >= 0 {
		return errors.Wrapf(ErrDuplicateRecord, "%s", rec)
	}
	r.records[old.Name().Key()][i] = rec
	r.cancelAnnouncements(old)
	if old.IsShared() && !old.Equal(rec) {
		r.sendGoodbye(old)
	}
	r.announce(rec)
	return nil
}

// Unregister drops rec and multicasts its goodbye.
func (r *Responder) Unregister(rec Record) error {
	key := rec.Name().Key()
	i := r.find(rec)
	if i < 0 {
		return errors.Wrapf(ErrRecordNotFound, "%s", rec)
	}
	registered := r.records[key][i]
	r.records[key] = append(r.records[key][:i], r.records[key][i+1:]...)
	if len(r.records[key]) == 0 {
		delete(r.records, key)
	}
	r.count--
	recordsRegistered.Dec()
	r.cancelAnnouncements(rec)
	r.sendGoodbye(registered)
	return nil
}

// HasName reports whether any record is registered under name.
func (r *Responder) HasName(name DomainName) bool {
	return len(r.records[name.Key()]) > 0
}

// Records returns the records registered under name.
func (r *Responder) Records(name DomainName) []Record {
	return append([]Record(nil), r.records[name.Key()]...)
}

func (r *Responder) Count() int { return r.count }

func (r *Responder) sendGoodbye(rec Record) {
	if err := r.senders.SendMulticast(NewResponse(rec.Goodbye())); err != nil {
		Log.Warnf("[mdns] sending goodbye for %s: %v", rec, err)
	}
}

func (r *Responder) announce(rec Record) {
	if r.config.AnnouncementCount == 0 {
		return
	}
	if r.batch == nil {
		a := &announcement{
			remaining: r.config.AnnouncementCount,
			interval:  r.config.AnnouncementInterval,
			alarm:     NewAlarm(r.runner),
		}
		r.batch = a
		r.announcements = append(r.announcements, a)
		a.alarm.Schedule(func() { r.sendAnnouncement(a) }, 0)
	}
	r.batch.records = append(r.batch.records, rec)
}

func (r *Responder) sendAnnouncement(a *announcement) {
	if r.batch == a {
		r.batch = nil
	}
	if len(a.records) > 0 {
		if err := r.senders.SendMulticast(NewResponse(a.records...)); err != nil {
			Log.Warnf("[mdns] announcing %d records: %v", len(a.records), err)
		}
	}
	a.remaining--
	if a.remaining <= 0 || len(a.records) == 0 {
		r.dropAnnouncement(a)
		return
	}
	a.alarm.Schedule(func() { r.sendAnnouncement(a) }, a.interval)
	a.interval *= 2
}

func (r *Responder) cancelAnnouncements(rec Record) {
	for _, a := range append([]*announcement(nil), r.announcements...) {
		kept := a.records[:0]
		for _, pending := range a.records {
			if !pending.Equal(rec) {
				kept = append(kept, pending)
			}
		}
		a.records = kept
		if len(a.records) == 0 && a != r.batch {
			a.alarm.Cancel()
			r.dropAnnouncement(a)
		}
	}
}

func (r *Responder) dropAnnouncement(a *announcement) {
	for i, other := range r.announcements {
		if other == a {
			r.announcements = append(r.announcements[:i], r.announcements[i+1:]...)
			return
		}
	}
}

// Close cancels pending announcements. Records stay registered.
func (r *Responder) Close() {
	for _, a := range r.announcements {
		a.alarm.Cancel()
	}
	r.announcements = nil
	r.batch = nil
}

// HandleQuery answers msg, which arrived from src through via.
func (r *Responder) HandleQuery(msg *Message, src *net.UDPAddr, via *MessageSender) {
	if msg.Type != MessageTypeQuery {
		return
	}
	var answers []Record
	unicast := false
	for _, q := range msg.Questions {
		for _, rec := range r.records[q.Name.Key()] {
			if !q.Matches(rec) || containsRecord(answers, rec) || knownAnswer(msg.Answers, rec) {
				continue
			}
			answers = append(answers, rec)
			unicast = unicast || q.Unicast
		}
	}
	if len(answers) == 0 {
		return
	}
	reply := NewResponse(answers...)
	reply.Additional = r.additionalRecords(answers)

	legacy := src.Port != Port
	switch {
	case msg.IsProbe():
		// probers must see the defence, whatever they asked for
		err := via.SendMulticast(reply)
		r.logSendError(err, msg)
	case legacy || unicast:
		reply.ID = msg.ID
		reply.Questions = msg.Questions
		if legacy {
			reply.Answers = legacyRecords(reply.Answers)
			reply.Additional = legacyRecords(reply.Additional)
		}
		err := via.SendMessage(reply, src)
		r.logSendError(err, msg)
	default:
		err := via.SendMulticast(reply)
		r.logSendError(err, msg)
	}
}

func (r *Responder) logSendError(err error, query *Message) {
	if err != nil {
		Log.Warnf("[mdns] answering %s: %v", query, err)
	}
}

// additionalRecords follows DNS-SD: SRV and TXT for each PTR target, then
// addresses for each SRV target (RFC 6763 section 12).
func (r *Responder) additionalRecords(answers []Record) []Record {
	var extra []Record
	add := func(rec Record) {
		if !containsRecord(answers, rec) && !containsRecord(extra, rec) {
			extra = append(extra, rec)
		}
	}
	var targets []Record
	for _, a := range answers {
		ptr, ok := a.rr.(*dns.PTR)
		if !ok {
			continue
		}
		target, err := ParseDomainName(ptr.Ptr)
		if err != nil {
			continue
		}
		for _, rec := range r.records[target.Key()] {
			if rec.Type() == dns.TypeSRV || rec.Type() == dns.TypeTXT {
				add(rec)
			}
		}
	}
	targets = append(targets, answers...)
	targets = append(targets, extra...)
	for _, a := range targets {
		srv, ok := a.rr.(*dns.SRV)
		if !ok {
			continue
		}
		host, err := ParseDomainName(srv.Target)
		if err != nil {
			continue
		}
		for _, rec := range r.records[host.Key()] {
			if rec.Type() == dns.TypeA || rec.Type() == dns.TypeAAAA {
				add(rec)
			}
		}
	}
	return extra
}

func containsRecord(records []Record, rec Record) bool {
	for _, r := range records {
		if r.Equal(rec) {
			return true
		}
	}
	return false
}

// knownAnswer implements known-answer suppression (RFC 6762 section 7.1).
func knownAnswer(known []Record, rec Record) bool {
	for _, k := range known {
		if k.Equal(rec) && k.TTL() >= rec.TTL()/2 {
			return true
		}
	}
	return false
}

func legacyRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, rec := range records {
		if rec.TTL() > legacyUnicastTTL {
			rec = rec.WithTTL(legacyUnicastTTL)
		}
		out[i] = rec.WithCacheFlush(false)
	}
	return out
}
