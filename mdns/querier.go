package mdns

import (
	"github.com/miekg/dns"
	"github.com/pkg/errors"

	. "github.com/weaveworks/mdnsd/common"
)

type RecordChangedEvent int

const (
	RecordCreated RecordChangedEvent = iota
	RecordUpdated
	RecordExpired
)

func (e RecordChangedEvent) String() string {
	switch e {
	case RecordCreated:
		return "created"
	case RecordUpdated:
		return "updated"
	case RecordExpired:
		return "expired"
	}
	return "unknown"
}

// RecordChangedCallback hears about records matching a running query.
type RecordChangedCallback interface {
	OnRecordChanged(record Record, event RecordChangedEvent)
}

type queryKey struct {
	name   string
	rrtype uint16
	class  uint16
}

type query struct {
	name      DomainName
	rrtype    uint16
	class     uint16
	callbacks []RecordChangedCallback
}

func (q *query) matches(r Record) bool {
	return Question{Name: q.name, Type: q.rrtype, Class: q.class}.Matches(r)
}

type cacheEntry struct {
	record Record
	alarm  *Alarm
}

// Querier runs continuous queries and keeps the records they return until
// their TTL runs out.
type Querier struct {
	runner  TaskRunner
	senders senders
	queries map[queryKey]*query
	cache   map[string][]*cacheEntry
}

func newQuerier(runner TaskRunner, senders senders) *Querier {
	return &Querier{
		runner:  runner,
		senders: senders,
		queries: make(map[queryKey]*query),
		cache:   make(map[string][]*cacheEntry),
	}
}

// StartQuery reports to callback every record matching (name, rrtype,
// class), starting with those already cached. The first callback for a
// key sends a query.
func (qr *Querier) StartQuery(name DomainName, rrtype, class uint16, callback RecordChangedCallback) error {
	if callback == nil {
		return errors.Wrap(ErrInvalidArgument, "nil query callback")
	}
	key := queryKey{name.Key(), rrtype, class}
	q, found := qr.queries[key]
	if !found {
		q = &query{name: name, rrtype: rrtype, class: class}
		qr.queries[key] = q
	}
	for _, cb := range q.callbacks {
		if cb == callback {
			return nil
		}
	}
	q.callbacks = append(q.callbacks, callback)
	for _, e := range qr.cache[key.name] {
		if q.matches(e.record) {
			callback.OnRecordChanged(e.record, RecordCreated)
		}
	}
	if !found {
		msg := NewQuery(Question{Name: name, Type: rrtype, Class: class})
		if err := qr.senders.SendMulticast(msg); err != nil {
			Log.Warnf("[mdns] sending query for %s: %v", name, err)
		}
	}
	return nil
}

func (qr *Querier) StopQuery(name DomainName, rrtype, class uint16, callback RecordChangedCallback) error {
	key := queryKey{name.Key(), rrtype, class}
	q, found := qr.queries[key]
	if !found {
		return errors.Wrapf(ErrQueryNotFound, "%s %s", name, dns.TypeToString[rrtype])
	}
	for i, cb := range q.callbacks {
		if cb == callback {
			q.callbacks = append(q.callbacks[:i], q.callbacks[i+1:]...)
			if len(q.callbacks) == 0 {
				delete(qr.queries, key)
				qr.evictUnwanted(key.name)
			}
			return nil
		}
	}
	return errors.Wrapf(ErrQueryNotFound, "%s %s", name, dns.TypeToString[rrtype])
}

func (qr *Querier) wanted(r Record) bool {
	for _, q := range qr.queries {
		if q.matches(r) {
			return true
		}
	}
	return false
}

func (qr *Querier) evictUnwanted(name string) {
	kept := qr.cache[name][:0]
	for _, e := range qr.cache[name] {
		if qr.wanted(e.record) {
			kept = append(kept, e)
		} else {
			e.alarm.Cancel()
		}
	}
	qr.setEntries(name, kept)
}

func (qr *Querier) setEntries(name string, entries []*cacheEntry) {
	if len(entries) == 0 {
		delete(qr.cache, name)
	} else {
		qr.cache[name] = entries
	}
}

func (qr *Querier) notify(r Record, event RecordChangedEvent) {
	for _, q := range qr.queries {
		if !q.matches(r) {
			continue
		}
		for _, cb := range append([]RecordChangedCallback(nil), q.callbacks...) {
			cb.OnRecordChanged(r, event)
		}
	}
}

// HandleResponse folds the records of a response into the cache.
func (qr *Querier) HandleResponse(msg *Message) {
	for _, section := range [][]Record{msg.Answers, msg.Additional} {
		for _, r := range section {
			if qr.wanted(r) {
				qr.update(r)
			}
		}
	}
}

func (qr *Querier) update(r Record) {
	name := r.Name().Key()
	entries := qr.cache[name]
	if r.CacheFlush() && !r.IsGoodbye() {
		// a flushing record replaces the rest of its set
		for _, e := range append([]*cacheEntry(nil), entries...) {
			if e.record.SameRRSet(r) && !e.record.Equal(r) {
				qr.expire(e)
			}
		}
		entries = qr.cache[name]
	}
	for _, e := range entries {
		if !e.record.Equal(r) {
			continue
		}
		if r.IsGoodbye() {
			qr.expire(e)
			return
		}
		e.record = r
		qr.schedule(e)
		qr.notify(r, RecordUpdated)
		return
	}
	if r.IsGoodbye() {
		return
	}
	e := &cacheEntry{record: r, alarm: NewAlarm(qr.runner)}
	qr.cache[name] = append(entries, e)
	qr.schedule(e)
	qr.notify(r, RecordCreated)
}

func (qr *Querier) schedule(e *cacheEntry) {
	e.alarm.Schedule(func() { qr.expire(e) }, e.record.TTL())
}

func (qr *Querier) expire(e *cacheEntry) {
	e.alarm.Cancel()
	name := e.record.Name().Key()
	entries := qr.cache[name]
	for i, other := range entries {
		if other == e {
			qr.setEntries(name, append(entries[:i], entries[i+1:]...))
			qr.notify(e.record, RecordExpired)
			return
		}
	}
}

// Close forgets every query and cached record, without notifications.
func (qr *Querier) Close() {
	for _, entries := range qr.cache {
		for _, e := range entries {
			e.alarm.Cancel()
		}
	}
	qr.cache = make(map[string][]*cacheEntry)
	qr.queries = make(map[queryKey]*query)
}
