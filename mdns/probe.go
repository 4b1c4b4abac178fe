package mdns

import (
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	. "github.com/weaveworks/mdnsd/common"
)

// DomainConfirmedProvider learns the outcome of a successful probe.
// OnDomainFound runs exactly once per successful StartProbe, on the
// Service's task runner; confirmed differs from requested when conflicts
// forced a rename.
type DomainConfirmedProvider interface {
	OnDomainFound(requested, confirmed DomainName)
}

// DomainFailedProvider may also be implemented by a probe callback to hear
// about probes abandoned after too many renames.
type DomainFailedProvider interface {
	OnDomainFailed(requested DomainName, err error)
}

// nameOwner is what the prober asks of its Service: which names and
// addresses this host already owns, and recording a newly confirmed name.
type nameOwner interface {
	isOwned(name DomainName) bool
	claim(name DomainName)
	IsLocalAddress(ip net.IP) bool
}

// a probe round is retried this many times when it cannot be sent
const maxProbeSendFailures = 5

type multicaster interface {
	SendMulticast(m *Message) error
}

type probeSession struct {
	requested DomainName
	candidate DomainName
	address   net.IP
	callback  DomainConfirmedProvider
	sent      int
	failures  int
	renames   int
	alarm     *Alarm
}

func (s *probeSession) proposal() Record {
	return NewAddressRecord(s.candidate, s.address)
}

// ProbeManager claims names by probing (RFC 6762 section 8.1). Each session
// sends ProbeCount queries for its candidate name, ProbeInterval apart,
// and confirms the name if nobody objected by then. A conflict renames the
// candidate and starts over.
type ProbeManager struct {
	runner   TaskRunner
	config   *Config
	sender   multicaster
	owner    nameOwner
	sessions []*probeSession
	closed   bool
}

func newProbeManager(runner TaskRunner, config *Config, sender multicaster, owner nameOwner) *ProbeManager {
	return &ProbeManager{runner: runner, config: config, sender: sender, owner: owner}
}

// StartProbe begins claiming requested for address. A name this host
// already owns is renamed before the first probe.
func (pm *ProbeManager) StartProbe(callback DomainConfirmedProvider, requested DomainName, address net.IP) error {
	switch {
	case pm.closed:
		return ErrClosed
	case callback == nil:
		return errors.Wrap(ErrInvalidArgument, "nil probe callback")
	case address == nil || address.IsUnspecified():
		return errors.Wrap(ErrInvalidArgument, "no address to probe with")
	case requested.IsEmpty():
		return errors.Wrap(ErrInvalidArgument, "empty name")
	}
	for _, s := range pm.sessions {
		if s.requested.Equal(requested) {
			return errors.Wrapf(ErrProbeInProgress, "%s", requested)
		}
	}
	s := &probeSession{
		requested: requested,
		candidate: requested,
		address:   address,
		callback:  callback,
		alarm:     NewAlarm(pm.runner),
	}
	if pm.unavailable(s.candidate, s) {
		if err := pm.rename(s); err != nil {
			return err
		}
	}
	pm.sessions = append(pm.sessions, s)
	Log.Debugf("[probe] starting probe for %s (candidate %s, address %s)", requested, s.candidate, address)
	pm.restart(s)
	return nil
}

// StopProbe abandons the probe for requested; its callback never runs.
func (pm *ProbeManager) StopProbe(requested DomainName) error {
	for _, s := range pm.sessions {
		if s.requested.Equal(requested) {
			pm.remove(s)
			probes.WithLabelValues(probeCancelled).Inc()
			Log.Debugf("[probe] stopped probe for %s", requested)
			return nil
		}
	}
	return errors.Wrapf(ErrProbeNotFound, "%s", requested)
}

// IsProbing reports whether some session currently probes name.
func (pm *ProbeManager) IsProbing(name DomainName) bool {
	for _, s := range pm.sessions {
		if s.candidate.Equal(name) {
			return true
		}
	}
	return false
}

// Close abandons every probe.
func (pm *ProbeManager) Close() {
	for _, s := range pm.sessions {
		s.alarm.Cancel()
		probes.WithLabelValues(probeCancelled).Inc()
	}
	pm.sessions = nil
	pm.closed = true
}

func (pm *ProbeManager) remove(s *probeSession) {
	s.alarm.Cancel()
	for i, other := range pm.sessions {
		if other == s {
			pm.sessions = append(pm.sessions[:i], pm.sessions[i+1:]...)
			return
		}
	}
}

func (pm *ProbeManager) unavailable(name DomainName, self *probeSession) bool {
	if pm.owner.isOwned(name) {
		return true
	}
	for _, s := range pm.sessions {
		if s != self && s.candidate.Equal(name) {
			return true
		}
	}
	return false
}

// rename moves s to the next free candidate, counting every step against
// MaxRenameAttempts.
func (pm *ProbeManager) rename(s *probeSession) error {
	for {
		s.renames++
		if s.renames > pm.config.MaxRenameAttempts {
			return errors.Wrapf(ErrProbeAttemptsExceeded, "giving up on %s after %d renames", s.requested, pm.config.MaxRenameAttempts)
		}
		next, err := s.candidate.Rename()
		if err != nil {
			return errors.Wrapf(ErrProbeAttemptsExceeded, "renaming %s: %v", s.candidate, err)
		}
		s.candidate = next
		if !pm.unavailable(s.candidate, s) {
			return nil
		}
	}
}

func (pm *ProbeManager) restart(s *probeSession) {
	s.sent = 0
	var delay time.Duration
	if jitter := pm.config.ProbeInitialJitter; jitter > 0 {
		delay = time.Duration(pm.config.Rand.Int63n(int64(jitter) + 1))
	}
	s.alarm.Schedule(func() { pm.tick(s) }, delay)
}

func (pm *ProbeManager) tick(s *probeSession) {
	if s.sent >= pm.config.ProbeCount {
		pm.confirm(s)
		return
	}
	q := NewQuestion(s.candidate, dns.TypeANY)
	msg := NewQuery(q)
	msg.Authority = []Record{s.proposal()}
	if err := pm.sender.SendMulticast(msg); err != nil {
		// the round is not counted; nobody has heard it
		s.failures++
		Log.Warnf("[probe] sending probe for %s: %v", s.candidate, err)
		if s.failures >= maxProbeSendFailures {
			pm.remove(s)
			pm.fail(s, errors.Wrapf(err, "probe for %s not sent after %d attempts", s.candidate, s.failures))
			return
		}
	} else {
		s.sent++
	}
	s.alarm.Schedule(func() { pm.tick(s) }, pm.config.ProbeInterval)
}

func (pm *ProbeManager) confirm(s *probeSession) {
	pm.remove(s)
	probes.WithLabelValues(probeConfirmed).Inc()
	if s.candidate.Equal(s.requested) {
		Log.Infof("[probe] claimed %s", s.candidate)
	} else {
		Log.Infof("[probe] claimed %s in place of %s", s.candidate, s.requested)
	}
	pm.owner.claim(s.candidate)
	s.callback.OnDomainFound(s.requested, s.candidate)
}

func (pm *ProbeManager) conflict(s *probeSession, reason string) {
	probes.WithLabelValues(probeConflict).Inc()
	Log.Infof("[probe] conflict for %s: %s", s.candidate, reason)
	err := pm.rename(s)
	if err == nil {
		pm.restart(s)
		return
	}
	pm.remove(s)
	pm.fail(s, err)
}

// fail reports a removed session to its callback, if it listens for
// failures.
func (pm *ProbeManager) fail(s *probeSession, err error) {
	probes.WithLabelValues(probeFailed).Inc()
	Log.Errorf("[probe] %v", err)
	if failed, ok := s.callback.(DomainFailedProvider); ok {
		failed.OnDomainFailed(s.requested, err)
	}
}

// HandleResponse checks a response for records claiming a candidate name.
// Responses from this host's own addresses, goodbyes, and records identical
// to our proposal do not count.
func (pm *ProbeManager) HandleResponse(msg *Message, src net.IP) {
	if pm.owner.IsLocalAddress(src) {
		return
	}
	for _, s := range pm.sessionsSnapshot() {
		if !pm.active(s) {
			continue
		}
		proposal := s.proposal()
		for _, section := range [][]Record{msg.Answers, msg.Additional} {
			if conflicting := firstConflicting(section, proposal); conflicting != nil {
				pm.conflict(s, "answered by "+src.String()+" with "+conflicting.String())
				break
			}
		}
	}
}

func firstConflicting(records []Record, proposal Record) *Record {
	for i, r := range records {
		if !r.Name().Equal(proposal.Name()) {
			continue
		}
		if r.IsGoodbye() || r.Equal(proposal) {
			continue
		}
		return &records[i]
	}
	return nil
}

// HandleProbe resolves simultaneous probing (RFC 6762 section 8.2): the
// authority records both hosts propose for the candidate are compared,
// and the host with the lexicographically earlier set gives the name up.
func (pm *ProbeManager) HandleProbe(msg *Message) {
	if !msg.IsProbe() {
		return
	}
	for _, s := range pm.sessionsSnapshot() {
		if !pm.active(s) {
			continue
		}
		var theirs []Record
		for _, r := range msg.Authority {
			if r.Name().Equal(s.candidate) {
				theirs = append(theirs, r)
			}
		}
		if len(theirs) == 0 {
			continue
		}
		if compareRecordSets([]Record{s.proposal()}, theirs) < 0 {
			pm.conflict(s, "lost simultaneous probe tiebreak")
		}
	}
}

// sessions may be removed while iterating
func (pm *ProbeManager) sessionsSnapshot() []*probeSession {
	return append([]*probeSession(nil), pm.sessions...)
}

// active reports whether s is still running; callbacks may stop other
// sessions.
func (pm *ProbeManager) active(s *probeSession) bool {
	for _, other := range pm.sessions {
		if other == s {
			return true
		}
	}
	return false
}

func compareRecordSets(a, b []Record) int {
	a, b = sortedRecords(a), sortedRecords(b)
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func sortedRecords(records []Record) []Record {
	sorted := append([]Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	return sorted
}
