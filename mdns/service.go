package mdns

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	. "github.com/weaveworks/mdnsd/common"
)

// Service is the mDNS stack for one network interface: a prober, a
// responder and a querier sharing one set of transports.
//
// Apart from the TransportClient callbacks, every method must be called
// from a task on the Service's runner.
type Service struct {
	runner     TaskRunner
	config     Config
	transports []Transport
	senders    senders

	prober    *ProbeManager
	responder *Responder
	querier   *Querier

	// names confirmed by probing, by key
	claimed map[string]DomainName
	local   []net.IP
	started bool
	closed  bool
}

func NewService(runner TaskRunner, config Config, transports ...Transport) (*Service, error) {
	if len(transports) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "no transports")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults(runner.Now())
	s := &Service{
		runner:     runner,
		config:     config,
		transports: transports,
		claimed:    make(map[string]DomainName),
	}
	for _, ip := range config.LocalAddresses {
		s.addLocal(ip)
	}
	for _, t := range transports {
		s.senders = append(s.senders, NewMessageSender(t, config.Observer))
	}
	s.prober = newProbeManager(runner, &s.config, s.senders, s)
	s.responder = newResponder(runner, &s.config, s.senders)
	s.querier = newQuerier(runner, s.senders)
	return s, nil
}

// Start binds every transport. Failing to bind any of them is fatal: the
// ones already started are closed again.
func (s *Service) Start() error {
	if s.closed {
		return ErrClosed
	}
	for i, t := range s.transports {
		if err := t.Start(s); err != nil {
			for _, started := range s.transports[:i] {
				started.Close()
			}
			return errors.Wrapf(err, "starting %s transport", t.Family())
		}
	}
	s.started = true
	Log.Infof("[mdns] started on %d transports", len(s.transports))
	return nil
}

// Close abandons probes, cancels announcements and queries, and closes
// the transports. Registered records are not withdrawn.
func (s *Service) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.prober.Close()
	s.responder.Close()
	s.querier.Close()
	var errs []error
	if s.started {
		for _, t := range s.transports {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(ErrorMessages(errs))
	}
	return nil
}

func (s *Service) Status() string {
	state := "running"
	switch {
	case s.closed:
		state = "closed"
	case !s.started:
		state = "not started"
	}
	return fmt.Sprintf("%s, %d transports, %d claimed names, %d records, %d probes",
		state, len(s.transports), len(s.claimed), s.responder.Count(), len(s.prober.sessions))
}

func (s *Service) StartQuery(name DomainName, rrtype, class uint16, callback RecordChangedCallback) error {
	if s.closed {
		return ErrClosed
	}
	return s.querier.StartQuery(name, rrtype, class, callback)
}

func (s *Service) StopQuery(name DomainName, rrtype, class uint16, callback RecordChangedCallback) error {
	return s.querier.StopQuery(name, rrtype, class, callback)
}

// StartProbe claims name for address on the link. See ProbeManager.
func (s *Service) StartProbe(callback DomainConfirmedProvider, name DomainName, address net.IP) error {
	if err := s.prober.StartProbe(callback, name, address); err != nil {
		return err
	}
	s.addLocal(address)
	return nil
}

func (s *Service) StopProbe(name DomainName) error {
	return s.prober.StopProbe(name)
}

// RegisterRecord publishes r. Unique records need a name this Service
// claimed by probing; shared (PTR) records do not.
func (s *Service) RegisterRecord(r Record) error {
	if err := s.checkRegistrable(r); err != nil {
		return err
	}
	if err := s.responder.Register(r); err != nil {
		return err
	}
	s.addLocal(r.Address())
	return nil
}

// UpdateRegisteredRecord replaces old by r, which must have the same name,
// type and class.
func (s *Service) UpdateRegisteredRecord(old, r Record) error {
	if err := s.checkRegistrable(r); err != nil {
		return err
	}
	if err := s.responder.Update(old, r); err != nil {
		return err
	}
	s.addLocal(r.Address())
	return nil
}

// UnregisterRecord withdraws r with a goodbye. When the last record of a
// name goes, so does the claim on it.
func (s *Service) UnregisterRecord(r Record) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.responder.Unregister(r); err != nil {
		return err
	}
	if !s.responder.HasName(r.Name()) {
		delete(s.claimed, r.Name().Key())
	}
	return nil
}

func (s *Service) checkRegistrable(r Record) error {
	switch {
	case s.closed:
		return ErrClosed
	case r.IsZero():
		return errors.Wrap(ErrInvalidArgument, "empty record")
	case !r.IsShared() && !s.IsClaimed(r.Name()):
		return errors.Wrapf(ErrNameNotClaimed, "%s", r.Name())
	}
	return nil
}

// IsClaimed reports whether name passed probing on this Service.
func (s *Service) IsClaimed(name DomainName) bool {
	_, found := s.claimed[name.Key()]
	return found
}

// ReleaseName gives up a claimed name that no record uses.
func (s *Service) ReleaseName(name DomainName) {
	if !s.responder.HasName(name) {
		delete(s.claimed, name.Key())
	}
}

func (s *Service) isOwned(name DomainName) bool {
	return s.IsClaimed(name) || s.responder.HasName(name)
}

func (s *Service) claim(name DomainName) {
	s.claimed[name.Key()] = name
}

// IsLocalAddress reports whether ip belongs to this host.
func (s *Service) IsLocalAddress(ip net.IP) bool {
	for _, l := range s.local {
		if l.Equal(ip) {
			return true
		}
	}
	return false
}

func (s *Service) addLocal(ip net.IP) {
	if ip == nil || ip.IsUnspecified() || s.IsLocalAddress(ip) {
		return
	}
	s.local = append(s.local, ip)
}
