package dnssd

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	. "github.com/weaveworks/mdnsd/common"
	"github.com/weaveworks/mdnsd/mdns"
)

// MdnsService is the part of mdns.Service a Publisher drives.
type MdnsService interface {
	StartProbe(callback mdns.DomainConfirmedProvider, name mdns.DomainName, address net.IP) error
	StopProbe(name mdns.DomainName) error
	RegisterRecord(r mdns.Record) error
	UpdateRegisteredRecord(old, r mdns.Record) error
	UnregisterRecord(r mdns.Record) error
	ReleaseName(name mdns.DomainName)
}

// Client hears about registrations that fail after Register returned.
type Client interface {
	OnPublishError(instance Instance, err error)
}

type Config struct {
	// HostName is the first label of the advertised host name; the
	// ".local" suffix is added. Defaults to the first label of
	// os.Hostname().
	HostName  string
	Addresses []net.IP
}

type hostState int

const (
	hostIdle hostState = iota
	hostProbing
	hostConfirmed
)

var hostStateNames = []string{"idle", "probing", "confirmed"}

func (s hostState) String() string { return hostStateNames[s] }

type pendingInstance struct {
	instance  Instance
	requested mdns.DomainName
	client    Client
	// set once the instance name passed probing but the host name has not
	confirmed mdns.DomainName
}

type publishedInstance struct {
	endpoint  Endpoint
	requested mdns.DomainName
	ptr       mdns.Record
	srv       mdns.Record
	txt       mdns.Record
}

type serviceType struct {
	ptr   mdns.Record
	count int
}

// Publisher turns Instances into probed, announced DNS-SD records. Every
// method, including the probe callbacks, runs on the task runner of the
// MdnsService it drives.
type Publisher struct {
	service     MdnsService
	addresses   []net.IP
	hostName    mdns.DomainName
	host        mdns.DomainName
	hostState   hostState
	hostRecords []mdns.Record
	services    map[string]*serviceType
	pending     map[string]*pendingInstance
	published   map[string]*publishedInstance
	closed      bool
}

func NewPublisher(service MdnsService, config Config) (*Publisher, error) {
	if len(config.Addresses) == 0 {
		return nil, ErrNoAddresses
	}
	if config.HostName == "" {
		config.HostName = defaultHostName()
	}
	hostName, err := mdns.NewDomainName(config.HostName, DefaultDomain)
	if err != nil {
		return nil, errors.Wrapf(err, "host name %q", config.HostName)
	}
	return &Publisher{
		service:   service,
		addresses: append([]net.IP(nil), config.Addresses...),
		hostName:  hostName,
		services:  make(map[string]*serviceType),
		pending:   make(map[string]*pendingInstance),
		published: make(map[string]*publishedInstance),
	}, nil
}

func defaultHostName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "mdnsd"
	}
	return strings.SplitN(hostname, ".", 2)[0]
}

// Register starts probing for instance. A nil error means the probe is
// under way; later failures go to client, which may be nil.
func (p *Publisher) Register(instance Instance, client Client) error {
	if p.closed {
		return ErrClosed
	}
	if err := instance.Validate(); err != nil {
		return err
	}
	requested, _ := instance.Name()
	key := requested.Key()
	if p.pending[key] != nil || p.published[key] != nil {
		return errors.Wrapf(ErrDuplicateRegistration, "%s", requested)
	}
	if err := p.ensureHost(); err != nil {
		return err
	}
	if err := p.service.StartProbe(p, requested, p.addresses[0]); err != nil {
		p.maybeReleaseHost()
		return errors.Wrapf(err, "probing %s", requested)
	}
	instance.Txt = cloneTxt(instance.Txt)
	p.pending[key] = &pendingInstance{instance: instance, requested: requested, client: client}
	Log.Infof("[dnssd] probing for %s", requested)
	return nil
}

func (p *Publisher) ensureHost() error {
	if p.hostState != hostIdle {
		return nil
	}
	if err := p.service.StartProbe(p, p.hostName, p.addresses[0]); err != nil {
		return errors.Wrapf(err, "probing host name %s", p.hostName)
	}
	p.hostState = hostProbing
	Log.Debugf("[dnssd] probing for host name %s", p.hostName)
	return nil
}

// UpdateRegistration re-publishes the port and TXT data of a published
// instance under the name it already holds.
func (p *Publisher) UpdateRegistration(instance Instance) error {
	if p.closed {
		return ErrClosed
	}
	if err := instance.Validate(); err != nil {
		return err
	}
	requested, _ := instance.Name()
	pub := p.published[requested.Key()]
	if pub == nil {
		return errors.Wrapf(ErrNotPublished, "%s", requested)
	}
	srv := mdns.NewSRVRecord(pub.endpoint.Name, p.host, instance.Port)
	txt := mdns.NewTXTRecord(pub.endpoint.Name, instance.TxtStrings())
	srvChanged := !srv.Equal(pub.srv)
	if srvChanged {
		if err := p.service.UpdateRegisteredRecord(pub.srv, srv); err != nil {
			return errors.Wrapf(err, "updating %s", pub.endpoint.Name)
		}
	}
	if !txt.Equal(pub.txt) {
		if err := p.service.UpdateRegisteredRecord(pub.txt, txt); err != nil {
			// restore the old SRV record
			if srvChanged {
				CheckWarn(p.service.UpdateRegisteredRecord(srv, pub.srv))
			}
			return errors.Wrapf(err, "updating %s", pub.endpoint.Name)
		}
		pub.txt = txt
	}
	pub.srv = srv
	pub.endpoint.Port = instance.Port
	pub.endpoint.Txt = cloneTxt(instance.Txt)
	Log.Infof("[dnssd] updated %s", pub.endpoint)
	return nil
}

// Deregister withdraws instance, whether it is still probing or already
// published.
func (p *Publisher) Deregister(instance Instance) error {
	requested, err := instance.Name()
	if err != nil {
		return errors.Wrapf(ErrInvalidInstance, "%v", err)
	}
	key := requested.Key()
	switch {
	case p.pending[key] != nil:
		p.cancel(p.pending[key])
	case p.published[key] != nil:
		p.unpublish(p.published[key])
	default:
		return errors.Wrapf(ErrNotRegistered, "%s", requested)
	}
	p.maybeReleaseHost()
	return nil
}

// DeregisterAll withdraws every instance of serviceType and returns how
// many there were.
func (p *Publisher) DeregisterAll(serviceType string) (int, error) {
	serviceID, domain, err := ParseServiceType(serviceType)
	if err != nil {
		return 0, err
	}
	service, err := mdns.ParseDomainName(serviceID + "." + domain)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidServiceType, "%v", err)
	}
	count := 0
	for _, pi := range p.pendingSnapshot() {
		if sn, _ := pi.instance.ServiceName(); sn.Equal(service) {
			p.cancel(pi)
			count++
		}
	}
	for _, pub := range p.publishedSnapshot() {
		if sn, _ := pub.endpoint.ServiceName(); sn.Equal(service) {
			p.unpublish(pub)
			count++
		}
	}
	p.maybeReleaseHost()
	Log.Infof("[dnssd] deregistered %d instances of %s", count, service)
	return count, nil
}

// Close abandons every probe and says goodbye for every published record.
func (p *Publisher) Close() {
	if p.closed {
		return
	}
	for _, pi := range p.pendingSnapshot() {
		p.cancel(pi)
	}
	for _, pub := range p.publishedSnapshot() {
		p.unpublish(pub)
	}
	p.maybeReleaseHost()
	p.closed = true
}

func (p *Publisher) OnDomainFound(requested, confirmed mdns.DomainName) {
	if p.hostState == hostProbing && requested.Equal(p.hostName) {
		p.hostFound(confirmed)
		return
	}
	pi := p.pending[requested.Key()]
	if pi == nil {
		Log.Warnf("[dnssd] confirmation for unknown instance %s", requested)
		p.service.ReleaseName(confirmed)
		return
	}
	if !confirmed.Equal(requested) {
		Log.Infof("[dnssd] %s renamed to %s", requested, confirmed)
	}
	pi.confirmed = confirmed
	if p.hostState == hostConfirmed {
		p.publish(pi)
	}
}

func (p *Publisher) OnDomainFailed(requested mdns.DomainName, err error) {
	if p.hostState == hostProbing && requested.Equal(p.hostName) {
		Log.Errorf("[dnssd] could not claim host name %s: %v", p.hostName, err)
		p.hostState = hostIdle
		for _, pi := range p.pendingSnapshot() {
			p.cancel(pi)
			p.fail(pi.instance, pi.client, errors.Wrapf(ErrHostNameUnavailable, "%s: %v", p.hostName, err))
		}
		return
	}
	pi := p.pending[requested.Key()]
	if pi == nil {
		return
	}
	delete(p.pending, requested.Key())
	p.fail(pi.instance, pi.client, err)
	p.maybeReleaseHost()
}

func (p *Publisher) hostFound(confirmed mdns.DomainName) {
	p.host = confirmed
	p.hostState = hostConfirmed
	if !confirmed.Equal(p.hostName) {
		Log.Infof("[dnssd] host name %s renamed to %s", p.hostName, confirmed)
	}
	for _, ip := range p.addresses {
		r := mdns.NewAddressRecord(confirmed, ip)
		if err := p.service.RegisterRecord(r); err != nil {
			Log.Warnf("[dnssd] registering %s: %v", r, err)
			continue
		}
		p.hostRecords = append(p.hostRecords, r)
	}
	for _, pi := range p.pendingSnapshot() {
		if !pi.confirmed.IsEmpty() {
			p.publish(pi)
		}
	}
}

func (p *Publisher) publish(pi *pendingInstance) {
	key := pi.requested.Key()
	delete(p.pending, key)

	service, _ := pi.instance.ServiceName()
	endpoint := Endpoint{
		Instance:  pi.instance,
		Name:      pi.confirmed,
		Host:      p.host,
		Addresses: p.addresses,
	}
	endpoint.InstanceID = pi.confirmed.FirstLabel()
	pub := &publishedInstance{
		endpoint:  endpoint,
		requested: pi.requested,
		srv:       mdns.NewSRVRecord(pi.confirmed, p.host, pi.instance.Port),
		txt:       mdns.NewTXTRecord(pi.confirmed, pi.instance.TxtStrings()),
		ptr:       mdns.NewPTRRecord(service, pi.confirmed),
	}
	var registered []mdns.Record
	for _, r := range pub.records() {
		if err := p.service.RegisterRecord(r); err != nil {
			for _, done := range registered {
				p.unregister(done)
			}
			p.service.ReleaseName(pi.confirmed)
			p.fail(pi.instance, pi.client, errors.Wrapf(err, "publishing %s", pi.confirmed))
			p.maybeReleaseHost()
			return
		}
		registered = append(registered, r)
	}
	p.published[key] = pub
	p.addServiceType(service, pi.instance.Domain)
	Log.Infof("[dnssd] published %s", endpoint)
}

func (pub *publishedInstance) records() []mdns.Record {
	return []mdns.Record{pub.srv, pub.txt, pub.ptr}
}

func (p *Publisher) unpublish(pub *publishedInstance) {
	delete(p.published, pub.requested.Key())
	for _, r := range pub.records() {
		p.unregister(r)
	}
	service, _ := pub.endpoint.ServiceName()
	p.removeServiceType(service)
	Log.Infof("[dnssd] withdrew %s", pub.endpoint.Name)
}

// cancel forgets a pending instance, stopping its probe or releasing the
// name the probe already won.
func (p *Publisher) cancel(pi *pendingInstance) {
	delete(p.pending, pi.requested.Key())
	if !pi.confirmed.IsEmpty() {
		p.service.ReleaseName(pi.confirmed)
		return
	}
	if err := p.service.StopProbe(pi.requested); err != nil {
		Log.Debugf("[dnssd] stopping probe for %s: %v", pi.requested, err)
	}
}

func (p *Publisher) unregister(r mdns.Record) {
	if err := p.service.UnregisterRecord(r); err != nil {
		Log.Warnf("[dnssd] unregistering %s: %v", r, err)
	}
}

func (p *Publisher) fail(instance Instance, client Client, err error) {
	Log.Warnf("[dnssd] failed to publish %s: %v", instance, err)
	if client != nil {
		client.OnPublishError(instance, err)
	}
}

// RFC 6763 section 9: "_services._dns-sd._udp.<domain>" lists the service
// types present.
func (p *Publisher) addServiceType(service mdns.DomainName, domain string) {
	if st := p.services[service.Key()]; st != nil {
		st.count++
		return
	}
	enumeration, err := mdns.ParseDomainName("_services._dns-sd._udp." + domain)
	if err != nil {
		Log.Warnf("[dnssd] no service enumeration for %s: %v", service, err)
		return
	}
	st := &serviceType{ptr: mdns.NewPTRRecord(enumeration, service), count: 1}
	if err := p.service.RegisterRecord(st.ptr); err != nil {
		Log.Warnf("[dnssd] registering %s: %v", st.ptr, err)
		return
	}
	p.services[service.Key()] = st
}

func (p *Publisher) removeServiceType(service mdns.DomainName) {
	st := p.services[service.Key()]
	if st == nil {
		return
	}
	if st.count--; st.count == 0 {
		delete(p.services, service.Key())
		p.unregister(st.ptr)
	}
}

// maybeReleaseHost gives the host name up once nothing needs it.
func (p *Publisher) maybeReleaseHost() {
	if len(p.pending)+len(p.published) > 0 {
		return
	}
	switch p.hostState {
	case hostProbing:
		if err := p.service.StopProbe(p.hostName); err != nil {
			Log.Debugf("[dnssd] stopping probe for %s: %v", p.hostName, err)
		}
	case hostConfirmed:
		for _, r := range p.hostRecords {
			p.unregister(r)
		}
		p.service.ReleaseName(p.host)
		Log.Infof("[dnssd] withdrew host name %s", p.host)
	}
	p.hostRecords = nil
	p.host = mdns.DomainName{}
	p.hostState = hostIdle
}

// Endpoints lists published instances ordered by name.
func (p *Publisher) Endpoints() []Endpoint {
	endpoints := make([]Endpoint, 0, len(p.published))
	for _, pub := range p.publishedSnapshot() {
		endpoints = append(endpoints, pub.endpoint)
	}
	return endpoints
}

// Pending lists instances still waiting for their names, ordered by the
// name requested.
func (p *Publisher) Pending() []Instance {
	instances := make([]Instance, 0, len(p.pending))
	for _, pi := range p.pendingSnapshot() {
		instances = append(instances, pi.instance)
	}
	return instances
}

// Host returns the confirmed host name, or an empty name while there is
// none.
func (p *Publisher) Host() mdns.DomainName {
	return p.host
}

func (p *Publisher) Status() string {
	return fmt.Sprintf("host %s %s, %d pending, %d published", p.hostName, p.hostState, len(p.pending), len(p.published))
}

func (p *Publisher) pendingSnapshot() []*pendingInstance {
	keys := make([]string, 0, len(p.pending))
	for key := range p.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	snapshot := make([]*pendingInstance, len(keys))
	for i, key := range keys {
		snapshot[i] = p.pending[key]
	}
	return snapshot
}

func (p *Publisher) publishedSnapshot() []*publishedInstance {
	snapshot := make([]*publishedInstance, 0, len(p.published))
	for _, pub := range p.published {
		snapshot = append(snapshot, pub)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].endpoint.Name.Key() < snapshot[j].endpoint.Name.Key()
	})
	return snapshot
}
