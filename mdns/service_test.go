package mdns_test

import (
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/weaveworks/mdnsd/common"
	"github.com/weaveworks/mdnsd/mdns"
	"github.com/weaveworks/mdnsd/testing/multicast"
)

// long enough for jitter plus every probe round
const probeTime = 2 * time.Second

type host struct {
	addr      net.IP
	transport *multicast.Transport
	service   *mdns.Service
}

func newHost(t *testing.T, network *multicast.Network, runner common.TaskRunner, addr string, config mdns.Config) *host {
	h := &host{addr: net.ParseIP(addr)}
	h.transport = network.NewTransport(h.addr)
	if config.Rand == nil {
		config.Rand = rand.New(rand.NewSource(1))
	}
	service, err := mdns.NewService(runner, config, h.transport)
	require.NoError(t, err)
	require.NoError(t, service.Start())
	h.service = service
	return h
}

// dualHost has one transport per IP family, as the daemon does.
type dualHost struct {
	v4, v6  net.IP
	t4, t6  *multicast.Transport
	service *mdns.Service
}

func newDualHost(t *testing.T, network *multicast.Network, runner common.TaskRunner, v4, v6 string, config mdns.Config) *dualHost {
	h := &dualHost{v4: net.ParseIP(v4), v6: net.ParseIP(v6)}
	h.t4 = network.NewTransport(h.v4)
	h.t6 = network.NewTransport(h.v6)
	if config.Rand == nil {
		config.Rand = rand.New(rand.NewSource(1))
	}
	service, err := mdns.NewService(runner, config, h.t4, h.t6)
	require.NoError(t, err)
	require.NoError(t, service.Start())
	h.service = service
	return h
}

func responsePacket(t *testing.T, records ...mdns.Record) []byte {
	msg := mdns.NewResponse(records...)
	w := mdns.NewWriter(make([]byte, msg.MaxWireSize()))
	require.True(t, w.Write(msg))
	return w.Bytes()
}

type confirmation struct {
	requested, confirmed mdns.DomainName
}

type probeClient struct {
	found  []confirmation
	failed []error
}

func (c *probeClient) OnDomainFound(requested, confirmed mdns.DomainName) {
	c.found = append(c.found, confirmation{requested, confirmed})
}

func (c *probeClient) OnDomainFailed(requested mdns.DomainName, err error) {
	c.failed = append(c.failed, err)
}

// foundOnly has no failure callback.
type foundOnly struct {
	found []mdns.DomainName
}

func (c *foundOnly) OnDomainFound(requested, confirmed mdns.DomainName) {
	c.found = append(c.found, confirmed)
}

func name(labels ...string) mdns.DomainName {
	return mdns.MustDomainName(labels...)
}

func probesFor(network *multicast.Network, n mdns.DomainName) int {
	count := 0
	for _, msg := range network.Messages() {
		if msg.IsProbe() && msg.Questions[0].Name.Equal(n) {
			count++
		}
	}
	return count
}

func TestProbeWithoutConflictConfirmsRequestedName(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	requested := name("printer", "local")
	client := &probeClient{}

	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	runner.RunTasksUntilIdle()
	require.Empty(t, client.found)

	runner.AdvanceClock(probeTime)
	require.Len(t, client.found, 1)
	require.True(t, client.found[0].confirmed.Equal(requested))
	require.True(t, client.found[0].requested.Equal(requested))
	require.Equal(t, mdns.DefaultProbeCount, probesFor(network, requested))
	require.True(t, h.service.IsClaimed(requested))

	// the probe carried our proposed address record
	for _, msg := range network.Messages() {
		if msg.IsProbe() {
			require.Equal(t, dns.TypeANY, msg.Questions[0].Type)
			require.Len(t, msg.Authority, 1)
			require.True(t, msg.Authority[0].Equal(mdns.NewAddressRecord(requested, h.addr)))
		}
	}

	runner.AdvanceClock(time.Minute)
	require.Len(t, client.found, 1)
}

func TestProbeRoundsAreSpaced(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{ProbeInitialJitter: time.Millisecond})
	requested := name("printer", "local")
	client := &probeClient{}
	require.NoError(t, h.service.StartProbe(client, requested, h.addr))

	runner.AdvanceClock(time.Millisecond)
	require.Equal(t, 1, probesFor(network, requested))
	runner.AdvanceClock(mdns.DefaultProbeInterval)
	require.Equal(t, 2, probesFor(network, requested))
	runner.AdvanceClock(mdns.DefaultProbeInterval)
	require.Equal(t, 3, probesFor(network, requested))
	require.Empty(t, client.found)
	runner.AdvanceClock(mdns.DefaultProbeInterval)
	require.Len(t, client.found, 1)
}

func TestProbeRenamesOnConflictingAnswer(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	owner := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	requested := name("printer", "local")

	ownerClient := &probeClient{}
	require.NoError(t, owner.service.StartProbe(ownerClient, requested, owner.addr))
	runner.AdvanceClock(probeTime)
	require.Len(t, ownerClient.found, 1)
	require.NoError(t, owner.service.RegisterRecord(mdns.NewAddressRecord(requested, owner.addr)))
	runner.AdvanceClock(probeTime)

	late := newHost(t, network, runner, "10.0.0.2", mdns.Config{Rand: rand.New(rand.NewSource(2))})
	client := &probeClient{}
	require.NoError(t, late.service.StartProbe(client, requested, late.addr))
	runner.AdvanceClock(probeTime)
	runner.AdvanceClock(probeTime)

	require.Len(t, client.found, 1)
	require.True(t, client.found[0].requested.Equal(requested))
	require.False(t, client.found[0].confirmed.Equal(requested))
	require.Equal(t, "printer (2)", client.found[0].confirmed.FirstLabel())
	require.True(t, owner.service.IsClaimed(requested))
}

func TestSimultaneousProbesTiebreak(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	a := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	b := newHost(t, network, runner, "10.0.0.2", mdns.Config{})
	requested := name("printer", "local")

	clientA, clientB := &probeClient{}, &probeClient{}
	require.NoError(t, a.service.StartProbe(clientA, requested, a.addr))
	require.NoError(t, b.service.StartProbe(clientB, requested, b.addr))
	runner.AdvanceClock(probeTime)
	runner.AdvanceClock(probeTime)

	require.Len(t, clientA.found, 1)
	require.Len(t, clientB.found, 1)
	// 10.0.0.1 sorts first, so a gives the name up
	require.Equal(t, "printer (2)", clientA.found[0].confirmed.FirstLabel())
	require.True(t, clientB.found[0].confirmed.Equal(requested))
}

// defender answers every probe with its own address record for the name.
type defender struct {
	transport *multicast.Transport
}

func (d *defender) OnRead(t mdns.Transport, p *mdns.Packet) {
	msg, err := mdns.ParseMessage(p.Data)
	if err != nil || !msg.IsProbe() {
		return
	}
	reply := mdns.NewResponse(mdns.NewAddressRecord(msg.Questions[0].Name, d.transport.Addr()))
	w := mdns.NewWriter(make([]byte, reply.MaxWireSize()))
	if w.Write(reply) {
		d.transport.SendMessage(w.Bytes(), mdns.MulticastSendIPv4Endpoint)
	}
}

func (d *defender) OnError(mdns.Transport, error)     {}
func (d *defender) OnSendError(mdns.Transport, error) {}

func startDefender(t *testing.T, network *multicast.Network, addr string) {
	d := &defender{transport: network.NewTransport(net.ParseIP(addr))}
	require.NoError(t, d.transport.Start(d))
}

func TestProbeGivesUpAfterMaxRenames(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	startDefender(t, network, "10.0.0.99")
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{MaxRenameAttempts: 2})
	requested := name("printer", "local")
	client := &probeClient{}

	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	runner.AdvanceClock(10 * probeTime)

	require.Empty(t, client.found)
	require.Len(t, client.failed, 1)
	require.Equal(t, mdns.ErrProbeAttemptsExceeded, errors.Cause(client.failed[0]))
	require.Equal(t, 1, probesFor(network, requested))
	require.Equal(t, 1, probesFor(network, name("printer (2)", "local")))
	require.Equal(t, 1, probesFor(network, name("printer (3)", "local")))
	require.Equal(t, 0, probesFor(network, name("printer (4)", "local")))

	// nothing is left probing, so the name can be requested again
	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
}

func TestProbeGivesUpSilentlyWithoutFailureCallback(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	startDefender(t, network, "10.0.0.99")
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{MaxRenameAttempts: 1})
	client := &foundOnly{}

	require.NoError(t, h.service.StartProbe(client, name("printer", "local"), h.addr))
	runner.AdvanceClock(10 * probeTime)
	require.Empty(t, client.found)
	require.Contains(t, h.service.Status(), "0 probes")
}

func TestStartProbeErrors(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	h := newHost(t, multicast.NewNetwork(), runner, "10.0.0.1", mdns.Config{})
	requested := name("printer", "local")
	client := &probeClient{}

	err := h.service.StartProbe(nil, requested, h.addr)
	require.Equal(t, mdns.ErrInvalidArgument, errors.Cause(err))
	err = h.service.StartProbe(client, requested, nil)
	require.Equal(t, mdns.ErrInvalidArgument, errors.Cause(err))

	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	err = h.service.StartProbe(client, name("PRINTER", "local"), h.addr)
	require.Equal(t, mdns.ErrProbeInProgress, errors.Cause(err))

	err = h.service.StopProbe(name("scanner", "local"))
	require.Equal(t, mdns.ErrProbeNotFound, errors.Cause(err))
}

func TestStopProbeSuppressesCallback(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	h := newHost(t, multicast.NewNetwork(), runner, "10.0.0.1", mdns.Config{})
	requested := name("printer", "local")
	client := &probeClient{}

	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	runner.AdvanceClock(300 * time.Millisecond)
	require.NoError(t, h.service.StopProbe(requested))
	runner.AdvanceClock(probeTime)
	require.Empty(t, client.found)
	require.False(t, h.service.IsClaimed(requested))
}

func TestCloseDuringProbeSuppressesCallback(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	client := &probeClient{}

	require.NoError(t, h.service.StartProbe(client, name("printer", "local"), h.addr))
	runner.AdvanceClock(300 * time.Millisecond)
	require.NoError(t, h.service.Close())
	sent := len(network.Sent())
	runner.AdvanceClock(probeTime)

	require.Empty(t, client.found)
	require.Empty(t, client.failed)
	require.Len(t, network.Sent(), sent)
	err := h.service.StartProbe(client, name("scanner", "local"), h.addr)
	require.Equal(t, mdns.ErrClosed, errors.Cause(err))
}

func TestProbeSkipsLocallyOwnedNames(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	requested := name("printer", "local")
	client := &probeClient{}

	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	runner.AdvanceClock(probeTime)
	require.NoError(t, h.service.RegisterRecord(mdns.NewAddressRecord(requested, h.addr)))

	again := &probeClient{}
	require.NoError(t, h.service.StartProbe(again, requested, h.addr))
	runner.AdvanceClock(probeTime)
	require.Len(t, again.found, 1)
	require.Equal(t, "printer (2)", again.found[0].confirmed.FirstLabel())
	require.Equal(t, 0, probesFor(network, requested)-mdns.DefaultProbeCount)
}

func TestRegisterRecordNeedsClaimedName(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	host := name("host-a", "local")
	a := mdns.NewAddressRecord(host, h.addr)

	err := h.service.RegisterRecord(a)
	require.Equal(t, mdns.ErrNameNotClaimed, errors.Cause(err))
	runner.AdvanceClock(probeTime)
	require.Empty(t, network.Sent())

	// shared records need no claim
	ptr := mdns.NewPTRRecord(name("_http", "_tcp", "local"), name("printer", "_http", "_tcp", "local"))
	require.NoError(t, h.service.RegisterRecord(ptr))
	err = h.service.RegisterRecord(ptr)
	require.Equal(t, mdns.ErrDuplicateRecord, errors.Cause(err))

	client := &probeClient{}
	require.NoError(t, h.service.StartProbe(client, host, h.addr))
	runner.AdvanceClock(probeTime)
	require.NoError(t, h.service.RegisterRecord(a))

	other := mdns.NewAddressRecord(host, net.ParseIP("10.0.0.5"))
	err = h.service.UnregisterRecord(other)
	require.Equal(t, mdns.ErrRecordNotFound, errors.Cause(err))
	err = h.service.UpdateRegisteredRecord(a, ptr)
	require.Equal(t, mdns.ErrRecordMismatch, errors.Cause(err))
	require.NoError(t, h.service.UpdateRegisteredRecord(a, other))

	// dropping the last record of a name releases the claim
	require.NoError(t, h.service.UnregisterRecord(other))
	require.False(t, h.service.IsClaimed(host))
	err = h.service.RegisterRecord(a)
	require.Equal(t, mdns.ErrNameNotClaimed, errors.Cause(err))
}

func responsesWith(network *multicast.Network, r mdns.Record) []mdns.Record {
	var found []mdns.Record
	for _, msg := range network.Messages() {
		if msg.Type != mdns.MessageTypeResponse {
			continue
		}
		for _, answer := range msg.Answers {
			if answer.Equal(r) {
				found = append(found, answer)
			}
		}
	}
	return found
}

func TestAnnouncementsAndGoodbye(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	ptr := mdns.NewPTRRecord(name("_http", "_tcp", "local"), name("printer", "_http", "_tcp", "local"))

	require.NoError(t, h.service.RegisterRecord(ptr))
	runner.RunTasksUntilIdle()
	require.Len(t, responsesWith(network, ptr), 1)
	runner.AdvanceClock(mdns.DefaultAnnouncementInterval)
	require.Len(t, responsesWith(network, ptr), 2)
	runner.AdvanceClock(time.Minute)
	require.Len(t, responsesWith(network, ptr), mdns.DefaultAnnouncementCount)

	require.NoError(t, h.service.UnregisterRecord(ptr))
	sent := responsesWith(network, ptr)
	require.Len(t, sent, mdns.DefaultAnnouncementCount+1)
	goodbye := sent[len(sent)-1]
	require.True(t, goodbye.IsGoodbye())
	require.Equal(t, time.Duration(0), goodbye.TTL())
}

func TestUnregisterCancelsPendingAnnouncements(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{AnnouncementCount: 3})
	ptr := mdns.NewPTRRecord(name("_http", "_tcp", "local"), name("printer", "_http", "_tcp", "local"))

	require.NoError(t, h.service.RegisterRecord(ptr))
	runner.RunTasksUntilIdle()
	require.NoError(t, h.service.UnregisterRecord(ptr))
	runner.AdvanceClock(time.Minute)

	sent := responsesWith(network, ptr)
	require.Len(t, sent, 2)
	require.False(t, sent[0].IsGoodbye())
	require.True(t, sent[1].IsGoodbye())
}

func TestProbeForOwnedNameIsDefended(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	owner := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	hostName := name("host", "local")

	client := &probeClient{}
	require.NoError(t, owner.service.StartProbe(client, hostName, owner.addr))
	runner.AdvanceClock(probeTime)
	require.NoError(t, owner.service.RegisterRecord(mdns.NewAddressRecord(hostName, owner.addr)))
	runner.AdvanceClock(time.Minute)
	network.ClearSent()

	late := newHost(t, network, runner, "10.0.0.2", mdns.Config{})
	lateClient := &probeClient{}
	require.NoError(t, late.service.StartProbe(lateClient, hostName, late.addr))
	runner.AdvanceClock(probeTime)
	runner.AdvanceClock(probeTime)

	require.Len(t, lateClient.found, 1)
	require.Equal(t, "host (2)", lateClient.found[0].confirmed.FirstLabel())
	// the defence was a multicast response from the owner
	defended := false
	for _, p := range network.Sent() {
		if p.Source.IP.Equal(owner.addr) && p.Dest.IP.IsMulticast() {
			defended = true
		}
	}
	require.True(t, defended)
}

func queryPacket(t *testing.T, msg *mdns.Message) []byte {
	w := mdns.NewWriter(make([]byte, msg.MaxWireSize()))
	require.True(t, w.Write(msg))
	return w.Bytes()
}

func TestQueriesAnsweredByDelivery(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	service := name("_http", "_tcp", "local")
	instance := name("printer", "_http", "_tcp", "local")
	hostName := name("host-a", "local")

	for _, n := range []mdns.DomainName{instance, hostName} {
		require.NoError(t, h.service.StartProbe(&probeClient{}, n, h.addr))
	}
	runner.AdvanceClock(probeTime)
	ptr := mdns.NewPTRRecord(service, instance)
	srv := mdns.NewSRVRecord(instance, hostName, 8080)
	txt := mdns.NewTXTRecord(instance, []string{"path=/"})
	addr := mdns.NewAddressRecord(hostName, h.addr)
	for _, r := range []mdns.Record{ptr, srv, txt, addr} {
		require.NoError(t, h.service.RegisterRecord(r))
	}
	runner.AdvanceClock(time.Minute)

	asker := net.ParseIP("10.0.0.50")
	lastReply := func() (*mdns.Message, multicast.SentPacket) {
		sent := network.Sent()
		require.NotEmpty(t, sent)
		p := sent[len(sent)-1]
		msg, err := mdns.ParseMessage(p.Data)
		require.NoError(t, err)
		return msg, p
	}

	// multicast query: multicast answer with DNS-SD additionals
	network.ClearSent()
	h.transport.Inject(queryPacket(t, mdns.NewQuery(mdns.NewQuestion(service, dns.TypePTR))), &net.UDPAddr{IP: asker, Port: mdns.Port})
	runner.RunTasksUntilIdle()
	reply, p := lastReply()
	require.True(t, p.Dest.IP.IsMulticast())
	require.Len(t, reply.Answers, 1)
	require.True(t, reply.Answers[0].Equal(ptr))
	require.Len(t, reply.Additional, 3)

	// known answer with a fresh TTL suppresses the reply
	network.ClearSent()
	known := mdns.NewQuery(mdns.NewQuestion(service, dns.TypePTR))
	known.Answers = []mdns.Record{ptr}
	h.transport.Inject(queryPacket(t, known), &net.UDPAddr{IP: asker, Port: mdns.Port})
	runner.RunTasksUntilIdle()
	require.Empty(t, network.Sent())

	// QU question: unicast answer echoing the id
	network.ClearSent()
	q := mdns.NewQuestion(hostName, dns.TypeA)
	q.Unicast = true
	qu := mdns.NewQuery(q)
	qu.ID = 4242
	h.transport.Inject(queryPacket(t, qu), &net.UDPAddr{IP: asker, Port: mdns.Port})
	runner.RunTasksUntilIdle()
	reply, p = lastReply()
	require.True(t, p.Dest.IP.Equal(asker))
	require.Equal(t, uint16(4242), reply.ID)
	require.Len(t, reply.Questions, 1)
	require.True(t, reply.Answers[0].Equal(addr))

	// legacy querier: unicast to its port, short TTL, no cache-flush
	network.ClearSent()
	legacy := mdns.NewQuery(mdns.NewQuestion(instance, dns.TypeSRV))
	legacy.ID = 99
	h.transport.Inject(queryPacket(t, legacy), &net.UDPAddr{IP: asker, Port: 40000})
	runner.RunTasksUntilIdle()
	reply, p = lastReply()
	require.Equal(t, 40000, p.Dest.Port)
	require.Equal(t, uint16(99), reply.ID)
	require.True(t, reply.Answers[0].Equal(srv))
	require.False(t, reply.Answers[0].CacheFlush())
	require.Equal(t, 10*time.Second, reply.Answers[0].TTL())

	// nothing to say about other names
	network.ClearSent()
	h.transport.Inject(queryPacket(t, mdns.NewQuery(mdns.NewQuestion(name("other", "local"), dns.TypeA))), &net.UDPAddr{IP: asker, Port: mdns.Port})
	runner.RunTasksUntilIdle()
	require.Empty(t, network.Sent())
}

type recordEvent struct {
	record mdns.Record
	event  mdns.RecordChangedEvent
}

type recordWatcher struct {
	events []recordEvent
}

func (w *recordWatcher) OnRecordChanged(r mdns.Record, event mdns.RecordChangedEvent) {
	w.events = append(w.events, recordEvent{r, event})
}

func TestQueryReportsRecordChanges(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	publisher := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	browser := newHost(t, network, runner, "10.0.0.2", mdns.Config{})
	service := name("_http", "_tcp", "local")
	ptr := mdns.NewPTRRecord(service, name("printer", "_http", "_tcp", "local"))

	watcher := &recordWatcher{}
	require.NoError(t, browser.service.StartQuery(service, dns.TypePTR, dns.ClassINET, watcher))
	runner.RunTasksUntilIdle()
	// the query went out
	require.NotEmpty(t, network.Messages())
	require.Equal(t, mdns.MessageTypeQuery, network.Messages()[0].Type)

	require.NoError(t, publisher.service.RegisterRecord(ptr))
	runner.RunTasksUntilIdle()
	require.Len(t, watcher.events, 1)
	require.Equal(t, mdns.RecordCreated, watcher.events[0].event)
	require.True(t, watcher.events[0].record.Equal(ptr))

	runner.AdvanceClock(mdns.DefaultAnnouncementInterval)
	require.Len(t, watcher.events, 2)
	require.Equal(t, mdns.RecordUpdated, watcher.events[1].event)

	// a second watcher sees the cached record straight away
	late := &recordWatcher{}
	require.NoError(t, browser.service.StartQuery(service, dns.TypePTR, dns.ClassINET, late))
	require.Len(t, late.events, 1)
	require.NoError(t, browser.service.StopQuery(service, dns.TypePTR, dns.ClassINET, late))

	require.NoError(t, publisher.service.UnregisterRecord(ptr))
	runner.RunTasksUntilIdle()
	require.Len(t, watcher.events, 3)
	require.Equal(t, mdns.RecordExpired, watcher.events[2].event)

	err := browser.service.StopQuery(service, dns.TypePTR, dns.ClassINET, late)
	require.Equal(t, mdns.ErrQueryNotFound, errors.Cause(err))
}

func TestCachedRecordsExpireWithTTL(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	publisher := newHost(t, network, runner, "10.0.0.1", mdns.Config{AnnouncementCount: 1})
	browser := newHost(t, network, runner, "10.0.0.2", mdns.Config{})
	service := name("_ipp", "_tcp", "local")
	ptr := mdns.NewPTRRecord(service, name("scanner", "_ipp", "_tcp", "local")).WithTTL(30 * time.Second)

	require.NoError(t, publisher.service.RegisterRecord(ptr))
	runner.RunTasksUntilIdle()

	// the announcement is gone by now, the answer to our query is cached
	watcher := &recordWatcher{}
	require.NoError(t, browser.service.StartQuery(service, dns.TypeANY, dns.ClassANY, watcher))
	require.Empty(t, watcher.events)
	runner.RunTasksUntilIdle()
	require.Len(t, watcher.events, 1)
	require.Equal(t, mdns.RecordCreated, watcher.events[0].event)

	runner.AdvanceClock(29 * time.Second)
	require.Len(t, watcher.events, 1)
	runner.AdvanceClock(time.Second)
	require.Len(t, watcher.events, 2)
	require.Equal(t, mdns.RecordExpired, watcher.events[1].event)
}

func TestNameIsNotClaimedWithoutProbes(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	requested := name("printer", "local")
	client := &probeClient{}

	h.transport.FailSends(errors.New("no buffer space available"))
	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	runner.AdvanceClock(probeTime)
	require.Empty(t, client.found)
	require.Len(t, client.failed, 1)
	require.False(t, h.service.IsClaimed(requested))
	require.Empty(t, network.Sent())
	require.Contains(t, h.service.Status(), "running")
	require.Contains(t, h.service.Status(), "0 probes")

	// the service keeps going once sends succeed again
	h.transport.FailSends(nil)
	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	runner.AdvanceClock(probeTime)
	require.Len(t, client.found, 1)
	require.Equal(t, mdns.DefaultProbeCount, probesFor(network, requested))
}

func TestUnsentProbeRoundsAreRetried(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	requested := name("printer", "local")
	client := &probeClient{}

	h.transport.FailSends(errors.New("network is unreachable"))
	require.NoError(t, h.service.StartProbe(client, requested, h.addr))
	runner.AdvanceClock(300 * time.Millisecond)
	require.Equal(t, 0, probesFor(network, requested))

	h.transport.FailSends(nil)
	runner.AdvanceClock(probeTime)
	require.Empty(t, client.failed)
	require.Len(t, client.found, 1)
	require.True(t, client.found[0].confirmed.Equal(requested))
	require.Equal(t, mdns.DefaultProbeCount, probesFor(network, requested))
}

func TestOneFailingTransportDoesNotStopProbing(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newDualHost(t, network, runner, "10.0.0.1", "fe80::1", mdns.Config{})
	requested := name("printer", "local")
	client := &probeClient{}

	h.t6.FailSends(errors.New("network is unreachable"))
	require.NoError(t, h.service.StartProbe(client, requested, h.v4))
	runner.AdvanceClock(probeTime)
	require.Len(t, client.found, 1)
	require.Equal(t, mdns.DefaultProbeCount, probesFor(network, requested))
}

func TestOwnPacketsOnEveryTransportDoNotConflict(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newDualHost(t, network, runner, "10.0.0.1", "fe80::1", mdns.Config{
		LocalAddresses: []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("fe80::1")},
	})
	requested := name("printer", "local")
	client := &probeClient{}

	require.NoError(t, h.service.StartProbe(client, requested, h.v4))
	// our own AAAA record, as it comes back over IPv6
	h.t6.Inject(responsePacket(t, mdns.NewAddressRecord(requested, h.v6)), &net.UDPAddr{IP: h.v6, Port: mdns.Port})
	// somebody else's goodbye claims nothing
	other := net.ParseIP("fe80::9")
	h.t6.Inject(responsePacket(t, mdns.NewAddressRecord(requested, other).Goodbye()), &net.UDPAddr{IP: other, Port: mdns.Port})
	runner.AdvanceClock(probeTime)
	require.Len(t, client.found, 1)
	require.True(t, client.found[0].confirmed.Equal(requested))

	// the same record from another address is a conflict
	scanner := name("scanner", "local")
	require.NoError(t, h.service.StartProbe(client, scanner, h.v4))
	h.t6.Inject(responsePacket(t, mdns.NewAddressRecord(scanner, other)), &net.UDPAddr{IP: other, Port: mdns.Port})
	runner.AdvanceClock(probeTime)
	require.Len(t, client.found, 2)
	require.Equal(t, "scanner (2)", client.found[1].confirmed.FirstLabel())
}

func TestReclaimAfterGoodbyeOnDualStackHost(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	h := newDualHost(t, network, runner, "10.0.0.1", "fe80::1", mdns.Config{})
	requested := name("host-a", "local")
	client := &probeClient{}

	require.NoError(t, h.service.StartProbe(client, requested, h.v4))
	runner.AdvanceClock(probeTime)
	require.Len(t, client.found, 1)
	records := []mdns.Record{mdns.NewAddressRecord(requested, h.v4), mdns.NewAddressRecord(requested, h.v6)}
	for _, r := range records {
		require.NoError(t, h.service.RegisterRecord(r))
	}
	runner.AdvanceClock(probeTime)

	// goodbyes go out on both transports and loop back while we probe again
	for _, r := range records {
		require.NoError(t, h.service.UnregisterRecord(r))
	}
	require.False(t, h.service.IsClaimed(requested))
	require.NoError(t, h.service.StartProbe(client, requested, h.v4))
	runner.AdvanceClock(probeTime)
	require.Len(t, client.found, 2)
	require.True(t, client.found[1].confirmed.Equal(requested))
	require.True(t, h.service.IsLocalAddress(h.v6))
}

func TestDualStackSimultaneousProbesTiebreak(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	a := newDualHost(t, network, runner, "10.0.0.1", "fe80::1", mdns.Config{})
	b := newDualHost(t, network, runner, "10.0.0.2", "fe80::2", mdns.Config{Rand: rand.New(rand.NewSource(2))})
	requested := name("printer", "local")

	clientA, clientB := &probeClient{}, &probeClient{}
	require.NoError(t, a.service.StartProbe(clientA, requested, a.v4))
	require.NoError(t, b.service.StartProbe(clientB, requested, b.v4))
	runner.AdvanceClock(probeTime)
	runner.AdvanceClock(probeTime)

	require.Len(t, clientA.found, 1)
	require.Len(t, clientB.found, 1)
	require.Equal(t, "printer (2)", clientA.found[0].confirmed.FirstLabel())
	require.True(t, clientB.found[0].confirmed.Equal(requested))
}

func TestProbeForAnotherProbesCandidateIsRenamed(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	owner := newHost(t, network, runner, "10.0.0.2", mdns.Config{})
	requested := name("printer", "local")
	ownerClient := &probeClient{}
	require.NoError(t, owner.service.StartProbe(ownerClient, requested, owner.addr))
	runner.AdvanceClock(probeTime)
	require.NoError(t, owner.service.RegisterRecord(mdns.NewAddressRecord(requested, owner.addr)))
	runner.AdvanceClock(probeTime)

	h := newHost(t, network, runner, "10.0.0.1", mdns.Config{})
	first, second := &probeClient{}, &probeClient{}
	require.NoError(t, h.service.StartProbe(first, requested, h.addr))
	runner.AdvanceClock(300 * time.Millisecond)
	// "printer" was defended, so the first probe now tries "printer (2)"
	require.NoError(t, h.service.StartProbe(second, name("printer (2)", "local"), h.addr))
	runner.AdvanceClock(probeTime)
	runner.AdvanceClock(probeTime)

	require.Len(t, first.found, 1)
	require.Len(t, second.found, 1)
	require.Equal(t, "printer (2)", first.found[0].confirmed.FirstLabel())
	require.Equal(t, "printer (3)", second.found[0].confirmed.FirstLabel())
}

func TestStartFailureIsFatal(t *testing.T) {
	runner := common.NewFakeTaskRunner(nil)
	network := multicast.NewNetwork()
	v4 := network.NewTransport(net.ParseIP("10.0.0.1"))
	v6 := network.NewTransport(net.ParseIP("fe80::1"))
	v6.FailStart(errors.New("address already in use"))
	service, err := mdns.NewService(runner, mdns.Config{}, v4, v6)
	require.NoError(t, err)
	require.Error(t, service.Start())

	_, err = mdns.NewService(runner, mdns.Config{})
	require.Equal(t, mdns.ErrInvalidArgument, errors.Cause(err))
	_, err = mdns.NewService(runner, mdns.Config{ProbeCount: -1}, v4)
	require.Equal(t, mdns.ErrInvalidArgument, errors.Cause(err))
}
