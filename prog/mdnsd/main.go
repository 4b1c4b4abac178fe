package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	. "github.com/weaveworks/mdnsd/common"
	"github.com/weaveworks/mdnsd/dnssd"
	"github.com/weaveworks/mdnsd/mdns"
	mdnsnet "github.com/weaveworks/mdnsd/net"
)

var version = "(unreleased version)"

var (
	justVersion   bool
	ifaceName     string
	wait          int
	logLevel      string
	httpAddr      string
	hostName      string
	maxRenames    int
	probeInterval time.Duration
	pcapFile      string
	noIPv6        bool
	profileDir    string
	publish       []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mdnsd",
		Short: "Multicast DNS responder and DNS-SD publisher",
		Args:  cobra.NoArgs,
		Run:   root}

	flags := rootCmd.Flags()
	flags.BoolVar(&justVersion, "version", false, "print version and exit")
	flags.StringVar(&ifaceName, "iface", "", "name of interface to use for multicast (default: first multicast-capable interface)")
	flags.IntVar(&wait, "wait", -1, "number of seconds to wait for the interface to come up (0=don't wait, -1=wait forever)")
	flags.StringVar(&logLevel, "log-level", "info", "logging level (debug, info, warning, error)")
	flags.StringVar(&httpAddr, "http-addr", "127.0.0.1:6785", "address to bind HTTP interface to (disabled if blank, absolute path indicates unix domain socket)")
	flags.StringVar(&hostName, "hostname", "", "host name to advertise in .local (default: this machine's hostname)")
	flags.IntVar(&maxRenames, "max-renames", mdns.DefaultMaxRenameAttempts, "renames to try after a name conflict before giving up")
	flags.DurationVar(&probeInterval, "probe-interval", mdns.DefaultProbeInterval, "time between probes for a name")
	flags.StringVar(&pcapFile, "pcap-file", "", "write every mDNS packet sent or received to this pcap file")
	flags.BoolVar(&noIPv6, "no-ipv6", false, "do not use IPv6")
	flags.StringVar(&profileDir, "profile-dir", "", "write a CPU profile to this directory")
	flags.StringArrayVar(&publish, "publish", nil, "publish an instance at startup: instance,service,port[,key=value...] (repeatable)")

	CheckFatal(rootCmd.Execute())
}

func root(cmd *cobra.Command, args []string) {
	if justVersion {
		fmt.Printf("mdnsd %s\n", version)
		os.Exit(0)
	}

	SetLogLevel(logLevel)
	Log.Infof("[main] mdnsd version %s", version) // first thing in log: the version

	var instances []dnssd.Instance
	for _, p := range publish {
		instance, err := parsePublish(p)
		if err != nil {
			Log.Fatalf("[main] --publish %q: %v", p, err)
		}
		instances = append(instances, instance)
	}

	d := &daemon{}
	if profileDir != "" {
		d.profile = profile.Start(profile.CPUProfile, profile.ProfilePath(profileDir), profile.NoShutdownHook)
	}

	iface, err := findInterface()
	CheckFatal(err)
	v4, v6, err := mdnsnet.InterfaceAddrs(iface)
	CheckFatal(err)
	var (
		transports []mdns.Transport
		addresses  []net.IP
	)
	if v4 != nil {
		transports = append(transports, mdns.NewSocket(mdns.IPv4, iface))
		addresses = append(addresses, v4)
	}
	if v6 != nil && !noIPv6 {
		transports = append(transports, mdns.NewSocket(mdns.IPv6, iface))
		addresses = append(addresses, v6)
	}
	if len(transports) == 0 {
		Log.Fatalf("[main] interface %s has no usable address", iface.Name)
	}
	Log.Infof("[main] using interface %s with addresses %v", iface.Name, addresses)

	config := mdns.Config{MaxRenameAttempts: maxRenames, ProbeInterval: probeInterval, LocalAddresses: addresses}
	if pcapFile != "" {
		f, err := os.Create(pcapFile)
		CheckFatal(err)
		recorder, err := mdns.NewPacketRecorder(f, nil)
		CheckFatal(err)
		config.Observer = recorder
		d.capture = f
	}

	d.queue = NewSchedQueue(clock.New())
	d.queue.Start()
	d.service, err = mdns.NewService(d.queue, config, transports...)
	CheckFatal(err)
	RunSync(d.queue, func() { err = d.service.Start() })
	CheckFatal(err)
	d.publisher, err = dnssd.NewPublisher(d.service, dnssd.Config{HostName: hostName, Addresses: addresses})
	CheckFatal(err)

	for _, instance := range instances {
		RunSync(d.queue, func() { err = d.publisher.Register(instance, nil) })
		CheckFatal(err)
	}

	if httpAddr != "" {
		CheckFatal(mdns.RegisterMetrics(prometheus.DefaultRegisterer))
		router := mux.NewRouter()
		dnssd.HandleHTTP(router, d.queue, d.publisher)
		router.Methods("GET").Path("/status").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, d.Status())
		})
		router.Methods("GET").Path("/metrics").Handler(promhttp.Handler())
		d.http = &http.Server{Handler: router}
		go listenAndServeHTTP(d.http, httpAddr)
	}

	SignalHandlerLoop(d)
}

func findInterface() (*net.Interface, error) {
	if ifaceName != "" {
		Log.Infoln("[main] Waiting for mDNS interface", ifaceName, "to come up")
		iface, err := mdnsnet.EnsureInterface(ifaceName, wait)
		if err != nil {
			return nil, err
		}
		Log.Infoln("[main] Interface", ifaceName, "is up")
		return iface, nil
	}
	ifaces, err := mdnsnet.MulticastInterfaces()
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("no multicast-capable interface is up; use --iface")
	}
	return &ifaces[0], nil
}

func listenAndServeHTTP(server *http.Server, httpAddr string) {
	protocol := "tcp"
	if strings.HasPrefix(httpAddr, "/") {
		os.Remove(httpAddr) // in case it's there from last time
		protocol = "unix"
	}
	l, err := net.Listen(protocol, httpAddr)
	if err != nil {
		Log.Fatal("Unable to create http listener socket: ", err)
	}
	Log.Infof("[main] listening for HTTP on %s", httpAddr)
	if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
		Log.Fatal("Unable to create http server", err)
	}
}
