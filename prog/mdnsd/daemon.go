package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	. "github.com/weaveworks/mdnsd/common"
	"github.com/weaveworks/mdnsd/dnssd"
	"github.com/weaveworks/mdnsd/mdns"
)

// daemon is what the signal handler stops and reports on.
type daemon struct {
	queue     *SchedQueue
	service   *mdns.Service
	publisher *dnssd.Publisher
	http      *http.Server
	capture   io.Closer
	profile   interface{ Stop() }
}

func (d *daemon) Status() string {
	status := "stopped"
	RunSync(d.queue, func() {
		status = fmt.Sprintf("mdns: %s\ndnssd: %s", d.service.Status(), d.publisher.Status())
	})
	return status
}

// Stop closes the HTTP interface, withdraws everything published, then
// shuts the sockets.
func (d *daemon) Stop() error {
	if d.http != nil {
		CheckWarn(d.http.Close())
	}
	var err error
	RunSync(d.queue, func() {
		d.publisher.Close()
		err = d.service.Close()
	})
	d.queue.Stop()
	if d.capture != nil {
		CheckWarn(d.capture.Close())
	}
	if d.profile != nil {
		d.profile.Stop()
	}
	return err
}

// parsePublish reads "instance,service,port[,key=value...]".
func parsePublish(s string) (dnssd.Instance, error) {
	fields := strings.Split(s, ",")
	if len(fields) < 3 {
		return dnssd.Instance{}, fmt.Errorf("want instance,service,port[,key=value...]")
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return dnssd.Instance{}, fmt.Errorf("bad port %q", fields[2])
	}
	var txt map[string]string
	for _, kv := range fields[3:] {
		if txt == nil {
			txt = make(map[string]string)
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else {
			txt[parts[0]] = ""
		}
	}
	return dnssd.NewInstance(fields[0], fields[1], uint16(port), txt)
}
