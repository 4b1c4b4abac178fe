package mdns

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_messages_sent_total",
			Help: "mDNS messages handed to a transport.",
		},
		[]string{"family"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_messages_received_total",
			Help: "Well-formed mDNS messages received.",
		},
		[]string{"type"},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_messages_dropped_total",
			Help: "mDNS messages dropped instead of sent or processed.",
		},
		[]string{"reason"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_send_errors_total",
			Help: "Transport failures while sending.",
		},
		[]string{"family"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdns_probes_total",
			Help: "Probe sessions by outcome.",
		},
		[]string{"result"},
	)
	recordsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdns_records_registered",
			Help: "Records currently registered for answering and announcement.",
		},
	)
)

const (
	dropMalformed = "malformed"
	dropTooLarge  = "too_large"
	dropClosed    = "closed"
	dropBadSource = "bad_source"

	probeConfirmed = "confirmed"
	probeConflict  = "conflict"
	probeFailed    = "failed"
	probeCancelled = "cancelled"
)

// RegisterMetrics registers every mDNS collector with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		messagesSent, messagesReceived, messagesDropped, sendErrors, probes, recordsRegistered,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
