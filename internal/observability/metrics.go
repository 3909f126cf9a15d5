// Package observability owns the proxy's metric surface.
//
// Ownership boundary:
// - prometheus counters for PDU traffic, rejects and chunked transfers
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	pdusSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pspproxy",
			Subsystem: "pdu",
			Name:      "sent_total",
			Help:      "PDUs emitted to the stub.",
		},
		[]string{"rrn"},
	)
	pdusReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pspproxy",
			Subsystem: "pdu",
			Name:      "received_total",
			Help:      "Valid PDUs accepted from the stub.",
		},
		[]string{"kind"},
	)
	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pspproxy",
			Subsystem: "pdu",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames dropped by the receive state machine.",
		},
		[]string{"reason"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pspproxy",
			Subsystem: "pdu",
			Name:      "notifications_total",
			Help:      "Asynchronous notifications dispatched.",
		},
		[]string{"kind"},
	)
	beacons = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pspproxy",
			Subsystem: "pdu",
			Name:      "beacons_total",
			Help:      "Stub heartbeat beacons observed.",
		},
	)
	chunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pspproxy",
			Subsystem: "pdu",
			Name:      "chunks_total",
			Help:      "Chunked transfer requests issued.",
		},
	)
)

// Register installs the metric set into the default registry, once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			pdusSent,
			pdusReceived,
			framesRejected,
			notifications,
			beacons,
			chunks,
		)
	})
}

func PduSent(rrn string)          { pdusSent.WithLabelValues(rrn).Inc() }
func PduReceived(kind string)     { pdusReceived.WithLabelValues(kind).Inc() }
func FrameRejected(reason string) { framesRejected.WithLabelValues(reason).Inc() }
func Notification(kind string)    { notifications.WithLabelValues(kind).Inc() }
func BeaconSeen()                 { beacons.Inc() }
func ChunkIssued()                { chunks.Inc() }
