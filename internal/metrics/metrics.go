// Package metrics exposes Prometheus instrumentation for the venue host,
// following the teacher's package-level promauto pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_peers_connected",
		Help: "Number of currently registered peers",
	})

	PeersRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_peers_registered_total",
		Help: "Total number of HELLO registrations",
	})

	PeersReplacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_peers_replaced_total",
		Help: "Total number of peers superseded by a re-HELLO with the same peerId",
	})

	PeersTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_peers_timed_out_total",
		Help: "Total number of peers removed by the heartbeat liveness sweep",
	})

	IndexFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_index_files",
		Help: "Number of files currently in the index",
	})

	IndexMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_index_mutations_total",
		Help: "Total file index mutations",
	}, []string{"op"})

	TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_transfers_active",
		Help: "Number of relay transfers currently in flight",
	})

	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_transfers_total",
		Help: "Total relay transfers by terminal state",
	}, []string{"state"})

	BytesRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_bytes_relayed_total",
		Help: "Total bytes forwarded through the relay broker",
	})

	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_messages_received_total",
		Help: "Total inbound protocol messages by type",
	}, []string{"type"})

	MessagesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_messages_rejected_total",
		Help: "Total inbound messages rejected by error code",
	}, []string{"code"})

	AnnouncerPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_announcer_publish_errors_total",
		Help: "Total non-fatal failures publishing the mDNS service record",
	})
)

func RecordIndexMutation(op string) {
	IndexMutationsTotal.WithLabelValues(op).Inc()
}

func RecordTransferTerminal(state string) {
	TransfersTotal.WithLabelValues(state).Inc()
}

func RecordMessageReceived(msgType string) {
	MessagesReceivedTotal.WithLabelValues(msgType).Inc()
}

func RecordMessageRejected(code string) {
	MessagesRejectedTotal.WithLabelValues(code).Inc()
}
