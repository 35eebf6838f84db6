package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MessagesReceived counts inbound session messages by message type.
var MessagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_messages_received_total",
		Help: "Total number of FIX messages received across all sessions",
	},
	[]string{"msg_type"},
)

// MessagesSent counts outbound session messages by message type.
var MessagesSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_messages_sent_total",
		Help: "Total number of FIX messages sent across all sessions",
	},
	[]string{"msg_type"},
)

// Session lifecycle metrics
var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixgate_sessions_active",
			Help: "Number of FIX sessions currently in the active state",
		},
	)

	SequenceGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixgate_sequence_gaps_total",
			Help: "Total number of inbound sequence gaps detected",
		},
	)

	MessagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixgate_messages_rejected_total",
			Help: "Total number of inbound messages rejected by reason",
		},
		[]string{"reason"},
	)

	Disconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixgate_disconnects_total",
			Help: "Total number of transport disconnects requested by the engine",
		},
	)
)

// Cluster metrics
var (
	ClusterLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixgate_cluster_leader",
			Help: "1 while this node is the cluster leader, 0 otherwise",
		},
	)

	ClusterTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixgate_cluster_term",
			Help: "Current leadership term observed by this node",
		},
	)

	CommitPosition = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixgate_commit_position_bytes",
			Help: "Committed byte position of the replicated data stream",
		},
	)

	Elections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixgate_elections_total",
			Help: "Total number of leadership term changes observed by this node",
		},
	)
)

// Archive metrics
var (
	ArchivedFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixgate_archived_fragments_total",
			Help: "Total number of fragments written to the archive",
		},
	)

	ArchivedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixgate_archived_bytes_total",
			Help: "Total payload bytes written to the archive",
		},
	)
)

// EgressMessages counts fragments forwarded to the downstream broker.
var EgressMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_egress_messages_total",
		Help: "Total number of committed fragments forwarded downstream",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(MessagesReceived, MessagesSent)
	prometheus.MustRegister(SessionsActive, SequenceGaps, MessagesRejected, Disconnects)
	prometheus.MustRegister(ClusterLeader, ClusterTerm, CommitPosition, Elections)
	prometheus.MustRegister(ArchivedFragments, ArchivedBytes)
	prometheus.MustRegister(EgressMessages)
}
