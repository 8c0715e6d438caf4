// Package metrics declares the Prometheus instrumentation surfaced by the
// gossip core, in the teacher's promauto style
// (internal/infra/observability/observability.go): package-level vars
// registered at init time against the default registry, grouped by
// subsystem, and mounted behind promhttp.Handler() by internal/debugapi.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "saorsa_gossip"

// ─── Failure Detector ───────────────────────────────────────────────────

var (
	// PeerStateGauge reports current peer counts by classification.
	PeerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "swim",
		Name:      "peers",
		Help:      "Peers currently known, by state (alive/suspect/dead).",
	}, []string{"state"})

	// ProbesSent counts direct and indirect PING/PING_REQ probes sent.
	ProbesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "swim",
		Name:      "probes_sent_total",
		Help:      "Total probe messages sent, by kind (direct/indirect).",
	}, []string{"kind"})

	// SuspectTransitions counts peer-state transitions by destination:
	// Alive→Suspect, Suspect→Alive refutations, and any transition to Dead.
	SuspectTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "swim",
		Name:      "state_transitions_total",
		Help:      "Total peer-state transitions, by destination state.",
	}, []string{"to"})
)

// ─── Overlay ─────────────────────────────────────────────────────────────

var (
	// ActiveViewSize reports the current active-view degree.
	ActiveViewSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hyparview",
		Name:      "active_view_size",
		Help:      "Current number of peers in the active view.",
	})

	// PassiveViewSize reports the current passive-view size.
	PassiveViewSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hyparview",
		Name:      "passive_view_size",
		Help:      "Current number of peers in the passive view.",
	})

	// ShuffleRounds counts shuffle rounds initiated.
	ShuffleRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hyparview",
		Name:      "shuffle_rounds_total",
		Help:      "Total shuffle rounds initiated.",
	})
)

// ─── Dissemination ───────────────────────────────────────────────────────

var (
	// MessagesPublished counts locally originated publishes, by topic.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plumtree",
		Name:      "messages_published_total",
		Help:      "Total messages published locally, by topic.",
	}, []string{"topic"})

	// MessagesDelivered counts distinct messages delivered to local
	// subscribers, by topic.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plumtree",
		Name:      "messages_delivered_total",
		Help:      "Total distinct messages delivered to local subscribers, by topic.",
	}, []string{"topic"})

	// DuplicatesPruned counts duplicate EAGERs that triggered a PRUNE.
	DuplicatesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plumtree",
		Name:      "duplicates_pruned_total",
		Help:      "Total duplicate EAGER deliveries that triggered a PRUNE.",
	})

	// GraftsSent counts GRAFT messages sent by degree repair. The local
	// lazy-to-eager move made when an IWANT is satisfied is not counted.
	GraftsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plumtree",
		Name:      "grafts_sent_total",
		Help:      "Total GRAFT messages sent.",
	})

	// IWantRetries counts IWANT retries, by outcome (retried/abandoned).
	IWantRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plumtree",
		Name:      "iwant_retries_total",
		Help:      "Total IWANT retry sweeps, by outcome.",
	}, []string{"outcome"})

	// CacheSize reports the current message-cache size, by topic.
	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "plumtree",
		Name:      "cache_size",
		Help:      "Current message-cache entry count, by topic.",
	}, []string{"topic"})
)

// ─── Errors ──────────────────────────────────────────────────────────────

var (
	// MalformedFrames counts frames that failed to decode.
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "errors",
		Name:      "malformed_frames_total",
		Help:      "Total frames dropped for failing to decode (spec ErrMalformedFrame).",
	})

	// InvalidSignatures counts EAGERs dropped for signature failure.
	InvalidSignatures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "errors",
		Name:      "invalid_signatures_total",
		Help:      "Total EAGER messages dropped for failing signature verification.",
	})

	// CapacityDrops counts drops caused by a bounded structure at its cap.
	CapacityDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "errors",
		Name:      "capacity_drops_total",
		Help:      "Total drops caused by a bounded structure at capacity, by structure.",
	}, []string{"structure"})
)
