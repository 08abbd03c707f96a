package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Server-wide instrumentation. Registered on the default registry and
// served by promhttp in the REST router.
var (
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_connected_sessions",
		Help: "Number of live websocket sessions.",
	})

	OpenAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_open_auctions",
		Help: "Number of ride requests currently in BIDDING.",
	})

	BidsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_bids_placed_total",
		Help: "Total accepted bid submissions, including re-bids.",
	})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_candidate_fanout_total",
		Help: "Dispatch fan-outs by outcome.",
	}, []string{"outcome"})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_events_delivered_total",
		Help: "Events delivered to sessions by event type.",
	}, []string{"type"})

	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_slow_consumer_drops_total",
		Help: "Sessions closed because their send queue overflowed.",
	})
)
