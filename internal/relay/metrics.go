package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sourceQueue     = "queue"
	sourceChallenge = "challenge"

	outcomeAccepted  = "accepted"
	outcomeDeclined  = "declined"
	outcomeExpired   = "expired"
	outcomeCancelled = "cancelled"
)

// Metrics holds the relay's Prometheus collectors. Register once per process
// against the default registerer; tests pass a private registry.
type Metrics struct {
	ConnectedPlayers prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	MatchesStarted   *prometheus.CounterVec
	MatchesEnded     *prometheus.CounterVec
	Challenges       *prometheus.CounterVec
}

// NewMetrics builds and registers the relay collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedPlayers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mathduel",
			Subsystem: "relay",
			Name:      "connected_players",
			Help:      "Players with a registered socket.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mathduel",
			Subsystem: "relay",
			Name:      "queue_depth",
			Help:      "Players waiting in the matchmaking queue.",
		}, []string{"difficulty"}),
		MatchesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mathduel",
			Subsystem: "relay",
			Name:      "matches_started_total",
			Help:      "Matches started, by pairing source and difficulty.",
		}, []string{"source", "difficulty"}),
		MatchesEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mathduel",
			Subsystem: "relay",
			Name:      "matches_ended_total",
			Help:      "Matches ended, by end reason.",
		}, []string{"reason"}),
		Challenges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mathduel",
			Subsystem: "relay",
			Name:      "challenges_resolved_total",
			Help:      "Friend challenges resolved, by outcome.",
		}, []string{"outcome"}),
	}
}
