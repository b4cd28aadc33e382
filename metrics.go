package pseudonym

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	postsAccepted    prometheus.Counter
	postsRefused     *prometheus.CounterVec
	pseudonymsMinted prometheus.Counter
	rotationRaces    prometheus.Counter
	decryptFailures  prometheus.Counter
	scanCandidates   *prometheus.CounterVec
	scanMatches      *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		postsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pseudonym",
			Name:      "posts_accepted_total",
			Help:      "Posts that passed every gate and were persisted.",
		}),
		postsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pseudonym",
			Name:      "posts_refused_total",
			Help:      "Posts refused by the pipeline, by reason.",
		}, []string{"reason"}),
		pseudonymsMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pseudonym",
			Name:      "pseudonyms_minted_total",
			Help:      "New pseudonym mappings created.",
		}),
		rotationRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pseudonym",
			Name:      "rotation_races_lost_total",
			Help:      "Mapping inserts that lost to a concurrent writer and re-read.",
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pseudonym",
			Name:      "decrypt_failures_total",
			Help:      "Identity decryptions that failed.",
		}),
		scanCandidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pseudonym",
			Name:      "scan_candidates_total",
			Help:      "Posts examined by user searches.",
		}, []string{"scope"}),
		scanMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pseudonym",
			Name:      "scan_matches_total",
			Help:      "Posts matched by user searches.",
		}, []string{"scope"}),
	}
	m.Registry.MustRegister(
		m.postsAccepted, m.postsRefused, m.pseudonymsMinted,
		m.rotationRaces, m.decryptFailures, m.scanCandidates, m.scanMatches,
	)
	return m
}

func (m *Metrics) postAccepted() {
	if m != nil {
		m.postsAccepted.Inc()
	}
}

func (m *Metrics) postRefused(reason string) {
	if m != nil {
		m.postsRefused.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) minted() {
	if m != nil {
		m.pseudonymsMinted.Inc()
	}
}

func (m *Metrics) raceLost() {
	if m != nil {
		m.rotationRaces.Inc()
	}
}

func (m *Metrics) decryptFailed() {
	if m != nil {
		m.decryptFailures.Inc()
	}
}

func (m *Metrics) scanned(scope string, candidates, matches int) {
	if m != nil {
		m.scanCandidates.WithLabelValues(scope).Add(float64(candidates))
		m.scanMatches.WithLabelValues(scope).Add(float64(matches))
	}
}
