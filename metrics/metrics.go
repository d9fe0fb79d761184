package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceSubset = "subset"
	subsystemRBC    = "rbc"
	subsystemBBA    = "bba"
	subsystemACS    = "acs"
)

// Collector receives events from running subset sessions.
type Collector interface {
	// Fault is reported for every protocol violation, labelled by kind.
	Fault(kind string)
	RBCDelivered(size int)
	AgreementDecided(value bool, epochs int)
	SessionDecided(contributions int, duration time.Duration)
}

type PrometheusCollector struct {
	faults          *prometheus.CounterVec
	rbcDelivered    prometheus.Counter
	rbcValueSize    prometheus.Histogram
	bbaDecided      *prometheus.CounterVec
	bbaEpochs       prometheus.Histogram
	sessions        prometheus.Counter
	contributions   prometheus.Histogram
	sessionDuration prometheus.Histogram
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the subset metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "faults_total",
			Namespace: namespaceSubset,
			Help:      "the number of protocol faults observed, by kind",
		}, []string{"kind"}),

		rbcDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name:      "delivered_total",
			Namespace: namespaceSubset,
			Subsystem: subsystemRBC,
			Help:      "the number of broadcast values delivered",
		}),

		rbcValueSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "value_size_bytes",
			Namespace: namespaceSubset,
			Subsystem: subsystemRBC,
			Help:      "size of delivered broadcast values",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),

		bbaDecided: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "decided_total",
			Namespace: namespaceSubset,
			Subsystem: subsystemBBA,
			Help:      "the number of binary agreements decided, by value",
		}, []string{"value"}),

		bbaEpochs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "epochs",
			Namespace: namespaceSubset,
			Subsystem: subsystemBBA,
			Help:      "epochs a binary agreement ran before deciding",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
		}),

		sessions: factory.NewCounter(prometheus.CounterOpts{
			Name:      "sessions_decided_total",
			Namespace: namespaceSubset,
			Subsystem: subsystemACS,
			Help:      "the number of subset sessions that produced an output",
		}),

		contributions: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "contributions",
			Namespace: namespaceSubset,
			Subsystem: subsystemACS,
			Help:      "number of contributions in a session output",
			Buckets:   prometheus.LinearBuckets(1, 1, 16),
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "session_duration_seconds",
			Namespace: namespaceSubset,
			Subsystem: subsystemACS,
			Help:      "time from session creation to output",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (c *PrometheusCollector) Fault(kind string) {
	c.faults.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) RBCDelivered(size int) {
	c.rbcDelivered.Inc()
	c.rbcValueSize.Observe(float64(size))
}

func (c *PrometheusCollector) AgreementDecided(value bool, epochs int) {
	label := "0"
	if value {
		label = "1"
	}
	c.bbaDecided.WithLabelValues(label).Inc()
	c.bbaEpochs.Observe(float64(epochs))
}

func (c *PrometheusCollector) SessionDecided(contributions int, duration time.Duration) {
	c.sessions.Inc()
	c.contributions.Observe(float64(contributions))
	c.sessionDuration.Observe(duration.Seconds())
}
