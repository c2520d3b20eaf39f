package trusttoken

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	phaseBegin    = "begin"
	phaseFinalize = "finalize"
)

type Metrics struct {
	operations *prometheus.CounterVec
	issued     prometheus.Counter
	pruned     prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns the lazily-initialised metrics registered with the
// default Prometheus registerer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
		defaultMetrics.MustRegister(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics builds an unregistered metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trusttoken",
			Subsystem: "issuance",
			Name:      "operations_total",
			Help:      "Issuance steps segmented by phase and resulting status.",
		}, []string{"phase", "status"}),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trusttoken",
			Subsystem: "issuance",
			Name:      "issued_tokens_total",
			Help:      "Unblinded tokens handed to the token store.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trusttoken",
			Subsystem: "issuance",
			Name:      "pruned_tokens_total",
			Help:      "Stored tokens dropped because their signing key left the issuer's commitment.",
		}),
	}
}

func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.operations, m.issued, m.pruned)
}

// Operation returns the counter for one phase/status pair.
func (m *Metrics) Operation(phase string, status Status) prometheus.Counter {
	return m.operations.WithLabelValues(phase, status.String())
}

func (m *Metrics) Issued() prometheus.Counter {
	return m.issued
}

func (m *Metrics) Pruned() prometheus.Counter {
	return m.pruned
}

func (m *Metrics) observe(phase string, err error) {
	if m == nil {
		return
	}
	m.Operation(phase, StatusOf(err)).Inc()
}

func (m *Metrics) addIssued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.issued.Add(float64(n))
}

func (m *Metrics) addPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}
