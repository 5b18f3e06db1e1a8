package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FacilitatorMetrics holds the prometheus collectors of the facilitator.
// A nil *FacilitatorMetrics is valid and records nothing.
type FacilitatorMetrics struct {
	verifications  *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	settleLatency  *prometheus.HistogramVec
	splits         *prometheus.CounterVec
	splitVolume    *prometheus.CounterVec
	watcherPolls   *prometheus.CounterVec
	watcherCursor  *prometheus.GaugeVec
	noncesSwept    prometheus.Counter
	httpRateLimits prometheus.Counter
}

var (
	facilitatorOnce     sync.Once
	facilitatorRegistry *FacilitatorMetrics
)

// Facilitator returns the process-wide metrics, registering them on first use.
func Facilitator() *FacilitatorMetrics {
	facilitatorOnce.Do(func() {
		facilitatorRegistry = &FacilitatorMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "facilitator_verifications_total",
				Help: "Count of payment verifications by outcome.",
			}, []string{"outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "facilitator_settlements_total",
				Help: "Count of settlements by mode and outcome.",
			}, []string{"mode", "outcome"}),
			settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "facilitator_settlement_duration_seconds",
				Help:    "Time from broadcast to confirmation by mode.",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"mode"}),
			splits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "facilitator_watcher_splits_total",
				Help: "Count of watcher split records by beneficiary and status.",
			}, []string{"beneficiary", "status"}),
			splitVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "facilitator_watcher_split_volume",
				Help: "Smallest-unit volume split by beneficiary.",
			}, []string{"beneficiary"}),
			watcherPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "facilitator_watcher_polls_total",
				Help: "Count of watcher poll cycles by beneficiary and outcome.",
			}, []string{"beneficiary", "outcome"}),
			watcherCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "facilitator_watcher_cursor_block",
				Help: "Block number of the newest transfer seen per beneficiary.",
			}, []string{"beneficiary"}),
			noncesSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "facilitator_nonces_swept_total",
				Help: "Count of expired nonce records deleted by the sweeper.",
			}),
			httpRateLimits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "facilitator_http_rate_limited_total",
				Help: "Count of HTTP requests rejected by the rate limiter.",
			}),
		}
		prometheus.MustRegister(
			facilitatorRegistry.verifications,
			facilitatorRegistry.settlements,
			facilitatorRegistry.settleLatency,
			facilitatorRegistry.splits,
			facilitatorRegistry.splitVolume,
			facilitatorRegistry.watcherPolls,
			facilitatorRegistry.watcherCursor,
			facilitatorRegistry.noncesSwept,
			facilitatorRegistry.httpRateLimits,
		)
	})
	return facilitatorRegistry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func (m *FacilitatorMetrics) ObserveVerification(err error) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome(err)).Inc()
}

func (m *FacilitatorMetrics) ObserveSettlement(mode string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(mode), outcome(err)).Inc()
	if err == nil {
		m.settleLatency.WithLabelValues(label(mode)).Observe(elapsed.Seconds())
	}
}

func (m *FacilitatorMetrics) ObserveSplit(beneficiary, status string, total uint64) {
	if m == nil {
		return
	}
	m.splits.WithLabelValues(label(beneficiary), label(status)).Inc()
	if status == "completed" {
		m.splitVolume.WithLabelValues(label(beneficiary)).Add(float64(total))
	}
}

func (m *FacilitatorMetrics) ObservePoll(beneficiary string, err error) {
	if m == nil {
		return
	}
	m.watcherPolls.WithLabelValues(label(beneficiary), outcome(err)).Inc()
}

func (m *FacilitatorMetrics) SetCursor(beneficiary string, block uint64) {
	if m == nil {
		return
	}
	m.watcherCursor.WithLabelValues(label(beneficiary)).Set(float64(block))
}

func (m *FacilitatorMetrics) AddNoncesSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.noncesSwept.Add(float64(n))
}

func (m *FacilitatorMetrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.httpRateLimits.Inc()
}
