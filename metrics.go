package lottery

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports operation latency and settlement counts to Prometheus.
// A nil *Metrics records nothing.
type Metrics struct {
	OperationDuration *prometheus.HistogramVec
	Settlements       *prometheus.CounterVec
}

// NewMetrics registers the lottery metrics with reg (prometheus.DefaultRegisterer if nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lottery_operation_duration_seconds",
			Help:    "Duration of lottery operations by operation and result",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_settlements_total",
			Help: "Reward transfer outcomes by resulting claim status",
		}, []string{"status"}),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op, resultLabel(err)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) settled(status ClaimStatus) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(string(status)).Inc()
}

// resultLabel keeps the label set small: ok, the error code, or "error"
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var le *LotteryError
	if errors.As(err, &le) {
		return string(le.Code)
	}
	return "error"
}

// MonitorCollector exposes a PerformanceMonitor snapshot as Prometheus metrics
type MonitorCollector struct {
	monitor *PerformanceMonitor
	descs   map[string]*prometheus.Desc
}

var monitorCounters = []struct {
	name, help string
	value      func(PerformanceMetrics) int64
}{
	{"lottery_tickets_sold_total", "Tickets sold", func(m PerformanceMetrics) int64 { return m.TicketsSold }},
	{"lottery_rejected_deposits_total", "Purchases rejected for a bad deposit", func(m PerformanceMetrics) int64 { return m.RejectedDeposit }},
	{"lottery_draws_total", "Draw operations", func(m PerformanceMetrics) int64 { return m.TotalDraws }},
	{"lottery_failed_draws_total", "Draw operations that failed", func(m PerformanceMetrics) int64 { return m.FailedDraws }},
	{"lottery_winners_drawn_total", "Winners selected", func(m PerformanceMetrics) int64 { return m.WinnersDrawn }},
	{"lottery_claims_total", "Successful claims", func(m PerformanceMetrics) int64 { return m.Claims }},
	{"lottery_rejected_claims_total", "Rejected claims", func(m PerformanceMetrics) int64 { return m.RejectedClaims }},
	{"lottery_lock_failures_total", "Failed lock acquisitions", func(m PerformanceMetrics) int64 { return m.LockFailures }},
	{"lottery_redis_errors_total", "Redis errors", func(m PerformanceMetrics) int64 { return m.RedisErrors }},
}

// NewMonitorCollector creates a collector over monitor
func NewMonitorCollector(monitor *PerformanceMonitor) *MonitorCollector {
	c := &MonitorCollector{monitor: monitor, descs: make(map[string]*prometheus.Desc, len(monitorCounters))}
	for _, mc := range monitorCounters {
		c.descs[mc.name] = prometheus.NewDesc(mc.name, mc.help, nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector
func (c *MonitorCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *MonitorCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.monitor.GetMetrics()
	for _, mc := range monitorCounters {
		ch <- prometheus.MustNewConstMetric(c.descs[mc.name], prometheus.CounterValue, float64(mc.value(snapshot)))
	}
}

// BreakerCollector exposes the ledger circuit breaker as Prometheus gauges.
// gobreaker clears its counts every interval, so none of them are counters.
type BreakerCollector struct {
	metrics *CircuitBreakerMetrics
	descs   map[string]*prometheus.Desc
}

var breakerGauges = []struct {
	name, help, key string
	disabled        float64
}{
	{"lottery_circuit_breaker_state", "Ledger circuit breaker state: 0 closed, 1 half-open, 2 open, -1 disabled", "circuit_breaker_state_numeric", -1},
	{"lottery_circuit_breaker_requests", "Ledger calls in the current breaker interval", "circuit_breaker_requests_total", 0},
	{"lottery_circuit_breaker_successes", "Successful ledger calls in the current breaker interval", "circuit_breaker_successes_total", 0},
	{"lottery_circuit_breaker_failures", "Failed ledger calls in the current breaker interval", "circuit_breaker_failures_total", 0},
	{"lottery_circuit_breaker_consecutive_failures", "Ledger calls failed in a row", "circuit_breaker_consecutive_failures", 0},
}

// NewBreakerCollector creates a collector over breaker
func NewBreakerCollector(breaker *CircuitBreakerLedger) *BreakerCollector {
	c := &BreakerCollector{metrics: NewCircuitBreakerMetrics(breaker), descs: make(map[string]*prometheus.Desc, len(breakerGauges))}
	for _, g := range breakerGauges {
		c.descs[g.name] = prometheus.NewDesc(g.name, g.help, nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector
func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	values := c.metrics.CollectMetrics()
	for _, g := range breakerGauges {
		v := g.disabled
		switch n := values[g.key].(type) {
		case int:
			v = float64(n)
		case uint32:
			v = float64(n)
		}
		ch <- prometheus.MustNewConstMetric(c.descs[g.name], prometheus.GaugeValue, v)
	}
}
