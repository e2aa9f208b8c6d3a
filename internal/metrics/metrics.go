package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmgate_invocations_total",
			Help: "Total number of function invocations",
		},
		[]string{"function", "status"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmgate_invocation_duration_seconds",
			Help:    "Function invocation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"function", "start"},
	)

	invocationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmgate_invocations_in_flight",
			Help: "Number of invocations currently executing",
		},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmgate_rejections_total",
			Help: "Total number of rejected requests",
		},
		[]string{"reason"},
	)

	trapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmgate_traps_total",
			Help: "Total number of guest traps and timeouts",
		},
		[]string{"function", "kind"},
	)

	poolCheckouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmgate_pool_checkouts_total",
			Help: "Total number of pool checkouts",
		},
		[]string{"result"},
	)

	poolIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmgate_pool_idle_instances",
			Help: "Number of warm instances currently idle in the pool",
		},
	)

	deploysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmgate_deploys_total",
			Help: "Total number of deploy and undeploy operations",
		},
		[]string{"operation", "status"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmgate_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	dbConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmgate_db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordInvocation(function string, status int, cold bool, duration time.Duration) {
	start := "warm"
	if cold {
		start = "cold"
	}
	invocationsTotal.WithLabelValues(function, strconv.Itoa(status)).Inc()
	invocationDuration.WithLabelValues(function, start).Observe(duration.Seconds())
}

func IncrementInFlight() {
	invocationsInFlight.Inc()
}

func DecrementInFlight() {
	invocationsInFlight.Dec()
}

func RecordRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordTrap(function, kind string) {
	trapsTotal.WithLabelValues(function, kind).Inc()
}

func RecordCheckout(warm bool) {
	result := "miss"
	if warm {
		result = "hit"
	}
	poolCheckouts.WithLabelValues(result).Inc()
}

func UpdatePoolIdle(idle int) {
	poolIdle.Set(float64(idle))
}

func RecordDeploy(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	deploysTotal.WithLabelValues(operation, status).Inc()
}

func UpdateDBStats(open, inUse int) {
	dbConnectionsOpen.Set(float64(open))
	dbConnectionsInUse.Set(float64(inUse))
}
