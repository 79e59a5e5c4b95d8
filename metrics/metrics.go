// Package metrics exposes Prometheus collectors for settlement runs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "settlement_"

	ResultSuccess  = "success"
	ResultError    = "error"
	ResultConflict = "conflict"
)

var (
	registerOnce sync.Once

	calculationTotal   *prometheus.CounterVec
	calculationLatency *prometheus.HistogramVec
	warningsTotal      *prometheus.CounterVec
	importRowsTotal    *prometheus.CounterVec
)

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	InitWith(prometheus.DefaultRegisterer)
}

// InitWith registers the collectors with reg. Only the first call has an
// effect.
func InitWith(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		calculationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "calculations_total",
				Help: "Total period calculations by result",
			},
			[]string{"result"},
		)
		calculationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "calculation_latency_seconds",
				Help:    "Period calculation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		warningsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "warnings_total",
				Help: "Total calculation warnings by code",
			},
			[]string{"code"},
		)
		importRowsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "import_rows_total",
				Help: "Total imported input rows by kind",
			},
			[]string{"kind"},
		)

		reg.MustRegister(calculationTotal, calculationLatency, warningsTotal, importRowsTotal)
	})
}

// ObserveCalculation records calculation latency and result.
func ObserveCalculation(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if calculationTotal != nil {
		calculationTotal.WithLabelValues(result).Inc()
	}
	if calculationLatency != nil {
		calculationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncWarning counts one warning of the given code.
func IncWarning(code string) {
	if warningsTotal != nil {
		warningsTotal.WithLabelValues(code).Inc()
	}
}

// AddImportedRows counts rows accepted by an import endpoint.
func AddImportedRows(kind string, n int) {
	if importRowsTotal != nil && n > 0 {
		importRowsTotal.WithLabelValues(kind).Add(float64(n))
	}
}
