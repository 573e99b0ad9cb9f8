package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "sunvault_"

	ResultSuccess = "success"
	ResultAuth    = "auth_error"
	ResultAPI     = "api_error"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec

	refreshTotal   *prometheus.CounterVec
	refreshLatency prometheus.Histogram

	mutationTotal *prometheus.CounterVec

	batteries     prometheus.Gauge
	streamClients prometheus.Gauge
)

// Init registers the metrics with reg, or the default registerer when reg is
// nil. Observers are no-ops until Init has been called.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		apiRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "api_requests_total",
				Help: "Total cloud API requests by endpoint and result",
			},
			[]string{"endpoint", "result"},
		)
		apiLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "api_request_duration_seconds",
				Help:    "Cloud API request latency including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		)
		refreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_total",
				Help: "Total refresh cycles by result",
			},
			[]string{"result"},
		)
		refreshLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "refresh_duration_seconds",
				Help:    "Refresh cycle latency",
				Buckets: prometheus.DefBuckets,
			},
		)
		mutationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "setting_updates_total",
				Help: "Total setting updates by setting and result",
			},
			[]string{"setting", "result"},
		)
		batteries = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "batteries",
				Help: "Number of known battery stations",
			},
		)
		streamClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stream_clients",
				Help: "Connected websocket stream clients",
			},
		)

		reg.MustRegister(
			apiRequests,
			apiLatency,
			refreshTotal,
			refreshLatency,
			mutationTotal,
			batteries,
			streamClients,
		)
	})
}

// ObserveAPIRequest records the result and latency of one API call.
func ObserveAPIRequest(endpoint, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if apiRequests != nil {
		apiRequests.WithLabelValues(endpoint, result).Inc()
	}
	if apiLatency != nil {
		apiLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
	}
}

// ObserveRefresh records the result and latency of one refresh cycle.
func ObserveRefresh(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if refreshTotal != nil {
		refreshTotal.WithLabelValues(result).Inc()
	}
	if refreshLatency != nil {
		refreshLatency.Observe(duration.Seconds())
	}
}

// IncSettingUpdate increments the setting update counter.
func IncSettingUpdate(setting, result string) {
	if result == "" {
		result = ResultSuccess
	}
	if mutationTotal != nil {
		mutationTotal.WithLabelValues(setting, result).Inc()
	}
}

// SetBatteries sets the number of known stations.
func SetBatteries(n int) {
	if batteries != nil {
		batteries.Set(float64(n))
	}
}

// AddStreamClients adjusts the connected stream client gauge by delta.
func AddStreamClients(delta int) {
	if streamClients != nil {
		streamClients.Add(float64(delta))
	}
}
