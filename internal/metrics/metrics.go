// Package metrics exposes transfer counters on the default Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

var (
	// transfersTotal counts finished file transfers.
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bsc_transfers_total",
		Help: "Total number of file transfers by direction, artifact type and outcome",
	}, []string{"direction", "type", "outcome"})

	// transferBytesTotal counts bytes moved to or from the store.
	transferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bsc_transfer_bytes_total",
		Help: "Total bytes transferred by direction and artifact type",
	}, []string{"direction", "type"})

	// retryAttemptsTotal counts attempts beyond the first.
	retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bsc_retry_attempts_total",
		Help: "Total number of retried attempts by direction",
	}, []string{"direction"})

	// storeThrottlesTotal counts throttling responses from the object store.
	storeThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bsc_store_throttles_total",
		Help: "Total number of throttling responses seen from the object store",
	})

	// restoreInFlight is the number of restore tasks not yet finished.
	restoreInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bsc_restore_in_flight",
		Help: "Current number of restore tasks in flight",
	})
)

// ObserveTransfer records one finished transfer.
func ObserveTransfer(direction, fileType, outcome string, bytes int64) {
	transfersTotal.WithLabelValues(direction, fileType, outcome).Inc()
	if bytes > 0 {
		transferBytesTotal.WithLabelValues(direction, fileType).Add(float64(bytes))
	}
}

// ObserveRetry records one retried attempt.
func ObserveRetry(direction string) {
	retryAttemptsTotal.WithLabelValues(direction).Inc()
}

// ObserveThrottles adds the throttle delta of one transfer.
func ObserveThrottles(n int64) {
	if n > 0 {
		storeThrottlesTotal.Add(float64(n))
	}
}

// SetRestoreInFlight sets the in-flight restore gauge.
func SetRestoreInFlight(n int64) {
	restoreInFlight.Set(float64(n))
}
