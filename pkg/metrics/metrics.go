// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for the engine and
// the development backend. Metrics are registered with the default
// registry and can be switched off at runtime with Disable.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics
	Namespace = "mpckit"

	LabelOperation  = "operation"
	LabelKeyType    = "key_type"
	LabelStatus     = "status"
	LabelErrorType  = "error_type"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"
	LabelRoute      = "route"
	LabelBackend    = "backend"

	StatusSuccess = "success"
	StatusError   = "error"

	OpLogin            = "login"
	OpInputFactor      = "input_factor"
	OpCreateFactor     = "create_factor"
	OpDeleteFactor     = "delete_factor"
	OpEnableMFA        = "enable_mfa"
	OpRefresh          = "refresh"
	OpSign             = "sign"
	OpPrecompute       = "precompute"
	OpSessionCreate    = "session_create"
	OpSessionAuthorize = "session_authorize"
	OpMetadataSync     = "metadata_sync"
	OpExport           = "export"
	OpRecovery         = "recovery"
)

var (
	// OperationsTotal counts engine operations
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of engine operations by type, key type, and status",
		},
		[]string{LabelOperation, LabelKeyType, LabelStatus},
	)

	// OperationDuration measures engine operation latency
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelOperation, LabelKeyType},
	)

	// ErrorsTotal counts failed operations by error category
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, key type, and error category",
		},
		[]string{LabelOperation, LabelKeyType, LabelErrorType},
	)

	// SigningRetries counts precomputed signing sessions that had to be
	// replaced by a fresh one
	SigningRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "signing_retries_total",
			Help:      "Total number of signing attempts retried with a fresh session",
		},
		[]string{LabelKeyType},
	)

	// FactorsTotal tracks the number of factors on the active account
	FactorsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "factors_total",
			Help:      "Number of factors registered on the active account",
		},
		[]string{LabelKeyType},
	)

	// PendingTransitions tracks buffered, unsynced metadata writes
	PendingTransitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "metadata_pending_transitions",
			Help:      "Number of buffered metadata writes awaiting sync",
		},
	)

	// HTTPRequestsTotal counts dev backend HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status code",
		},
		[]string{LabelMethod, LabelRoute, LabelStatusCode},
	)

	// HTTPRequestDuration measures dev backend HTTP latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	// ActiveConnections tracks in-flight HTTP requests
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "active_connections",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	// BackendHealthy reports dev backend store health
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_healthy",
			Help:      "Indicates whether a backend store is healthy (1) or unhealthy (0)",
		},
		[]string{LabelBackend},
	)

	// StoreRecords reports the number of records held by a dev backend
	// store
	StoreRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "store_records",
			Help:      "Number of records held by a backend store",
		},
		[]string{LabelBackend},
	)

	// Goroutines reports the number of goroutines
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// ServerUptime reports seconds since the dev backend started
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records the outcome and latency of an operation.
func RecordOperation(operation, keyType, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, keyType, status).Inc()
	OperationDuration.WithLabelValues(operation, keyType).Observe(duration)
}

// RecordError records a failed operation by error category.
func RecordError(operation, keyType, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, keyType, errorType).Inc()
}

// ObserveOperation records an operation that started at start and
// finished with err. errorType is only used when err is non-nil.
func ObserveOperation(operation, keyType string, start time.Time, err error, errorType string) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
		RecordError(operation, keyType, errorType)
	}
	RecordOperation(operation, keyType, status, time.Since(start).Seconds())
}

// RecordSigningRetry counts a signing retry.
func RecordSigningRetry(keyType string) {
	if !enabled.Load() {
		return
	}
	SigningRetries.WithLabelValues(keyType).Inc()
}

// SetFactorsTotal sets the factor count gauge.
func SetFactorsTotal(keyType string, count int) {
	if !enabled.Load() {
		return
	}
	FactorsTotal.WithLabelValues(keyType).Set(float64(count))
}

// SetPendingTransitions sets the buffered metadata write gauge.
func SetPendingTransitions(count int) {
	if !enabled.Load() {
		return
	}
	PendingTransitions.Set(float64(count))
}

// RecordHTTPRequest records a dev backend HTTP request. route is the
// matched route pattern, never the raw path.
func RecordHTTPRequest(method, route, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// SetStoreRecords sets the record count gauge of a backend store.
func SetStoreRecords(backend string, count int) {
	if !enabled.Load() {
		return
	}
	StoreRecords.WithLabelValues(backend).Set(float64(count))
}

// SetBackendHealth sets the health gauge of a backend store.
func SetBackendHealth(backend string, healthy bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	BackendHealthy.WithLabelValues(backend).Set(value)
}

// Enable turns metric recording on.
func Enable() {
	enabled.Store(true)
}

// Disable turns metric recording off.
func Disable() {
	enabled.Store(false)
}

// IsEnabled reports whether metrics are recorded.
func IsEnabled() bool {
	return enabled.Load()
}
