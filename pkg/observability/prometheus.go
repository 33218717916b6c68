// Package observability provides Prometheus metrics for the storage node.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all node metrics.
	namespace = "nexus_storage_node"
)

// Metrics holds all Prometheus metrics for the storage node.
type Metrics struct {
	registry *prometheus.Registry

	// CSI volume operation metrics
	volumeOpsTotal    *prometheus.CounterVec
	volumeOpsDuration *prometheus.HistogramVec

	// Controller (NVMe/TCP) connection metrics
	controllerConnectsTotal   *prometheus.CounterVec
	controllerConnectDuration prometheus.Histogram
	controllerCountFunc       func() int // backing callback for controllers_active

	// Mount operation metrics
	mountOpsTotal *prometheus.CounterVec

	// Stale mount metrics
	staleMountsDetectedTotal prometheus.Counter
	staleRecoveriesTotal     *prometheus.CounterVec

	// Orphan cleanup metrics
	orphansCleanedTotal prometheus.Counter

	// Nexus health metrics
	nexusStatus    *prometheus.GaugeVec
	childFaults    *prometheus.CounterVec
	rebuildsTotal  *prometheus.CounterVec
	rebuildSeconds prometheus.Histogram

	// Controller reset/reconnect metrics
	resetsTotal       *prometheus.CounterVec
	resetDuration     prometheus.Histogram
	connectionState   *prometheus.GaugeVec
	reconnectTotal    *prometheus.CounterVec
	reconnectDuration prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on driver restart (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		volumeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_operations_total",
				Help:      "Total number of volume operations by type and status",
			},
			[]string{"operation", "status"},
		),

		volumeOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_operation_duration_seconds",
				Help:      "Duration of volume operations in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		controllerConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_connects_total",
				Help:      "Total number of NVMe/TCP controller connection attempts by status",
			},
			[]string{"status"},
		),

		controllerConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "controller_connect_duration_seconds",
			Help:      "Duration of controller connection establishment in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		mountOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_operations_total",
				Help:      "Total number of mount/unmount operations by type and status",
			},
			[]string{"operation", "status"},
		),

		staleMountsDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_mounts_detected_total",
			Help:      "Total number of stale mounts detected",
		}),

		staleRecoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_recoveries_total",
				Help:      "Total number of stale mount recovery attempts by status",
			},
			[]string{"status"},
		),

		orphansCleanedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_cleaned_total",
			Help:      "Total number of orphaned controller connections cleaned up",
		}),

		nexusStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nexus",
				Name:      "status",
				Help:      "Current nexus status (0=Online, 1=Degraded, 2=Faulted)",
			},
			[]string{"nexus"},
		),

		childFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nexus",
				Name:      "child_faults_total",
				Help:      "Total number of children transitioned to Faulted, by nexus",
			},
			[]string{"nexus"},
		),

		rebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rebuild",
				Name:      "total",
				Help:      "Total number of child rebuilds by result",
			},
			[]string{"result"}, // completed, stopped, failed
		),

		rebuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rebuild",
			Name:      "duration_seconds",
			Help:      "Duration of completed child rebuilds in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		resetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "resets_total",
				Help:      "Total number of controller resets by status",
			},
			[]string{"status"},
		),

		resetDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "reset_duration_seconds",
			Help:      "Duration of controller resets in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "connection_state",
				Help:      "Controller connection state (1=connected, 0=disconnected)",
			},
			[]string{"address"},
		),

		reconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "reconnect_total",
				Help:      "Total controller reconnection attempts by status",
			},
			[]string{"status"},
		),

		reconnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "reconnect_duration_seconds",
			Help:      "Duration of successful controller reconnections in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(
		m.volumeOpsTotal,
		m.volumeOpsDuration,
		m.controllerConnectsTotal,
		m.controllerConnectDuration,
		m.mountOpsTotal,
		m.staleMountsDetectedTotal,
		m.staleRecoveriesTotal,
		m.orphansCleanedTotal,
		m.nexusStatus,
		m.childFaults,
		m.rebuildsTotal,
		m.rebuildSeconds,
		m.resetsTotal,
		m.resetDuration,
		m.connectionState,
		m.reconnectTotal,
		m.reconnectDuration,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
// Use promhttp.HandlerFor with the custom registry for proper isolation.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetControllerCountFunc registers a GaugeFunc deriving controllers_active
// from the nvmectl Registry's current controller count. Must be called after
// the Registry is created; if not called, the metric is not registered.
func (m *Metrics) SetControllerCountFunc(countFunc func() int) {
	m.controllerCountFunc = countFunc

	controllersActive := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controllers_active",
			Help:      "Number of currently attached NVMe/TCP controllers",
		},
		func() float64 {
			if m.controllerCountFunc == nil {
				return 0
			}
			return float64(m.controllerCountFunc())
		},
	)

	m.registry.MustRegister(controllersActive)
}

// RecordVolumeOp records a volume operation with timing.
// operation should be one of: create, delete, stage, unstage, publish, unpublish.
func (m *Metrics) RecordVolumeOp(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.volumeOpsTotal.WithLabelValues(operation, status).Inc()
	m.volumeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordControllerConnect records a controller connection attempt.
// On success (err == nil), also records the duration.
func (m *Metrics) RecordControllerConnect(err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.controllerConnectsTotal.WithLabelValues(status).Inc()
	if err == nil {
		m.controllerConnectDuration.Observe(duration.Seconds())
	}
}

// RecordMountOp records a mount or unmount operation.
// operation should be one of: mount, unmount.
func (m *Metrics) RecordMountOp(operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.mountOpsTotal.WithLabelValues(operation, status).Inc()
}

// RecordStaleMountDetected records that a stale mount was detected.
func (m *Metrics) RecordStaleMountDetected() {
	m.staleMountsDetectedTotal.Inc()
}

// RecordStaleRecovery records a stale mount recovery attempt.
func (m *Metrics) RecordStaleRecovery(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.staleRecoveriesTotal.WithLabelValues(status).Inc()
}

// RecordOrphanCleaned records that an orphaned controller connection was
// cleaned up.
func (m *Metrics) RecordOrphanCleaned() {
	m.orphansCleanedTotal.Inc()
}

// SetNexusStatus records a nexus's current aggregate status.
// status must be one of: 0 (Online), 1 (Degraded), 2 (Faulted).
func (m *Metrics) SetNexusStatus(nexusName string, status int) {
	m.nexusStatus.WithLabelValues(nexusName).Set(float64(status))
}

// RecordChildFault records a child's transition to Faulted.
func (m *Metrics) RecordChildFault(nexusName string) {
	m.childFaults.WithLabelValues(nexusName).Inc()
}

// RecordRebuildResult records a rebuild's terminal outcome.
// result must be one of: "completed", "stopped", "failed".
func (m *Metrics) RecordRebuildResult(result string, duration time.Duration) {
	m.rebuildsTotal.WithLabelValues(result).Inc()
	if result == "completed" {
		m.rebuildSeconds.Observe(duration.Seconds())
	}
}

// RecordReset records a controller reset attempt.
func (m *Metrics) RecordReset(err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.resetsTotal.WithLabelValues(status).Inc()
	m.resetDuration.Observe(duration.Seconds())
}

// RecordConnectionState records a controller's connection state.
// connected=true sets the gauge to 1.0, connected=false sets it to 0.0.
func (m *Metrics) RecordConnectionState(address string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.connectionState.WithLabelValues(address).Set(value)
}

// RecordReconnectAttempt records a controller reconnection attempt.
// status should be "success" or "failure". On success, also records the
// reconnection duration.
func (m *Metrics) RecordReconnectAttempt(status string, duration time.Duration) {
	m.reconnectTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.reconnectDuration.Observe(duration.Seconds())
	}
}
