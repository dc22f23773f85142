package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// Transfer metrics
	TransferAttemptsTotal   prometheus.Counter
	TransferAttemptsSuccess prometheus.Counter
	TransferAttemptsFail    prometheus.Counter
	Transfers               *prometheus.GaugeVec

	// Approval metrics
	ApprovalsRecorded prometheus.Counter
	MultisigDenials   prometheus.Counter

	// Key lifecycle metrics
	KeysCreated  prometheus.Counter
	KeyRotations prometheus.Counter
	ActiveKeys   prometheus.Gauge

	// Audit metrics
	SecurityEventsTotal *prometheus.CounterVec
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	metrics := &Metrics{
		TransferAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultnode_transfer_attempts_total",
			Help: "The total number of transfer requests received",
		}),
		TransferAttemptsSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultnode_transfer_attempts_success",
			Help: "The total number of transfers confirmed on chain",
		}),
		TransferAttemptsFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultnode_transfer_attempts_fail",
			Help: "The total number of transfers that ended in the failed state",
		}),
		Transfers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultnode_transfers",
			Help: "The number of transfer requests by status",
		},
			[]string{"status"},
		),
		ApprovalsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultnode_approvals_recorded_total",
			Help: "The total number of approval assertions recorded",
		}),
		MultisigDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultnode_multisig_denials_total",
			Help: "The total number of transfers denied by authorization policy",
		}),
		KeysCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultnode_keys_created_total",
			Help: "The total number of first key versions derived",
		}),
		KeyRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultnode_key_rotations_total",
			Help: "The total number of key rotations performed",
		}),
		ActiveKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultnode_active_keys",
			Help: "The current number of active key versions",
		}),
		SecurityEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultnode_security_events_total",
				Help: "The total number of security events by type",
			},
			[]string{"event_type"},
		),
	}

	return metrics
}

// Publish implements EventSink: counters track the security event stream.
func (m *Metrics) Publish(event SecurityEvent) {
	m.SecurityEventsTotal.WithLabelValues(string(event.EventType)).Inc()

	switch event.EventType {
	case EventTransferCreated:
		m.TransferAttemptsTotal.Inc()
	case EventTransferCompleted:
		m.TransferAttemptsSuccess.Inc()
	case EventTransferFailed, EventTransferCancelled:
		m.TransferAttemptsFail.Inc()
	case EventApprovalRecorded:
		m.ApprovalsRecorded.Inc()
	case EventMultisigDenied:
		m.MultisigDenials.Inc()
	case EventKeyCreated:
		m.KeysCreated.Inc()
	case EventKeyRotated:
		m.KeyRotations.Inc()
	}
}

func (m *Metrics) RecordMetricsPeriodically(db *gorm.DB, logger Logger) {
	logger = logger.NewSystem("metrics")
	dbTicker := time.NewTicker(15 * time.Second)
	defer dbTicker.Stop()

	for range dbTicker.C {
		m.UpdateTransferMetrics(db)
		m.UpdateKeyMetrics(db)
	}
}

// UpdateTransferMetrics refreshes the per-status transfer gauge from the database
func (m *Metrics) UpdateTransferMetrics(db *gorm.DB) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount

	err := db.Model(&TransferRequest{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return
	}

	// Stage values to avoid partial update issues
	tmp := make(map[string]float64)
	for _, row := range results {
		tmp[row.Status] = float64(row.Count)
	}

	m.Transfers.Reset()
	for status, count := range tmp {
		m.Transfers.WithLabelValues(status).Set(count)
	}
}

// UpdateKeyMetrics refreshes the active key gauge from the database
func (m *Metrics) UpdateKeyMetrics(db *gorm.DB) {
	var count int64
	if err := db.Model(&KeyVersion{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		return
	}
	m.ActiveKeys.Set(float64(count))
}
