package vault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// VaultOpsTotal counts vault operations by type.
	VaultOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservo",
			Name:      "vault_operations_total",
			Help:      "Total vault operations by type.",
		},
		[]string{"type"},
	)

	// VaultOpDuration observes operation latency by type.
	VaultOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reservo",
			Name:      "vault_operation_duration_seconds",
			Help:      "Vault operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// EscrowLockedWei tracks wei locked by this process (approximate, float64).
	EscrowLockedWei = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reservo",
			Name:      "vault_locked_wei",
			Help:      "Wei locked into escrow since process start, net of voids.",
		},
	)

	// EscrowReleasedWei counts wei paid out of escrow.
	EscrowReleasedWei = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reservo",
			Name:      "vault_released_wei_total",
			Help:      "Wei released from escrow since process start.",
		},
	)

	// InvariantViolations counts failed escrow audits.
	InvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reservo",
			Name:      "vault_invariant_violations_total",
			Help:      "Escrow audits that found locked != released + unreleased.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		VaultOpsTotal,
		VaultOpDuration,
		EscrowLockedWei,
		EscrowReleasedWei,
		InvariantViolations,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	VaultOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		VaultOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
