package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_finished_total",
		Help: "Transactions reaching a resting status, by type and status",
	}, []string{"type", "status"})

	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Transactions failed by a business rejection, by error code",
	}, []string{"code"})

	operationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_engine_operation_duration_seconds",
		Help:    "Engine operation latency including lock waits",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	sweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_sweep_items_total",
		Help: "Transactions handled by the reconciliation sweep, by action",
	}, []string{"action"})
)
