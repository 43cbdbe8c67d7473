// Package stats exposes the engine's Prometheus metrics.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openset",
		Name:      "queries_started_total",
		Help:      "Query-path requests admitted to the query worker pool.",
	})

	CellsRun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openset",
		Name:      "cells_run_total",
		Help:      "OpenLoop cell run steps executed.",
	})

	RunningQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "openset",
		Name:      "running_queries",
		Help:      "Queries currently holding an admission slot.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "openset",
		Name:      "intake_queue_depth",
		Help:      "Messages waiting in the HTTP intake queues.",
	}, []string{"queue"})

	RowsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openset",
		Name:      "rows_inserted_total",
		Help:      "Event rows applied to partition grids.",
	})
)
