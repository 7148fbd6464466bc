// Package metrics exposes terminal sync counters for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "possync",
		Name:      "orders_created_total",
		Help:      "Orders ingested, labelled by outcome (created, duplicate, local, pending).",
	}, []string{"outcome"})

	SequenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "possync",
		Name:      "sequence_failures_total",
		Help:      "Order number allocations that failed after retries.",
	})

	RemoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "possync",
		Name:      "remote_errors_total",
		Help:      "Remote store failures that fell back to the local cache.",
	}, []string{"op"})

	FeedSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "possync",
		Name:      "feed_snapshots_total",
		Help:      "Change feed snapshots applied to the terminal state.",
	})

	OrdersPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "possync",
		Name:      "orders_purged_total",
		Help:      "Orders removed from the remote store at day close.",
	})

	PendingSync = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "possync",
		Name:      "pending_sync",
		Help:      "1 while local state has changes the remote store has not accepted.",
	})
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "possync",
		Name:      "pending_orders",
		Help:      "Orders and order edits kept locally until the remote store accepts them.",
	})
)
