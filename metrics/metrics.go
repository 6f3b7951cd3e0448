// Package metrics holds the Prometheus collectors for the clustering engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IssuesSubmitted counts accepted issue reports by category.
	IssuesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicsync_issues_submitted_total",
			Help: "Issues accepted for storage",
		},
		[]string{"category"},
	)

	// Assignments counts clustering outcomes: joined, created, unclustered, failed.
	Assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicsync_cluster_assignments_total",
			Help: "Cluster assignment outcomes",
		},
		[]string{"outcome"},
	)

	ClustersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "civicsync_clusters_created_total",
		Help: "Clusters created for issues with no nearby cluster",
	})

	ClustersMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "civicsync_clusters_merged_total",
		Help: "Clusters absorbed into a neighbour after centroid drift",
	})

	// Conflicts counts lock and version contention, including retried ones.
	Conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "civicsync_cluster_conflicts_total",
		Help: "Lock or version conflicts during cluster updates",
	})

	IndexCorruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "civicsync_index_corruptions_total",
		Help: "Commits aborted because the spatial index and cluster store diverged",
	})

	AuditViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "civicsync_audit_violations",
		Help: "Invariant violations found by the last audit pass",
	})

	AssignDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "civicsync_assign_duration_seconds",
		Help:    "Time spent assigning one issue to a cluster",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)
