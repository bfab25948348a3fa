// Package metrics turns pipeline events into prometheus metrics and writes
// them in the node-exporter textfile format.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Iron-Ham/subclust/internal/event"
)

// Recorder holds the metrics of one run in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	partitions        *prometheus.CounterVec
	partitionHits     prometheus.Histogram
	nodesRecorded     prometheus.Counter
	rowsRemaining     prometheus.Gauge
	resolverRuns      prometheus.Counter
	resolverKilled    prometheus.Counter
	resolverDuration  prometheus.Histogram
	clusterRuns       *prometheus.CounterVec
	clusterDuration   prometheus.Histogram
	finalClusters     prometheus.Gauge
	finalRepaired     prometheus.Gauge
	subscriptionIDs   []string
}

// NewRecorder creates a Recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		partitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "subclust_partitions_total",
			Help: "Partition outcomes by state",
		}, []string{"state"}),
		partitionHits: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "subclust_partition_hits",
			Help:    "Nodes recorded per frozen partition",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		nodesRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "subclust_nodes_recorded_total",
			Help: "Nodes appended to the complete ledger",
		}),
		rowsRemaining: f.NewGauge(prometheus.GaugeOpts{
			Name: "subclust_rows_remaining",
			Help: "Rows not yet assigned to a partition",
		}),
		resolverRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "subclust_resolver_runs_total",
			Help: "Overlap resolution passes",
		}),
		resolverKilled: f.NewCounter(prometheus.CounterOpts{
			Name: "subclust_resolver_terminated_total",
			Help: "Partitions terminated by the overlap resolver",
		}),
		resolverDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "subclust_resolver_duration_seconds",
			Help:    "Time spent in one overlap resolution pass",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		}),
		clusterRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "subclust_cluster_invocations_total",
			Help: "Clustering tool invocations by result",
		}, []string{"result"}),
		clusterDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "subclust_cluster_duration_seconds",
			Help:    "Time to cluster one partition",
			Buckets: []float64{0.01, 0.1, 1, 10, 60, 600},
		}),
		finalClusters: f.NewGauge(prometheus.GaugeOpts{
			Name: "subclust_final_clusters",
			Help: "Clusters in the final output",
		}),
		finalRepaired: f.NewGauge(prometheus.GaugeOpts{
			Name: "subclust_final_repaired_nodes",
			Help: "Uncovered nodes added to the output as singletons",
		}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus *event.Bus) {
	r.subscriptionIDs = append(r.subscriptionIDs, bus.SubscribeAll(r.Observe))
}

// Detach removes the recorder's subscriptions from bus.
func (r *Recorder) Detach(bus *event.Bus) {
	for _, id := range r.subscriptionIDs {
		bus.Unsubscribe(id)
	}
	r.subscriptionIDs = nil
}

// Observe updates the metrics for one event.
func (r *Recorder) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.PartitionLaunchedEvent:
		if ev.Resume {
			return
		}
		r.partitions.WithLabelValues("launched").Inc()
	case event.PartitionFrozenEvent:
		r.partitions.WithLabelValues("frozen").Inc()
		r.partitionHits.Observe(float64(ev.Hits))
		r.nodesRecorded.Add(float64(ev.Hits))
		r.rowsRemaining.Set(float64(ev.RowsRemaining))
	case event.PartitionAbortedEvent:
		r.partitions.WithLabelValues("aborted").Inc()
	case event.PartitionMergedEvent:
		r.partitions.WithLabelValues("merged_away").Inc()
	case event.PartitionReactivatedEvent:
		r.partitions.WithLabelValues("reactivated").Inc()
	case event.ResolverCompletedEvent:
		r.resolverRuns.Inc()
		r.resolverKilled.Add(float64(len(ev.Terminated)))
		r.resolverDuration.Observe(ev.Duration.Seconds())
	case event.ClusterSubmittedEvent:
		r.clusterRuns.WithLabelValues("submitted").Inc()
	case event.ClusterCompletedEvent:
		r.clusterRuns.WithLabelValues("completed").Inc()
		r.clusterDuration.Observe(ev.Duration.Seconds())
	case event.ClusterFailedEvent:
		r.clusterRuns.WithLabelValues("failed").Inc()
	case event.AggregateCompletedEvent:
		r.finalClusters.Set(float64(ev.Clusters))
		r.finalRepaired.Set(float64(ev.Repaired))
	}
}

// WriteTextfile writes every metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
