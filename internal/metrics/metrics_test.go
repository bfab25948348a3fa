package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Iron-Ham/subclust/internal/event"
)

func TestRecorderObservesBus(t *testing.T) {
	bus := event.NewBus(nil)
	r := NewRecorder()
	r.Attach(bus)

	bus.Publish(event.NewPartitionLaunchedEvent(1, false, 1, 4))
	bus.Publish(event.NewPartitionLaunchedEvent(1, true, 1, 4))
	bus.Publish(event.NewPartitionFrozenEvent(1, 3, 2))
	bus.Publish(event.NewPartitionAbortedEvent(5, []int64{99}, "missing row"))
	bus.Publish(event.NewResolverCompletedEvent(3, 1, []int64{2, 4}, 5*time.Millisecond))
	bus.Publish(event.NewClusterCompletedEvent(1, 2, time.Second))
	bus.Publish(event.NewClusterFailedEvent(7, 1, nil))

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"launched", testutil.ToFloat64(r.partitions.WithLabelValues("launched")), 1},
		{"frozen", testutil.ToFloat64(r.partitions.WithLabelValues("frozen")), 1},
		{"aborted", testutil.ToFloat64(r.partitions.WithLabelValues("aborted")), 1},
		{"nodes recorded", testutil.ToFloat64(r.nodesRecorded), 3},
		{"rows remaining", testutil.ToFloat64(r.rowsRemaining), 2},
		{"resolver runs", testutil.ToFloat64(r.resolverRuns), 1},
		{"terminated", testutil.ToFloat64(r.resolverKilled), 2},
		{"cluster completed", testutil.ToFloat64(r.clusterRuns.WithLabelValues("completed")), 1},
		{"cluster failed", testutil.ToFloat64(r.clusterRuns.WithLabelValues("failed")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	r.Detach(bus)
	bus.Publish(event.NewPartitionFrozenEvent(2, 10, 0))
	if got := testutil.ToFloat64(r.nodesRecorded); got != 3 {
		t.Errorf("nodes recorded after Detach = %v, want 3", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.Observe(event.NewAggregateCompletedEvent(4, 9, 2, 1, "out"))

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "subclust_final_clusters 4") {
		t.Errorf("textfile missing final cluster gauge:\n%s", data)
	}
}
