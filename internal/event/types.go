package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "partition.frozen").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypePartitionLaunched    = "partition.launched"
	TypePartitionFrozen      = "partition.frozen"
	TypePartitionAborted     = "partition.aborted"
	TypePartitionMerged      = "partition.merged"
	TypePartitionReactivated = "partition.reactivated"
	TypeResolverCompleted    = "resolver.completed"
	TypeClusterSubmitted     = "cluster.submitted"
	TypeClusterCompleted     = "cluster.completed"
	TypeClusterFailed        = "cluster.failed"
	TypeAggregateCompleted   = "aggregate.completed"
)

// -----------------------------------------------------------------------------
// Partition Events
// -----------------------------------------------------------------------------

// PartitionLaunchedEvent is emitted when the scheduler starts a worker.
type PartitionLaunchedEvent struct {
	baseEvent
	Seed   int64
	Resume bool // relaunched from its progress file
	Active int  // active workers after the launch
	Queued int  // seeds still waiting
}

// NewPartitionLaunchedEvent creates a PartitionLaunchedEvent.
func NewPartitionLaunchedEvent(seed int64, resume bool, active, queued int) PartitionLaunchedEvent {
	return PartitionLaunchedEvent{
		baseEvent: newBaseEvent(TypePartitionLaunched),
		Seed:      seed,
		Resume:    resume,
		Active:    active,
		Queued:    queued,
	}
}

// PartitionFrozenEvent is emitted after a frozen partition is recorded in
// the complete ledger and its rows are removed from the store.
type PartitionFrozenEvent struct {
	baseEvent
	Seed          int64
	Hits          int
	RowsRemaining int
}

// NewPartitionFrozenEvent creates a PartitionFrozenEvent.
func NewPartitionFrozenEvent(seed int64, hits, rowsRemaining int) PartitionFrozenEvent {
	return PartitionFrozenEvent{
		baseEvent:     newBaseEvent(TypePartitionFrozen),
		Seed:          seed,
		Hits:          hits,
		RowsRemaining: rowsRemaining,
	}
}

// PartitionAbortedEvent is emitted when a worker gives up on its seed.
type PartitionAbortedEvent struct {
	baseEvent
	Seed    int64
	Missing []int64 // claimed ids with no row
	Reason  string
}

// NewPartitionAbortedEvent creates a PartitionAbortedEvent.
func NewPartitionAbortedEvent(seed int64, missing []int64, reason string) PartitionAbortedEvent {
	return PartitionAbortedEvent{
		baseEvent: newBaseEvent(TypePartitionAborted),
		Seed:      seed,
		Missing:   missing,
		Reason:    reason,
	}
}

// PartitionMergedEvent is emitted when a partition is folded into another,
// either by the resolver or because it reached nodes already recorded.
type PartitionMergedEvent struct {
	baseEvent
	Seed      int64
	Survivor  int64 // seed that owns the nodes now; -1 if unknown
	Harvested int   // ids handed to the survivor's addition queue
}

// NewPartitionMergedEvent creates a PartitionMergedEvent.
func NewPartitionMergedEvent(seed, survivor int64, harvested int) PartitionMergedEvent {
	return PartitionMergedEvent{
		baseEvent: newBaseEvent(TypePartitionMerged),
		Seed:      seed,
		Survivor:  survivor,
		Harvested: harvested,
	}
}

// PartitionReactivatedEvent is emitted when a partition froze before it
// absorbed ids injected into its addition queue and is relaunched.
type PartitionReactivatedEvent struct {
	baseEvent
	Seed    int64
	Pending int
}

// NewPartitionReactivatedEvent creates a PartitionReactivatedEvent.
func NewPartitionReactivatedEvent(seed int64, pending int) PartitionReactivatedEvent {
	return PartitionReactivatedEvent{
		baseEvent: newBaseEvent(TypePartitionReactivated),
		Seed:      seed,
		Pending:   pending,
	}
}

// ResolverCompletedEvent is emitted after each overlap resolution pass.
type ResolverCompletedEvent struct {
	baseEvent
	Active     int // partitions inspected
	Groups     int // overlapping groups found
	Terminated []int64
	Duration   time.Duration
}

// NewResolverCompletedEvent creates a ResolverCompletedEvent.
func NewResolverCompletedEvent(active, groups int, terminated []int64, d time.Duration) ResolverCompletedEvent {
	return ResolverCompletedEvent{
		baseEvent:  newBaseEvent(TypeResolverCompleted),
		Active:     active,
		Groups:     groups,
		Terminated: terminated,
		Duration:   d,
	}
}

// -----------------------------------------------------------------------------
// Cluster Events
// -----------------------------------------------------------------------------

// ClusterSubmittedEvent is emitted when a frozen partition is handed to the
// clustering tool.
type ClusterSubmittedEvent struct {
	baseEvent
	Seed    int64
	Attempt int
}

// NewClusterSubmittedEvent creates a ClusterSubmittedEvent.
func NewClusterSubmittedEvent(seed int64, attempt int) ClusterSubmittedEvent {
	return ClusterSubmittedEvent{
		baseEvent: newBaseEvent(TypeClusterSubmitted),
		Seed:      seed,
		Attempt:   attempt,
	}
}

// ClusterCompletedEvent is emitted when the tool produced an assignment.
type ClusterCompletedEvent struct {
	baseEvent
	Seed     int64
	Clusters int
	Duration time.Duration
}

// NewClusterCompletedEvent creates a ClusterCompletedEvent.
func NewClusterCompletedEvent(seed int64, clusters int, d time.Duration) ClusterCompletedEvent {
	return ClusterCompletedEvent{
		baseEvent: newBaseEvent(TypeClusterCompleted),
		Seed:      seed,
		Clusters:  clusters,
		Duration:  d,
	}
}

// ClusterFailedEvent is emitted when every attempt for a partition failed.
// The partition's nodes are later repaired into singletons.
type ClusterFailedEvent struct {
	baseEvent
	Seed     int64
	Attempts int
	Err      error
}

// NewClusterFailedEvent creates a ClusterFailedEvent.
func NewClusterFailedEvent(seed int64, attempts int, err error) ClusterFailedEvent {
	return ClusterFailedEvent{
		baseEvent: newBaseEvent(TypeClusterFailed),
		Seed:      seed,
		Attempts:  attempts,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Aggregate Events
// -----------------------------------------------------------------------------

// AggregateCompletedEvent is emitted once the final clustering is written.
type AggregateCompletedEvent struct {
	baseEvent
	Clusters   int
	Nodes      int
	Singletons int
	Repaired   int // universe ids that had to be added as singletons
	OutputPath string
}

// NewAggregateCompletedEvent creates an AggregateCompletedEvent.
func NewAggregateCompletedEvent(clusters, nodes, singletons, repaired int, output string) AggregateCompletedEvent {
	return AggregateCompletedEvent{
		baseEvent:  newBaseEvent(TypeAggregateCompleted),
		Clusters:   clusters,
		Nodes:      nodes,
		Singletons: singletons,
		Repaired:   repaired,
		OutputPath: output,
	}
}
