// Package event provides a synchronous pub-sub bus for pipeline lifecycle
// events.
//
// The scheduler, resolver, dispatcher, and aggregator publish events as
// partitions move through their states. Subscribers (prometheus metrics and
// the progress reporter) react without the publishers knowing about them.
//
// # Event Categories
//
// Partition lifecycle:
//   - [PartitionLaunchedEvent]
//   - [PartitionFrozenEvent]
//   - [PartitionAbortedEvent]
//   - [PartitionMergedEvent]
//   - [PartitionReactivatedEvent]
//   - [ResolverCompletedEvent]
//
// Clustering:
//   - [ClusterSubmittedEvent]
//   - [ClusterCompletedEvent]
//   - [ClusterFailedEvent]
//
// Output:
//   - [AggregateCompletedEvent]
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypePartitionFrozen, func(e event.Event) {
//	    frozen := e.(event.PartitionFrozenEvent)
//	    fmt.Println(frozen.Seed, frozen.Hits)
//	})
//	bus.Publish(event.NewPartitionFrozenEvent(0, 1200, 5400))
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers are invoked on the publishing
// goroutine and a handler panic is recovered and logged.
package event
