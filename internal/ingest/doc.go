// Package ingest implements the resource loader: the loop that drains the
// durable resource queue into the search index.
//
// DRAIN CYCLE:
//
//  1. Select up to bulk-size Pending entries of this loader's shard,
//     priority DESC, created_at ASC
//  2. Hand them to the index Applier as one bulk operation
//  3. Commit every entry's outcome in one transaction: successes become
//     Success, failures keep Pending with attempted_count+1 and a cause row
//  4. Route failures to the replay debouncer, then notify the observer
//
// If step 3 fails nothing of the batch is persisted and the whole batch
// stays Pending for the next cycle. Delivery is at-least-once: an entry the
// index accepted may be applied again after such a failure.
//
// SERIALIZATION:
//
// At most one cycle runs at a time. Drain requests queue on a single-slot
// gate in arrival order, so a wake received mid-cycle runs the next cycle
// instead of being lost.
//
// WAKE SOURCES:
//
// Run drains on poll ticks and on wake signals. Producers publish a wake on
// the queue topic in the same transaction that inserts their entries.
package ingest
