// Package store provides the SQLite database behind resource ingestion.
//
// Tables:
//   - resource_queue: one row per queued resource mutation
//   - resource_queue_causes: append-only failure reasons, one per failed attempt
//   - share_subjects / share_users / share_groups: content-addressed grantee sets
//
// # Ordering
//
// Pending queue rows are always read ORDER BY priority DESC, created_at ASC,
// id ASC so that ties never depend on storage order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Statement execution, transactions and wake notifications go through
// internal/channel, which holds one long-lived connection obtained from
// Store.Dialer.
package store
