// Package outbox implements the transactional outbox: a Writer that records
// integration events next to business changes, and a Dispatcher that delivers
// them at least once to handlers resolved by event type.
//
// Delivery is at-least-once. A record can be handed to a handler again after a
// crash between the handler call and the state update, so handlers must be
// idempotent for a given event type and payload.
//
// Lifecycle of a record:
//
//	pending --success--> processed
//	pending --failure, attempts+1 < max--> pending (eligible after RetryDelay)
//	pending --failure, attempts+1 >= max--> dead (kept until an operator acts)
//
// Records without a registered handler are skipped and stay pending.
package outbox
