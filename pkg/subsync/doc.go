// Package subsync reconciles a billing provider's signed event stream into local
// subscription records.
//
// Deliveries are at-least-once and unordered. The Reconciler makes every event an
// idempotent upsert keyed by user, never moves a subscription's current period
// backwards (cancellations excepted) and serializes work per user. The Dispatcher
// sends best-effort notifications afterwards; their failure never affects the
// reconciled state or the response to the provider.
package subsync
