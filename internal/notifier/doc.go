// Package notifier is the core's delivery sink.
//
// Deliver always announces a message to the real-time UI (via the event bus)
// and, when the bot chat is bound to an external platform, relays it through
// that platform's adapter. The relay is an async pipeline: a bounded queue
// drained by a worker pool, a shared token-bucket rate limit, jittered retry
// and a dedup window that can be persisted to survive restarts.
//
// Delivery is best-effort. Nothing here returns an error to the caller of
// Deliver; failures are logged and counted.
package notifier
