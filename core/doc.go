// Package core contains the canonical outbound-messaging domain contracts,
// entities, and the outbox dispatcher. Lower-level adapters must depend on
// this package; core must not depend on channel-specific or storage-specific
// adapters.
package core
