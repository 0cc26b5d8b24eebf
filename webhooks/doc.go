// Package webhooks ingests provider delivery notifications: signature
// verification, idempotent application to the message event stream, and
// durable retry of deliveries that could not be verified or applied.
package webhooks
