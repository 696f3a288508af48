// Package cooldown implements the resend cooldown owned by one two-factor
// challenge: a countdown of whole seconds driven by a cancellable ticker.
//
// Remaining time is derived from the clock on every read, so dropped ticks
// never make the countdown drift or go negative. The ticker exists only to
// publish progress and to stop itself once the deadline passes.
package cooldown
