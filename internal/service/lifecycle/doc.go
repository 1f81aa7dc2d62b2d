// Package lifecycle owns the subscriber state machine: subscribe, verify,
// and unsubscribe transitions over the subscriber store, gated by the token
// codec.
//
// States are Unverified-Pending, Verified-Active, and Unsubscribed. Every
// subscribe resets the record to pending with a fresh verification token,
// superseding any earlier token; verify requires both a cryptographically
// valid token and equality with the stored one; unsubscribe validates the
// durable derivation and leaves verification status untouched.
//
// The service surfaces typed outcomes and sentinel errors, never raw store
// errors. Dispatch enqueue failures are logged and swallowed: the subscriber
// record is durable regardless of downstream email trouble.
package lifecycle
