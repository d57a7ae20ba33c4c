// Package resolver materializes reference envelopes (envelope.Ref)
// immediately before a handler executes.
//
// A Loader is registered per class path; when an argument map contains
// one or more envelope.Ref values, Resolve fetches every referenced
// record concurrently and substitutes the loaded value in place of the
// reference. Any loader failure becomes an ordinary task error, handled
// like any other handler failure by the retry/backoff policy.
package resolver
