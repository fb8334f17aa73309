// Package rpc implements correlated request/response exchanges on top of the
// framed transport.
//
// Each outgoing request carries a correlation id drawn from a monotonic
// counter; the matching response carries the same id. The Pending table owns
// all request bookkeeping: deadlines, bounded retries (each attempt uses a
// fresh correlation id so a straggling answer to an old attempt is
// discarded), and a per-peer in-flight bound with a FIFO overflow queue.
//
// The table is pure data driven by the dispatch loop. Deadlines are checked
// against the timestamp carried by tick actions, never against a wall clock
// read here, so a recorded run replays identically.
package rpc
