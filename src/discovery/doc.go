// Package discovery implements peer discovery with an XOR-distance routing
// table and an iterative lookup protocol.
//
// The routing table and lookup states are plain data structures mutated only
// by the connection lifecycle state machine's dispatch loop; nothing in this
// package performs I/O or reads clocks, which keeps lookups deterministic
// and replayable. Time enters exclusively through the timestamps carried by
// actions. The optional badger-backed peer store persists routing table
// entries across restarts and is the only stateful component here; it lives
// at the effect-execution boundary, not inside the reducer.
package discovery
