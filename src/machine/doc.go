// Package machine implements the connection lifecycle state machine that sits
// between the transport boundary and the protocol sub-states.
//
// All node behaviour is expressed as a single pure function,
// Dispatch(state, action) -> effects. Actions are transport events, handshake
// results, application commands, and timer ticks; effects are the I/O the
// node must perform in response. Dispatch never reads a clock, never draws
// randomness, and never lets Go map iteration order leak into its outputs, so
// feeding a recorded action sequence to a fresh state reproduces the original
// run bit for bit.
//
// Cryptographic operations that require randomness (handshake key generation,
// envelope signatures) happen outside the machine; their results enter as
// actions. The machine owns the authoritative state: the connection table,
// the discovery routing table, the gossip mesh, and the rpc pending table.
package machine
