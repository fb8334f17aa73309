// Package gossip implements topic-based message dissemination over a bounded
// mesh of peers.
//
// Every node that subscribes to a topic announces the subscription to all of
// its connected peers. From the announced subscribers, a node deterministically
// selects a mesh of up to MeshDegree peers per topic and forwards published
// messages to the mesh, never back to the peer it received a message from. A
// rolling seen-cache keyed by message id guarantees that a message is
// delivered to the application at most once and never re-forwarded.
//
// Like the discovery package, all state here is plain data mutated only by the
// state machine's dispatch loop. No I/O, no clocks, no randomness: mesh
// selection orders candidates by score and breaks ties on peer id, so two
// nodes with the same inputs build the same mesh.
package gossip
