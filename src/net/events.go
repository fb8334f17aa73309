package net

import "fmt"

// ConnID identifies one transport-level connection. IDs are issued by the
// Transport from a monotonic counter and are never reused, so a stale action
// referring to a closed connection can never alias a new one.
type ConnID uint64

// EventType enumerates the transport boundary events.
type EventType uint8

const (
	// EventListenerReady signals that the transport is accepting connections.
	EventListenerReady EventType = iota

	// EventListenerError signals a non-fatal error in the accept loop.
	EventListenerError

	// EventIncomingConn signals a new inbound connection.
	EventIncomingConn

	// EventDialSuccess signals that an outbound dial completed. Addr carries
	// the multiaddress that was dialed so the state machine can correlate.
	EventDialSuccess

	// EventDialFailure signals that an outbound dial failed. Reason
	// distinguishes unreachable addresses, negotiation timeouts, and local
	// capacity limits so the state machine can retry, back off, or give up.
	EventDialFailure

	// EventData carries one complete inbound frame. Frames on a connection
	// are delivered in the order they were received.
	EventData

	// EventConnClosed signals that a connection is gone. Transport loss is
	// always reported explicitly, never by silently dropping data.
	EventConnClosed
)

// String returns the name of the event type.
func (t EventType) String() string {
	switch t {
	case EventListenerReady:
		return "ListenerReady"
	case EventListenerError:
		return "ListenerError"
	case EventIncomingConn:
		return "IncomingConn"
	case EventDialSuccess:
		return "DialSuccess"
	case EventDialFailure:
		return "DialFailure"
	case EventData:
		return "Data"
	case EventConnClosed:
		return "ConnClosed"
	default:
		return "Unknown"
	}
}

// DialFailureReason classifies dial errors.
type DialFailureReason uint8

const (
	// DialUnreachable means the address could not be reached.
	DialUnreachable DialFailureReason = iota

	// DialTimeout means the connection or negotiation timed out.
	DialTimeout

	// DialCapacity means the local connection table is full.
	DialCapacity
)

// String returns the name of the failure reason.
func (r DialFailureReason) String() string {
	switch r {
	case DialUnreachable:
		return "Unreachable"
	case DialTimeout:
		return "Timeout"
	case DialCapacity:
		return "Capacity"
	default:
		return "Unknown"
	}
}

// Event is a transport boundary event. All I/O, regardless of stream layer,
// is reported through this one type; it is also the unit of the record/replay
// log.
type Event struct {
	Type   EventType
	Conn   ConnID
	Addr   string
	Reason DialFailureReason
	Data   []byte
	Err    string
}

// String renders a compact description for logs.
func (e Event) String() string {
	switch e.Type {
	case EventData:
		return fmt.Sprintf("%s conn=%d len=%d", e.Type, e.Conn, len(e.Data))
	case EventDialFailure:
		return fmt.Sprintf("%s addr=%s reason=%s err=%s", e.Type, e.Addr, e.Reason, e.Err)
	default:
		return fmt.Sprintf("%s conn=%d addr=%s err=%s", e.Type, e.Conn, e.Addr, e.Err)
	}
}
