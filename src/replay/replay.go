// Package replay implements the record/replay harness.
//
// The unit of recording is the transport boundary event: everything the state
// machine observes from the outside world, stamped with the wall time it was
// observed at. Because the machine is deterministic, feeding a recorded event
// log to a fresh state reproduces the original run; Digest summarises the
// resulting state so equivalence is a single comparison. Outbound frames are
// recorded too, for debugging, but are skipped during replay.
//
// The log format is transport-independent: a replayed run needs no network at
// all.
package replay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/ugorji/go/codec"
)

// Direction says which way a recorded frame crossed the boundary.
type Direction uint8

const (
	// DirIn is an event observed by the machine.
	DirIn Direction = iota

	// DirOut is a frame the machine sent. Out records are informational and
	// not replayed.
	DirOut
)

// RecordedEvent is one entry of the event log.
type RecordedEvent struct {
	Seq       uint64
	WallNanos int64
	Dir       Direction
	Kind      uint8
	Conn      uint64
	Addr      string
	Reason    uint8
	Payload   []byte
	Err       string
}

// Event reconstructs the transport event of an inbound record.
func (r *RecordedEvent) Event() bnet.Event {
	return bnet.Event{
		Type:   bnet.EventType(r.Kind),
		Conn:   bnet.ConnID(r.Conn),
		Addr:   r.Addr,
		Reason: bnet.DialFailureReason(r.Reason),
		Data:   r.Payload,
		Err:    r.Err,
	}
}

var cborHandle = &codec.CborHandle{}

// maxRecordSize bounds one log record; larger records indicate a corrupt
// file.
const maxRecordSize = 1 << 22

// Recorder appends length-prefixed records to a writer.
type Recorder struct {
	w   io.Writer
	seq uint64
}

// NewRecorder creates a Recorder on top of a writer. The caller owns the
// writer and closes it after Flush-ing the node.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w}
}

// RecordEvent appends one inbound transport event.
func (r *Recorder) RecordEvent(e bnet.Event, wallNanos int64) error {
	return r.append(&RecordedEvent{
		WallNanos: wallNanos,
		Dir:       DirIn,
		Kind:      uint8(e.Type),
		Conn:      uint64(e.Conn),
		Addr:      e.Addr,
		Reason:    uint8(e.Reason),
		Payload:   e.Data,
		Err:       e.Err,
	})
}

// RecordSend appends one outbound frame.
func (r *Recorder) RecordSend(conn bnet.ConnID, frame []byte, wallNanos int64) error {
	return r.append(&RecordedEvent{
		WallNanos: wallNanos,
		Dir:       DirOut,
		Conn:      uint64(conn),
		Payload:   frame,
	})
}

func (r *Recorder) append(rec *RecordedEvent) error {
	r.seq++
	rec.Seq = r.seq

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(rec); err != nil {
		return err
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := r.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := r.w.Write(buf.Bytes())
	return err
}

// Seq returns the number of records written.
func (r *Recorder) Seq() uint64 {
	return r.seq
}

// Replayer reads a recorded log back.
type Replayer struct {
	r io.Reader
}

// NewReplayer creates a Replayer on top of a reader.
func NewReplayer(r io.Reader) *Replayer {
	return &Replayer{r: r}
}

// Next returns the next record, or io.EOF at the end of the log.
func (p *Replayer) Next() (*RecordedEvent, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(p.r, lenPrefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > maxRecordSize {
		return nil, fmt.Errorf("corrupt record log: record of %d bytes", size)
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(p.r, raw); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var rec RecordedEvent
	dec := codec.NewDecoder(bytes.NewReader(raw), cborHandle)
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// NextIn returns the next inbound record, skipping outbound ones.
func (p *Replayer) NextIn() (*RecordedEvent, error) {
	for {
		rec, err := p.Next()
		if err != nil {
			return nil, err
		}
		if rec.Dir == DirIn {
			return rec, nil
		}
	}
}
