package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// we need this high buffer size for compatibility with WebRTC
	bufSize = 1 << 16

	// MaxFrameSize bounds the size of a single frame. Oversized frames are a
	// protocol violation and close the connection.
	MaxFrameSize = 1 << 20
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrUnknownConn is returned when writing to a connection id that is not
	// in the table.
	ErrUnknownConn = errors.New("unknown connection id")

	// ErrFrameTooLarge is returned when writing a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

/*
Transport turns a StreamLayer into an event stream. It frames messages with a
4-byte big-endian length prefix, runs one reader goroutine per connection,
and reports everything that happens at the transport boundary (accepts, dial
results, inbound frames, closures) as Events on a single consumer channel.

The Transport does not interpret frame contents. Encryption, multiplexing and
protocol dispatch happen in the layers above; the record/replay harness taps
the event stream at exactly this boundary, which keeps the log independent of
the stream layer that produced it.
*/
type Transport struct {
	logger *logrus.Entry

	stream  StreamLayer
	timeout time.Duration

	maxConns int

	eventCh chan Event

	connsLock sync.Mutex
	conns     map[ConnID]*transportConn
	nextConn  ConnID

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

type transportConn struct {
	id   ConnID
	conn net.Conn

	wLock sync.Mutex
	w     *bufio.Writer
}

// NewTransport creates a Transport on top of a stream layer. maxConns bounds
// the connection table; timeout applies to dials and writes.
func NewTransport(
	stream StreamLayer,
	maxConns int,
	timeout time.Duration,
	logger *logrus.Entry,
) *Transport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Transport{
		logger:     logger,
		stream:     stream,
		timeout:    timeout,
		maxConns:   maxConns,
		eventCh:    make(chan Event),
		conns:      make(map[ConnID]*transportConn),
		shutdownCh: make(chan struct{}),
	}
}

// Consumer returns the channel on which transport events are delivered.
func (t *Transport) Consumer() <-chan Event {
	return t.eventCh
}

// LocalAddr returns the local listen address.
func (t *Transport) LocalAddr() string {
	addr := t.stream.Addr()
	if addr != nil {
		return addr.String()
	}
	return ""
}

// AdvertiseAddr returns the address advertised to other peers, as a
// multiaddress string.
func (t *Transport) AdvertiseAddr() string {
	return Multiaddress{Scheme: t.stream.Scheme(), Addr: t.stream.AdvertiseAddr()}.String()
}

// Scheme returns the multiaddress scheme of the underlying stream layer.
func (t *Transport) Scheme() Scheme {
	return t.stream.Scheme()
}

// IsShutdown is used to check if the transport is shutdown.
func (t *Transport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// Close permanently closes the transport, its listener, and all connections.
func (t *Transport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.stream.Close()

		t.connsLock.Lock()
		for _, c := range t.conns {
			c.conn.Close()
		}
		t.conns = make(map[ConnID]*transportConn)
		t.connsLock.Unlock()

		t.shutdown = true
	}
	return nil
}

// Listen accepts incoming connections until the transport is shut down. It
// is meant to be run in its own goroutine.
func (t *Transport) Listen() {
	t.emit(Event{Type: EventListenerReady, Addr: t.AdvertiseAddr()})

	for {
		conn, err := t.stream.Accept()
		if err != nil {
			if t.IsShutdown() {
				return
			}
			t.logger.WithField("error", err).Error("Failed to accept connection")
			t.emit(Event{Type: EventListenerError, Err: err.Error()})
			continue
		}

		tc, err := t.register(conn)
		if err != nil {
			// table full; shed the connection
			t.logger.WithField("error", err).Warn("Dropping inbound connection")
			conn.Close()
			continue
		}

		t.logger.WithFields(logrus.Fields{
			"conn": tc.id,
			"from": remoteString(conn),
		}).Debug("accepted connection")

		t.emit(Event{Type: EventIncomingConn, Conn: tc.id, Addr: remoteString(conn)})

		go t.readLoop(tc)
	}
}

// Dial opens an outbound connection to the address part of a multiaddress
// and reports the outcome as a DialSuccess or DialFailure event. It blocks
// for the duration of the dial and is meant to be called from an effect
// executor goroutine.
func (t *Transport) Dial(target Multiaddress) {
	if t.IsShutdown() {
		t.emit(Event{Type: EventDialFailure, Addr: target.String(), Reason: DialUnreachable, Err: ErrTransportShutdown.Error()})
		return
	}

	if t.full() {
		t.emit(Event{Type: EventDialFailure, Addr: target.String(), Reason: DialCapacity, Err: "connection table full"})
		return
	}

	conn, err := t.stream.Dial(target.Addr, t.timeout)
	if err != nil {
		t.emit(Event{Type: EventDialFailure, Addr: target.String(), Reason: classifyDialError(err), Err: err.Error()})
		return
	}

	tc, err := t.register(conn)
	if err != nil {
		conn.Close()
		t.emit(Event{Type: EventDialFailure, Addr: target.String(), Reason: DialCapacity, Err: err.Error()})
		return
	}

	t.emit(Event{Type: EventDialSuccess, Conn: tc.id, Addr: target.String()})

	go t.readLoop(tc)
}

// WriteFrame sends one length-prefixed frame on a connection. Frames are
// written atomically with respect to each other, preserving the seal order of
// the session cipher.
func (t *Transport) WriteFrame(id ConnID, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	t.connsLock.Lock()
	tc, ok := t.conns[id]
	t.connsLock.Unlock()

	if !ok {
		return ErrUnknownConn
	}

	tc.wLock.Lock()
	defer tc.wLock.Unlock()

	if t.timeout > 0 {
		tc.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	if _, err := tc.w.Write(header[:]); err != nil {
		t.drop(tc, err)
		return err
	}
	if _, err := tc.w.Write(frame); err != nil {
		t.drop(tc, err)
		return err
	}
	if err := tc.w.Flush(); err != nil {
		t.drop(tc, err)
		return err
	}

	return nil
}

// CloseConn closes one connection. The closure is reported through the event
// channel like any other.
func (t *Transport) CloseConn(id ConnID) error {
	t.connsLock.Lock()
	tc, ok := t.conns[id]
	t.connsLock.Unlock()

	if !ok {
		return ErrUnknownConn
	}

	return tc.conn.Close()
}

func (t *Transport) register(conn net.Conn) (*transportConn, error) {
	t.connsLock.Lock()
	defer t.connsLock.Unlock()

	if t.maxConns > 0 && len(t.conns) >= t.maxConns {
		return nil, fmt.Errorf("connection table full (%d)", t.maxConns)
	}

	t.nextConn++
	tc := &transportConn{
		id:   t.nextConn,
		conn: conn,
		w:    bufio.NewWriterSize(conn, bufSize),
	}
	t.conns[tc.id] = tc
	return tc, nil
}

func (t *Transport) full() bool {
	t.connsLock.Lock()
	defer t.connsLock.Unlock()
	return t.maxConns > 0 && len(t.conns) >= t.maxConns
}

// drop removes a connection from the table and emits ConnClosed exactly once.
func (t *Transport) drop(tc *transportConn, cause error) {
	t.connsLock.Lock()
	_, present := t.conns[tc.id]
	delete(t.conns, tc.id)
	t.connsLock.Unlock()

	if !present {
		return
	}

	tc.conn.Close()

	errStr := ""
	if cause != nil && cause != io.EOF {
		errStr = cause.Error()
	}
	t.emit(Event{Type: EventConnClosed, Conn: tc.id, Err: errStr})
}

func (t *Transport) readLoop(tc *transportConn) {
	r := bufio.NewReaderSize(tc.conn, bufSize)

	for {
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			t.drop(tc, err)
			return
		}

		size := binary.BigEndian.Uint32(header[:])
		if size > MaxFrameSize {
			t.drop(tc, ErrFrameTooLarge)
			return
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			t.drop(tc, err)
			return
		}

		t.emit(Event{Type: EventData, Conn: tc.id, Data: frame})
	}
}

func (t *Transport) emit(e Event) {
	select {
	case t.eventCh <- e:
	case <-t.shutdownCh:
	}
}

func classifyDialError(err error) DialFailureReason {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DialTimeout
	}
	return DialUnreachable
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
