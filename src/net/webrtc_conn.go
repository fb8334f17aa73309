package net

import (
	"net"
	"time"

	"github.com/pion/datachannel"
)

// WebRTCConn implements net.Conn around a webrtc datachannel
type WebRTCConn struct {
	dataChannel datachannel.ReadWriteCloser
	remote      string
}

// NewWebRTCConn instantiates a WebRTCConn from a datachannel
func NewWebRTCConn(dataChannel datachannel.ReadWriteCloser, remote string) *WebRTCConn {
	return &WebRTCConn{
		dataChannel: dataChannel,
		remote:      remote,
	}
}

// Read implements the Conn Read method.
func (c *WebRTCConn) Read(p []byte) (int, error) {
	return c.dataChannel.Read(p)
}

// Write implements the Conn Write method.
func (c *WebRTCConn) Write(p []byte) (int, error) {
	return c.dataChannel.Write(p)
}

// Close implements the Conn Close method.
func (c *WebRTCConn) Close() error {
	return c.dataChannel.Close()
}

// LocalAddr is a stub
func (c *WebRTCConn) LocalAddr() net.Addr {
	return nil
}

// RemoteAddr returns the peer's signaling identifier.
func (c *WebRTCConn) RemoteAddr() net.Addr {
	return webrtcAddr(c.remote)
}

type webrtcAddr string

func (a webrtcAddr) Network() string { return "webrtc" }
func (a webrtcAddr) String() string  { return string(a) }

// SetDeadline is a stub; data channels do not support deadlines.
func (c *WebRTCConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline is a stub
func (c *WebRTCConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline is a stub
func (c *WebRTCConn) SetWriteDeadline(t time.Time) error {
	return nil
}
