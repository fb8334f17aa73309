package net

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/braidnetworks/braid/src/net/signal"
	"github.com/pion/datachannel"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// WebRTCStreamLayer implements the StreamLayer interface for WebRTC. Raw
// connections are data channels negotiated out-of-band through a signaling
// system, which makes this stream layer usable from browsers and across
// NATs. Peers are addressed by their identifier on the signaling system
// rather than by IP.
type WebRTCStreamLayer struct {
	l                      sync.Mutex
	peerConnections        map[string]*webrtc.PeerConnection
	signal                 signal.Signal
	iceServers             []webrtc.ICEServer
	incomingConnAggregator chan net.Conn
	closeCh                chan struct{}
	closeSeq               sync.Once
	logger                 *logrus.Entry
}

// NewWebRTCStreamLayer instantiates a new WebRTCStreamLayer and fires up the
// background signaling listener.
func NewWebRTCStreamLayer(
	sig signal.Signal,
	iceServers []webrtc.ICEServer,
	logger *logrus.Entry,
) *WebRTCStreamLayer {
	stream := &WebRTCStreamLayer{
		peerConnections:        make(map[string]*webrtc.PeerConnection),
		signal:                 sig,
		iceServers:             iceServers,
		incomingConnAggregator: make(chan net.Conn),
		closeCh:                make(chan struct{}),
		logger:                 logger,
	}

	go stream.listen()

	return stream
}

// listen receives SDP offers from the signaling system, creates corresponding
// PeerConnections, and responds. The PeerConnection's data channel is piped
// into the connection aggregator.
func (w *WebRTCStreamLayer) listen() {
	go w.signal.Listen()

	consumer := w.signal.Consumer()

	for {
		select {
		case offerPromise := <-consumer:
			w.logger.WithField("from", offerPromise.From).Debug("Processing SDP offer")

			answer, err := w.answerOffer(offerPromise.From, offerPromise.Offer)
			offerPromise.Respond(answer, err)
			if err != nil {
				w.logger.WithError(err).Error("Answering SDP offer")
			}
		case <-w.closeCh:
			return
		}
	}
}

func (w *WebRTCStreamLayer) answerOffer(from string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	peerConnection, err := w.newPeerConnection(from, w.incomingConnAggregator, false)
	if err != nil {
		return nil, err
	}

	// Set the remote SessionDescription
	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		return nil, err
	}

	// Create answer
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	// Sets the LocalDescription, and starts our UDP listeners
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		return nil, err
	}

	w.l.Lock()
	w.peerConnections[from] = peerConnection
	w.l.Unlock()

	return &answer, nil
}

// newPeerConnection creates a PeerConnection and pipes corresponding data
// channel connections into the provided channel. The createDataChannel
// parameter determines whether a new data channel is created for the
// PeerConnection (we are making the offer) or whether we just bind to its
// OnDataChannel handler (we are answering).
func (w *WebRTCStreamLayer) newPeerConnection(remote string, connCh chan net.Conn, createDataChannel bool) (*webrtc.PeerConnection, error) {
	// Create a SettingEngine and enable Detach
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()

	// Create an API object with the engine
	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	config := webrtc.Configuration{
		ICEServers: w.iceServers,
	}

	// Create a new RTCPeerConnection using the API object
	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	peerConnection.OnICEConnectionStateChange(func(connectionState webrtc.ICEConnectionState) {
		w.logger.WithFields(logrus.Fields{
			"remote": remote,
			"state":  connectionState.String(),
		}).Debug("ICE Connection State has changed")
	})

	if createDataChannel {
		// Create a datachannel with label 'data'
		dataChannel, err := peerConnection.CreateDataChannel("data", nil)
		if err != nil {
			return nil, err
		}

		w.pipeDataChannel(remote, dataChannel, connCh)
	} else {
		// Register data channel creation handling
		peerConnection.OnDataChannel(func(d *webrtc.DataChannel) {
			w.pipeDataChannel(remote, d, connCh)
		})
	}

	return peerConnection, nil
}

func (w *WebRTCStreamLayer) pipeDataChannel(remote string, dataChannel *webrtc.DataChannel, connCh chan net.Conn) {
	// Register channel opening handling
	dataChannel.OnOpen(func() {
		// Detach the data channel to get a raw ReadWriteCloser
		raw, err := dataChannel.Detach()
		if err != nil {
			w.logger.WithError(err).Error("Error detaching DataChannel")
			return
		}

		var rwc datachannel.ReadWriteCloser = raw

		select {
		case connCh <- NewWebRTCConn(rwc, remote):
		case <-w.closeCh:
			rwc.Close()
		}
	})
}

// Dial implements the StreamLayer interface. The address is the target's
// identifier on the signaling system. It creates a PeerConnection, runs the
// offer/answer exchange through the signal, and waits for the data channel
// to open.
func (w *WebRTCStreamLayer) Dial(target string, timeout time.Duration) (net.Conn, error) {
	// connCh receives the net.Conn when the data channel's OnOpen callback
	// fires.
	connCh := make(chan net.Conn)

	pc, err := w.newPeerConnection(target, connCh, true)
	if err != nil {
		return nil, err
	}

	// Create an offer to send to the signaling system
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	// Sets the LocalDescription, and starts our UDP listeners
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}

	// Synchronous offer/answer RPC request through the signal to exchange
	// SDP information.
	answer, err := w.signal.Offer(target, offer)
	if err != nil {
		return nil, err
	}

	if answer == nil {
		return nil, fmt.Errorf("no SDP answer from %s", target)
	}

	// Apply the answer as the remote description
	if err := pc.SetRemoteDescription(*answer); err != nil {
		return nil, err
	}

	w.l.Lock()
	w.peerConnections[target] = pc
	w.l.Unlock()

	// Wait for the data channel to open
	timer := time.After(timeout)
	select {
	case <-timer:
		return nil, &dialTimeoutError{target: target}
	case conn := <-connCh:
		return conn, nil
	}
}

// Accept consumes the incoming connection aggregator fed by the listen
// routine. It aggregates the connections from all data channels formed with
// PeerConnections.
func (w *WebRTCStreamLayer) Accept() (net.Conn, error) {
	select {
	case nextConn := <-w.incomingConnAggregator:
		return nextConn, nil
	case <-w.closeCh:
		return nil, ErrTransportShutdown
	}
}

// Close implements the net.Listener interface. It closes the Signal and all
// the PeerConnections
func (w *WebRTCStreamLayer) Close() error {
	w.closeSeq.Do(func() {
		close(w.closeCh)

		// Close the connection to the signal server
		w.signal.Close()

		w.l.Lock()
		defer w.l.Unlock()

		// Close all peer connections
		for _, pc := range w.peerConnections {
			pc.Close()
		}
	})
	return nil
}

// Addr implements the net.Listener interface
func (w *WebRTCStreamLayer) Addr() net.Addr {
	return webrtcAddr(w.signal.ID())
}

// AdvertiseAddr implements the StreamLayer interface
func (w *WebRTCStreamLayer) AdvertiseAddr() string {
	return w.signal.ID()
}

// Scheme implements the StreamLayer interface.
func (w *WebRTCStreamLayer) Scheme() Scheme {
	return SchemeWebRTC
}

// dialTimeoutError implements net.Error so that the transport classifies the
// failure as a timeout.
type dialTimeoutError struct {
	target string
}

func (e *dialTimeoutError) Error() string   { return fmt.Sprintf("dial %s: data channel timeout", e.target) }
func (e *dialTimeoutError) Timeout() bool   { return true }
func (e *dialTimeoutError) Temporary() bool { return true }
