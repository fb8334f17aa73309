package wamp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/braidnetworks/braid/src/net/signal"
	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// Client exchanges SDP offers and answers with other braid nodes through a
// WAMP router over WebSockets. Each node registers a WAMP procedure named
// after its PeerID; calling a peer's procedure delivers an offer to it.
type Client struct {
	peerID    string
	routerURL string
	config    client.Config
	client    *client.Client
	consumer  chan signal.OfferPromise
	logger    *logrus.Entry
}

// NewClient connects to the WAMP signaling router at server and joins the
// given realm. The peerID becomes the name of the procedure other nodes call
// to reach this one.
func NewClient(
	server string,
	realm string,
	peerID string,
	caFile string,
	insecureSkipVerify bool,
	responseTimeout time.Duration,
	logger *logrus.Entry,
) (*Client, error) {

	tlscfg, err := signalTLSConfig(caFile, insecureSkipVerify, logger)
	if err != nil {
		return nil, err
	}

	res := &Client{
		peerID:    peerID,
		routerURL: fmt.Sprintf("wss://%s", server),
		config: client.Config{
			Realm:           realm,
			ResponseTimeout: responseTimeout,
			Logger:          logger,
			TlsCfg:          tlscfg,
		},
		consumer: make(chan signal.OfferPromise),
		logger:   logger,
	}

	if err := res.Connect(); err != nil {
		return nil, err
	}

	return res, nil
}

// signalTLSConfig builds the TLS configuration for the router connection.
// When a certificate file exists in the datadir it becomes the only trusted
// root, and its CN overrides the expected server name so self-signed test
// certificates validate.
func signalTLSConfig(caFile string, insecureSkipVerify bool, logger *logrus.Entry) (*tls.Config, error) {
	tlscfg := &tls.Config{}

	if insecureSkipVerify {
		logger.Debug("Accepting any certificate from the signal router")
		tlscfg.InsecureSkipVerify = true
		return tlscfg, nil
	}

	if _, err := os.Stat(caFile); os.IsNotExist(err) {
		logger.Debug("No signal certificate in datadir, using platform roots")
		return tlscfg, nil
	}

	certPEM, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("signal certificate is not valid PEM")
	}
	tlscfg.RootCAs = roots

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("signal certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Pinned signal certificate %s (CN %s)", caFile, cert.Subject.CommonName)

	tlscfg.ServerName = cert.Subject.CommonName
	return tlscfg, nil
}

// Connect establishes the WebSocket session with the router. It is a no-op
// when the session is already up.
func (c *Client) Connect() error {
	if c.client != nil && c.client.Connected() {
		return nil
	}

	cli, err := client.ConnectNet(
		context.Background(),
		c.routerURL,
		c.config,
	)
	if err != nil {
		return err
	}

	c.client = cli

	return nil
}

// ID implements the Signal interface. It returns the PeerID under which this
// node is reachable on the signaling system.
func (c *Client) ID() string {
	return c.peerID
}

// Listen implements the Signal interface. It registers this node's procedure
// with the router; from then on, offers from other nodes arrive on the
// consumer channel.
func (c *Client) Listen() error {
	if err := c.client.Register(c.ID(), c.callHandler, nil); err != nil {
		c.logger.WithError(err).Error("Signal procedure registration failed")
		return err
	}
	c.logger.Debugf("Listening for offers as %s", c.peerID)
	return nil
}

// Offer implements the Signal interface. It calls the target's procedure with
// the local SDP offer and blocks until the answer comes back or the response
// timeout fires.
func (c *Client) Offer(target string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	raw, err := json.Marshal(offer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(
		context.Background(),
		c.config.ResponseTimeout,
	)
	defer cancel()

	result, err := c.client.Call(ctx, target, nil, wamp.List{c.peerID, string(raw)}, nil, nil)
	if err != nil {
		c.logger.WithError(err).Debugf("Offer to %s failed", target)
		return nil, err
	}

	sdp, ok := wamp.AsString(result.Arguments[0])
	if !ok {
		return nil, errors.New("signal answer is not a string")
	}

	answer := webrtc.SessionDescription{}
	if err := json.Unmarshal([]byte(sdp), &answer); err != nil {
		return nil, err
	}

	return &answer, nil
}

// Consumer implements the Signal interface. Inbound offers arrive here
// wrapped in promises; resolving a promise sends the answer back through the
// router to the caller.
func (c *Client) Consumer() <-chan signal.OfferPromise {
	return c.consumer
}

// Close unregisters the procedure and drops the router session.
func (c *Client) Close() error {
	c.client.Unregister(c.ID())
	return c.client.Close()
}

// callHandler runs when another node calls our procedure. It unpacks the
// offer, hands it to the consumer as a promise, and relays the promise's
// answer back as the call result.
func (c *Client) callHandler(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	if len(inv.Arguments) != 2 {
		return errResult(
			fmt.Sprintf("offer call carries %d arguments, want 2", len(inv.Arguments)))
	}

	from, ok := wamp.AsString(inv.Arguments[0])
	if !ok {
		return errResult("offer sender id is not a string")
	}

	sdp, ok := wamp.AsString(inv.Arguments[1])
	if !ok {
		return errResult("offer SDP is not a string")
	}

	offer := webrtc.SessionDescription{}
	if err := json.Unmarshal([]byte(sdp), &offer); err != nil {
		return errResult(fmt.Sprintf("offer SDP does not parse: %v", err))
	}

	respCh := make(chan signal.OfferPromiseResponse, 1)

	c.consumer <- signal.OfferPromise{
		From:     from,
		Offer:    offer,
		RespChan: respCh,
	}

	timer := time.NewTimer(c.config.ResponseTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return errResult("timed out waiting for the answer")
	case resp := <-respCh:
		if resp.Error != nil {
			return errResult(resp.Error.Error())
		}

		raw, err := json.Marshal(resp.Answer)
		if err != nil {
			return errResult(fmt.Sprintf("answer does not marshal: %v", err))
		}

		return client.InvokeResult{
			Args: wamp.List{string(raw)},
		}
	}
}

func errResult(msg string) client.InvokeResult {
	return client.InvokeResult{
		Err:  ErrProcessingOffer,
		Args: wamp.List{msg},
	}
}
