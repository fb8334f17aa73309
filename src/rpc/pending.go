package rpc

import (
	"sort"

	"github.com/braidnetworks/braid/src/crypto/keys"
)

const (
	// DefaultRetries is the number of re-sends after the first attempt.
	DefaultRetries = 2

	// DefaultMaxInFlight bounds concurrent requests per peer.
	DefaultMaxInFlight = 8

	// DefaultQueueCap bounds the per-peer overflow queue. When it fills the
	// oldest queued call is dropped.
	DefaultQueueCap = 64
)

// FailureReason says why a call completed without a response.
type FailureReason uint8

const (
	ReasonNone FailureReason = iota
	ReasonTimeout
	ReasonConnectionLost
	ReasonOverloaded
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonTimeout:
		return "Timeout"
	case ReasonConnectionLost:
		return "ConnectionLost"
	case ReasonOverloaded:
		return "Overloaded"
	default:
		return "Unknown"
	}
}

// Outcome is the terminal result of one logical call, exactly one per token.
type Outcome struct {
	Token   uint64
	Peer    keys.PeerID
	Status  uint8
	Payload []byte
	Reason  FailureReason
}

// call is one logical request across its attempts.
type call struct {
	token        uint64
	peer         keys.PeerID
	kind         string
	payload      []byte
	corrID       uint64
	deadline     int64
	attemptsLeft int
}

// Pending is the table of outstanding calls. It issues correlation ids from a
// monotonic counter held here so that a replayed run assigns the same ids.
type Pending struct {
	nextCorr    uint64
	nextToken   uint64
	timeout     int64
	retries     int
	maxInFlight int
	queueCap    int

	byCorr   map[uint64]*call
	inFlight map[keys.PeerID]int
	queue    map[keys.PeerID][]*call
}

// NewPending creates an empty table. timeout is the per-attempt deadline in
// the same unit as the timestamps passed to Send and Tick. Zero values select
// the defaults (retries of -1 means no retries).
func NewPending(timeout int64, retries, maxInFlight, queueCap int) *Pending {
	if retries == 0 {
		retries = DefaultRetries
	} else if retries < 0 {
		retries = 0
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Pending{
		timeout:     timeout,
		retries:     retries,
		maxInFlight: maxInFlight,
		queueCap:    queueCap,
		byCorr:      make(map[uint64]*call),
		inFlight:    make(map[keys.PeerID]int),
		queue:       make(map[keys.PeerID][]*call),
	}
}

// Len returns the number of in-flight calls.
func (p *Pending) Len() int {
	return len(p.byCorr)
}

// Queued returns the number of calls waiting in overflow queues.
func (p *Pending) Queued() int {
	n := 0
	for _, q := range p.queue {
		n += len(q)
	}
	return n
}

// Send registers a new logical call to peer. When the peer has a free
// in-flight slot the request to transmit is returned; otherwise the call is
// queued and req is nil. If queuing overflows, the oldest queued call is
// dropped and returned as a failed outcome.
func (p *Pending) Send(peer keys.PeerID, kind string, payload []byte, now int64) (token uint64, req *Request, dropped *Outcome) {
	p.nextToken++
	c := &call{
		token:        p.nextToken,
		peer:         peer,
		kind:         kind,
		payload:      payload,
		deadline:     now + p.timeout,
		attemptsLeft: p.retries,
	}

	if p.inFlight[peer] < p.maxInFlight {
		return c.token, p.launch(c, now), nil
	}

	q := p.queue[peer]
	if len(q) >= p.queueCap {
		old := q[0]
		q = q[1:]
		dropped = &Outcome{Token: old.token, Peer: old.peer, Reason: ReasonOverloaded}
	}
	p.queue[peer] = append(q, c)
	return c.token, nil, dropped
}

// launch assigns a fresh correlation id and moves the call in flight.
func (p *Pending) launch(c *call, now int64) *Request {
	p.nextCorr++
	c.corrID = p.nextCorr
	c.deadline = now + p.timeout
	p.byCorr[c.corrID] = c
	p.inFlight[c.peer]++
	return &Request{
		CorrelationID: c.corrID,
		Kind:          c.kind,
		Payload:       c.payload,
	}
}

// HandleResponse matches a response against the table. An unknown or stale
// correlation id, or a response from the wrong peer, is discarded and both
// returns are nil. A match completes the call exactly once and may release a
// queued call for the same peer, returned as next.
func (p *Pending) HandleResponse(peer keys.PeerID, resp *Response, now int64) (out *Outcome, next *Request) {
	c, ok := p.byCorr[resp.CorrelationID]
	if !ok || c.peer != peer {
		return nil, nil
	}

	p.complete(c)

	out = &Outcome{
		Token:   c.token,
		Peer:    c.peer,
		Status:  resp.Status,
		Payload: resp.Payload,
		Reason:  ReasonNone,
	}
	return out, p.dequeue(peer, now)
}

// complete removes a call from the in-flight bookkeeping.
func (p *Pending) complete(c *call) {
	delete(p.byCorr, c.corrID)
	p.inFlight[c.peer]--
	if p.inFlight[c.peer] <= 0 {
		delete(p.inFlight, c.peer)
	}
}

// dequeue launches the oldest queued call for peer, if any.
func (p *Pending) dequeue(peer keys.PeerID, now int64) *Request {
	q := p.queue[peer]
	if len(q) == 0 {
		return nil
	}
	c := q[0]
	if len(q) == 1 {
		delete(p.queue, peer)
	} else {
		p.queue[peer] = q[1:]
	}
	return p.launch(c, now)
}

// Tick expires overdue attempts. A call with retries left is re-sent under a
// fresh correlation id; one without fails with Timeout, exactly once. The
// returned slices are ordered by token.
func (p *Pending) Tick(now int64) (resend []*Request, failed []*Outcome) {
	var expired []*call
	for _, c := range p.byCorr {
		if now >= c.deadline {
			expired = append(expired, c)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].token < expired[j].token
	})

	for _, c := range expired {
		p.complete(c)
		if c.attemptsLeft > 0 {
			c.attemptsLeft--
			resend = append(resend, p.launch(c, now))
		} else {
			failed = append(failed, &Outcome{
				Token:  c.token,
				Peer:   c.peer,
				Reason: ReasonTimeout,
			})
			if next := p.dequeue(c.peer, now); next != nil {
				resend = append(resend, next)
			}
		}
	}
	return resend, failed
}

// ConnectionLost fails every in-flight and queued call of the peer. Outcomes
// are ordered by token.
func (p *Pending) ConnectionLost(peer keys.PeerID) []*Outcome {
	var lost []*call
	for _, c := range p.byCorr {
		if c.peer == peer {
			lost = append(lost, c)
		}
	}
	for _, c := range lost {
		delete(p.byCorr, c.corrID)
	}
	delete(p.inFlight, peer)

	lost = append(lost, p.queue[peer]...)
	delete(p.queue, peer)

	sort.Slice(lost, func(i, j int) bool {
		return lost[i].token < lost[j].token
	})

	outs := make([]*Outcome, len(lost))
	for i, c := range lost {
		outs[i] = &Outcome{
			Token:  c.token,
			Peer:   c.peer,
			Reason: ReasonConnectionLost,
		}
	}
	return outs
}

// PeerOf returns the peer a correlation id belongs to, for diagnostics.
func (p *Pending) PeerOf(corrID uint64) (keys.PeerID, bool) {
	c, ok := p.byCorr[corrID]
	if !ok {
		return keys.PeerID{}, false
	}
	return c.peer, true
}
