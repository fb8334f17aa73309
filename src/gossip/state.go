package gossip

import (
	"bytes"
	"sort"

	"github.com/braidnetworks/braid/src/common"
	"github.com/braidnetworks/braid/src/crypto/keys"
)

const (
	// MeshDegree is the target number of mesh peers per topic.
	MeshDegree = 8

	// MeshLow and MeshHigh are the watermarks that trigger mesh reshaping.
	MeshLow  = 6
	MeshHigh = 12

	// SeenWindows is the number of rolling windows of the seen-cache. With
	// one shift per tick a message id is remembered for SeenWindows ticks.
	SeenWindows = 6
)

// TopicState holds everything a node knows about one topic: which peers have
// announced a subscription, which of them form the forwarding mesh, and how
// each has been scoring.
type TopicState struct {
	LocalSub    bool
	Subscribers map[keys.PeerID]struct{}
	Mesh        map[keys.PeerID]struct{}
	Scores      map[keys.PeerID]*Score
}

func newTopicState() *TopicState {
	return &TopicState{
		Subscribers: make(map[keys.PeerID]struct{}),
		Mesh:        make(map[keys.PeerID]struct{}),
		Scores:      make(map[keys.PeerID]*Score),
	}
}

func (ts *TopicState) score(peer keys.PeerID) *Score {
	s, ok := ts.Scores[peer]
	if !ok {
		s = &Score{}
		ts.Scores[peer] = s
	}
	return s
}

// empty reports whether the topic state carries no information worth keeping.
func (ts *TopicState) empty() bool {
	return !ts.LocalSub && len(ts.Subscribers) == 0
}

// Deliverable is the outcome of processing one inbound envelope.
type Deliverable struct {
	// Deliver is true when the application subscribed to the topic and this
	// is the first sighting of the message.
	Deliver bool

	// Forward lists the mesh peers the envelope must be relayed to, sorted
	// by peer id. Empty for duplicates.
	Forward []keys.PeerID

	// Duplicate is true when the message id was already in the seen-cache.
	Duplicate bool
}

// State is the gossip sub-state of the node. Plain data, single writer.
type State struct {
	local     keys.PeerID
	d         int
	dLow      int
	dHigh     int
	topics    map[string]*TopicState
	seen      *common.RollingWindow
	firstSeen map[string]int64
}

// NewState creates an empty gossip state. A degree of zero selects
// MeshDegree.
func NewState(local keys.PeerID, degree int) *State {
	d := degree
	if d <= 0 {
		d = MeshDegree
	}
	low := MeshLow
	high := MeshHigh
	if d != MeshDegree {
		low = d * MeshLow / MeshDegree
		high = d * MeshHigh / MeshDegree
	}
	return &State{
		local:     local,
		d:         d,
		dLow:      low,
		dHigh:     high,
		topics:    make(map[string]*TopicState),
		seen:      common.NewRollingWindow(SeenWindows),
		firstSeen: make(map[string]int64),
	}
}

// Topics returns the topics the application is subscribed to, sorted.
func (s *State) Topics() []string {
	var res []string
	for topic, ts := range s.topics {
		if ts.LocalSub {
			res = append(res, topic)
		}
	}
	sort.Strings(res)
	return res
}

// SubscribeLocal marks the application as subscribed. It returns true if the
// subscription is new, in which case the caller announces it to every
// connected peer.
func (s *State) SubscribeLocal(topic string) bool {
	ts, ok := s.topics[topic]
	if !ok {
		ts = newTopicState()
		s.topics[topic] = ts
	}
	if ts.LocalSub {
		return false
	}
	ts.LocalSub = true
	return true
}

// UnsubscribeLocal withdraws the application's subscription. It returns true
// if there was one.
func (s *State) UnsubscribeLocal(topic string) bool {
	ts, ok := s.topics[topic]
	if !ok || !ts.LocalSub {
		return false
	}
	ts.LocalSub = false
	if ts.empty() {
		delete(s.topics, topic)
	}
	return true
}

// HandleSubscribe records a remote subscription announcement.
func (s *State) HandleSubscribe(from keys.PeerID, topic string) {
	ts, ok := s.topics[topic]
	if !ok {
		ts = newTopicState()
		s.topics[topic] = ts
	}
	ts.Subscribers[from] = struct{}{}
	if len(ts.Mesh) < s.dLow {
		ts.Mesh[from] = struct{}{}
	}
}

// HandleUnsubscribe removes a remote subscription.
func (s *State) HandleUnsubscribe(from keys.PeerID, topic string) {
	ts, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(ts.Subscribers, from)
	delete(ts.Mesh, from)
	delete(ts.Scores, from)
	if ts.empty() {
		delete(s.topics, topic)
	}
}

// RemovePeer drops a disconnected peer from every topic.
func (s *State) RemovePeer(peer keys.PeerID) {
	for topic, ts := range s.topics {
		delete(ts.Subscribers, peer)
		delete(ts.Mesh, peer)
		delete(ts.Scores, peer)
		if ts.empty() {
			delete(s.topics, topic)
		}
	}
}

// Subscribers returns the announced subscribers of a topic, sorted.
func (s *State) Subscribers(topic string) []keys.PeerID {
	ts, ok := s.topics[topic]
	if !ok {
		return nil
	}
	return sortedIDs(ts.Subscribers)
}

// Mesh returns the current mesh of a topic, sorted.
func (s *State) Mesh(topic string) []keys.PeerID {
	ts, ok := s.topics[topic]
	if !ok {
		return nil
	}
	return sortedIDs(ts.Mesh)
}

// Seen reports whether a message id is in the seen-cache.
func (s *State) Seen(id []byte) bool {
	return s.seen.Has(string(id))
}

// HandleEnvelope processes one envelope received from a connected peer. An
// invalid envelope returns an error and counts against the sender's score.
func (s *State) HandleEnvelope(from keys.PeerID, env *Envelope, now int64) (Deliverable, error) {
	ts, ok := s.topics[env.Topic]
	if !ok {
		ts = newTopicState()
		s.topics[env.Topic] = ts
	}

	if err := env.Validate(); err != nil {
		ts.score(from).ObserveInvalid()
		return Deliverable{}, err
	}

	key := string(env.MessageID)

	if s.seen.Has(key) {
		first := s.firstSeen[key]
		ts.score(from).ObserveDelivery(float64(now-first) / 1e6)
		return Deliverable{Duplicate: true}, nil
	}

	s.seen.Add(key)
	s.firstSeen[key] = now
	ts.score(from).ObserveDelivery(0)

	origin := env.Origin()
	var forward []keys.PeerID
	for peer := range ts.Mesh {
		if peer == from || peer == origin {
			continue
		}
		forward = append(forward, peer)
	}
	sortIDs(forward)

	return Deliverable{
		Deliver: ts.LocalSub,
		Forward: forward,
	}, nil
}

// Publish records a locally originated envelope and returns the mesh peers it
// must be sent to, sorted. The message enters the seen-cache so an echoed
// copy is neither re-forwarded nor delivered back to the application.
func (s *State) Publish(env *Envelope, now int64) []keys.PeerID {
	ts, ok := s.topics[env.Topic]
	if !ok {
		ts = newTopicState()
		s.topics[env.Topic] = ts
	}

	key := string(env.MessageID)
	if !s.seen.Has(key) {
		s.seen.Add(key)
		s.firstSeen[key] = now
	}

	return sortedIDs(ts.Mesh)
}

// Tick ages the seen-cache and reshapes every topic mesh using the peer
// scores: when the mesh falls below the low watermark the best scored
// subscribers are grafted up to the target degree, and when it exceeds the
// high watermark the worst are pruned back down.
func (s *State) Tick(now int64, seenTTL int64) {
	s.seen.Shift()
	for key, first := range s.firstSeen {
		if now-first > seenTTL {
			delete(s.firstSeen, key)
		}
	}

	for _, ts := range s.topics {
		s.reshape(ts)
	}
}

func (s *State) reshape(ts *TopicState) {
	if len(ts.Mesh) < s.dLow {
		candidates := make([]keys.PeerID, 0, len(ts.Subscribers))
		for peer := range ts.Subscribers {
			if _, inMesh := ts.Mesh[peer]; !inMesh {
				candidates = append(candidates, peer)
			}
		}
		s.sortByScore(ts, candidates)
		for _, peer := range candidates {
			if len(ts.Mesh) >= s.d {
				break
			}
			ts.Mesh[peer] = struct{}{}
		}
	}

	if len(ts.Mesh) > s.dHigh {
		members := sortedIDs(ts.Mesh)
		s.sortByScore(ts, members)
		for _, peer := range members[s.d:] {
			delete(ts.Mesh, peer)
		}
	}
}

// sortByScore orders peers best first, breaking score ties on peer id so the
// result is deterministic.
func (s *State) sortByScore(ts *TopicState, peers []keys.PeerID) {
	sort.Slice(peers, func(i, j int) bool {
		si, sj := 0.0, 0.0
		if sc, ok := ts.Scores[peers[i]]; ok {
			si = sc.Value()
		}
		if sc, ok := ts.Scores[peers[j]]; ok {
			sj = sc.Value()
		}
		if si != sj {
			return si < sj
		}
		return bytes.Compare(peers[i][:], peers[j][:]) < 0
	})
}

func sortedIDs(set map[keys.PeerID]struct{}) []keys.PeerID {
	res := make([]keys.PeerID, 0, len(set))
	for peer := range set {
		res = append(res, peer)
	}
	sortIDs(res)
	return res
}

func sortIDs(ids []keys.PeerID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
