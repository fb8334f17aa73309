package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/braidnetworks/braid/src/node"
	"github.com/sirupsen/logrus"
)

// Service exposes the node's counters over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. Another server in the same process may share the mux, in
// which case the handlers are accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Braid API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/routing", s.makeHandler(s.GetRouting))
	http.HandleFunc("/ready", s.makeHandler(s.GetReady))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Braid API")

	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns the node's counter snapshot.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.Stats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetPeers returns the authenticated connections.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Peers())
}

// routingEntry is the JSON form of one routing table entry.
type routingEntry struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

// GetRouting returns the discovery routing table.
func (s *Service) GetRouting(w http.ResponseWriter, r *http.Request) {
	entries := s.node.RoutingTable()

	res := make([]routingEntry, len(entries))
	for i, e := range entries {
		res[i] = routingEntry{
			ID:       e.ID.String(),
			Addr:     e.Addr,
			LastSeen: e.LastSeen,
		}
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(res)
}

// GetReady returns 200 once the node is connected and routing, 503 before.
// It is meant to be used as a readiness probe.
func (s *Service) GetReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.node.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]bool{"ready": s.node.Ready()})
}
