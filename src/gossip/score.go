package gossip

// ewmaAlpha is the smoothing factor of the delivery latency average. Small
// enough that a single slow delivery does not reshuffle the mesh.
const ewmaAlpha = 0.2

// invalidPenalty is the score cost of one invalid message.
const invalidPenalty = 1000.0

// Score tracks the usefulness of one peer on one topic. Lower is better: the
// score is a smoothed delivery latency in milliseconds plus a penalty per
// invalid message.
type Score struct {
	LatencyEWMA float64
	Invalid     int
	Deliveries  int
}

// ObserveDelivery folds one first-delivery latency into the average.
func (s *Score) ObserveDelivery(latencyMillis float64) {
	if s.Deliveries == 0 {
		s.LatencyEWMA = latencyMillis
	} else {
		s.LatencyEWMA = ewmaAlpha*latencyMillis + (1-ewmaAlpha)*s.LatencyEWMA
	}
	s.Deliveries++
}

// ObserveInvalid records one message that failed validation.
func (s *Score) ObserveInvalid() {
	s.Invalid++
}

// Value returns the comparable score. Peers that never delivered anything
// rank behind peers with a measured latency, and invalid messages dominate.
func (s *Score) Value() float64 {
	v := s.LatencyEWMA
	if s.Deliveries == 0 {
		v = invalidPenalty / 2
	}
	return v + float64(s.Invalid)*invalidPenalty
}
