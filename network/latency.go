package network

import "time"

type route struct {
	from, to int
}

// baseLatencyNoLock draws the latency of an ordered pair the first time it
// is used and returns the same value afterwards.
func (s *Simulator) baseLatencyNoLock(from, to int) int {
	r := route{from: from, to: to}
	if ms, ok := s.latencies[r]; ok {
		return ms
	}
	ms := s.opts.MinLatencyMs + s.rand.Intn(s.opts.MaxLatencyMs-s.opts.MinLatencyMs+1)
	s.latencies[r] = ms
	return ms
}

// latencyNoLock applies +-20% jitter to the base latency, never below 1ms.
func (s *Simulator) latencyNoLock(from, to int) time.Duration {
	base := s.baseLatencyNoLock(from, to)
	jitter := base / 5
	ms := base - jitter + s.rand.Intn(2*jitter+1)
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}
