package metrics

import (
	"math"
	"sync"

	"tunwatch/internal/model"
)

// Store keeps a bounded window of samples per tunnel. Each tunnel's window is
// a fixed-size ring: appends are O(1) and the oldest sample is evicted once
// the window is full. Writes come from the owning tunnel loop only; reads may
// come from the telemetry server concurrently.
type Store struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
}

// NewStore creates a store with the given fixed per-tunnel window capacity.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

// Record appends a sample to the tunnel's window, evicting the oldest entry
// when the window is full.
func (s *Store) Record(tunnel string, sample model.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[tunnel]
	if !ok {
		r = newRing(s.capacity)
		s.rings[tunnel] = r
	}
	r.push(sample)
}

// History returns the tunnel's window in recording order, oldest first.
func (s *Store) History(tunnel string) []model.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[tunnel]
	if !ok {
		return nil
	}
	return r.ordered()
}

// Latest returns the most recent sample for the tunnel, if any.
func (s *Store) Latest(tunnel string) (model.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[tunnel]
	if !ok || r.size == 0 {
		return model.Sample{}, false
	}
	return r.latest(), true
}

// Aggregates summarizes the current window per metric. Latency statistics only
// consider samples that carry a latency measurement; a window with no such
// samples yields a zero latency aggregate.
type Aggregates struct {
	Count      int             `json:"count" yaml:"count"`
	Latency    model.Aggregate `json:"latency_ms" yaml:"latency_ms"`
	Throughput model.Aggregate `json:"throughput_mbps" yaml:"throughput_mbps"`
	PacketLoss model.Aggregate `json:"packet_loss_pct" yaml:"packet_loss_pct"`
}

// Aggregate computes min/max/avg over the tunnel's current window.
func (s *Store) Aggregate(tunnel string) Aggregates {
	samples := s.History(tunnel)
	agg := Aggregates{Count: len(samples)}
	if len(samples) == 0 {
		return agg
	}

	var lat, thr, loss accumulator
	for _, m := range samples {
		if m.HasLatency {
			lat.add(m.LatencyMS)
		}
		thr.add(m.ThroughputMbps)
		loss.add(m.PacketLossPct)
	}
	agg.Latency = lat.aggregate()
	agg.Throughput = thr.aggregate()
	agg.PacketLoss = loss.aggregate()
	return agg
}

type accumulator struct {
	n   int
	sum float64
	min float64
	max float64
}

func (a *accumulator) add(v float64) {
	if a.n == 0 {
		a.min = math.MaxFloat64
	}
	a.n++
	a.sum += v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
}

func (a *accumulator) aggregate() model.Aggregate {
	if a.n == 0 {
		return model.Aggregate{}
	}
	return model.Aggregate{
		Min: a.min,
		Max: a.max,
		Avg: a.sum / float64(a.n),
	}
}

// ring is a fixed-capacity circular buffer of samples.
type ring struct {
	buf  []model.Sample
	head int // index of the next write
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]model.Sample, capacity)}
}

func (r *ring) push(s model.Sample) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) ordered() []model.Sample {
	out := make([]model.Sample, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) latest() model.Sample {
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx]
}
