package router

import (
	"sync"
	"time"
)

// EWMA smoothing factor for latency and success-rate updates.
const defaultAlpha = 0.1

// Metrics over which protocols are staled back toward defaults.
const staleAfter = 5 * time.Minute

// ProtocolMetrics is the routing view of one protocol's health.
type ProtocolMetrics struct {
	LatencyEWMA time.Duration `json:"latency_ewma"`
	SuccessRate float64       `json:"success_rate_ewma"` // 0..1
	Bandwidth   float64       `json:"bandwidth_kbps"`
	Reliability float64       `json:"reliability"` // 0..1
	Cost        float64       `json:"cost"`        // 0..1, higher is pricier
	Congestion  float64       `json:"congestion"`  // 0..1
	LastUpdated time.Time     `json:"last_updated"`
}

func defaultMetrics() ProtocolMetrics {
	return ProtocolMetrics{
		LatencyEWMA: 100 * time.Millisecond,
		SuccessRate: 0.95,
		Bandwidth:   1000,
		Reliability: 0.9,
		Cost:        0.2,
		Congestion:  0.1,
		LastUpdated: time.Now(),
	}
}

// Tracker maintains per-protocol routing metrics. Adapters write send
// results; the router reads consistent snapshots.
type Tracker struct {
	mu     sync.RWMutex
	alpha  float64
	protos map[string]ProtocolMetrics
}

func NewTracker() *Tracker {
	return &Tracker{alpha: defaultAlpha, protos: make(map[string]ProtocolMetrics)}
}

// Register initializes metrics for a protocol. Idempotent.
func (t *Tracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.protos[name]; !ok {
		t.protos[name] = defaultMetrics()
	}
}

// Observe records one send result. EWMA with alpha=0.1 per the routing
// contract; success feeds both success rate and reliability.
func (t *Tracker) Observe(name string, latency time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, exists := t.protos[name]
	if !exists {
		m = defaultMetrics()
	}

	success := 0.0
	if ok {
		success = 1.0
		m.LatencyEWMA = time.Duration(float64(m.LatencyEWMA)*(1-t.alpha) + float64(latency)*t.alpha)
	}
	m.SuccessRate = m.SuccessRate*(1-t.alpha) + success*t.alpha
	m.Reliability = m.Reliability*(1-t.alpha) + success*t.alpha
	m.LastUpdated = time.Now()
	t.protos[name] = m
}

// SetLinkEstimates updates the slower-moving link figures, typically
// from a health-check poll.
func (t *Tracker) SetLinkEstimates(name string, bandwidthKBps, cost, congestion float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, exists := t.protos[name]
	if !exists {
		m = defaultMetrics()
	}
	if bandwidthKBps > 0 {
		m.Bandwidth = bandwidthKBps
	}
	if cost >= 0 && cost <= 1 {
		m.Cost = cost
	}
	if congestion >= 0 && congestion <= 1 {
		m.Congestion = congestion
	}
	m.LastUpdated = time.Now()
	t.protos[name] = m
}

// DecayStale nudges metrics that have not been updated in staleAfter
// back toward their defaults, so an idle protocol neither keeps a
// stellar score nor stays condemned forever.
func (t *Tracker) DecayStale() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	def := defaultMetrics()
	for name, m := range t.protos {
		if now.Sub(m.LastUpdated) < staleAfter {
			continue
		}
		m.LatencyEWMA = (m.LatencyEWMA + def.LatencyEWMA) / 2
		m.SuccessRate = (m.SuccessRate + def.SuccessRate) / 2
		m.Reliability = (m.Reliability + def.Reliability) / 2
		m.Congestion = (m.Congestion + def.Congestion) / 2
		m.LastUpdated = now
		t.protos[name] = m
	}
}

// Snapshot returns a copy of one protocol's metrics.
func (t *Tracker) Snapshot(name string) (ProtocolMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.protos[name]
	return m, ok
}

// All returns a copy of every protocol's metrics.
func (t *Tracker) All() map[string]ProtocolMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ProtocolMetrics, len(t.protos))
	for k, v := range t.protos {
		out[k] = v
	}
	return out
}
