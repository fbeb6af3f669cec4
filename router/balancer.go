package router

import (
	"math/rand"
	"sync"
	"time"
)

// Balancer picks one protocol among equivalently-scored candidates.
type Balancer interface {
	Pick(candidates []Scored) string
}

// Scored pairs a protocol name with its routing score and the metrics
// snapshot the score was computed from.
type Scored struct {
	Name    string
	Score   float64
	Metrics ProtocolMetrics
}

// NewBalancer returns the balancer for a configured algorithm name.
// Unknown names fall back to adaptive.
func NewBalancer(algorithm string) Balancer {
	switch algorithm {
	case "round_robin":
		return &roundRobin{}
	case "weighted":
		return weightedPick{}
	case "least_congested":
		return leastCongested{}
	case "least_latency":
		return leastLatency{}
	default:
		return &adaptive{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
}

type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *roundRobin) Pick(candidates []Scored) string {
	if len(candidates) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pick := candidates[r.next%len(candidates)]
	r.next++
	return pick.Name
}

// weightedPick weights by 1/(latency+1) * success_rate.
type weightedPick struct{}

func (weightedPick) Pick(candidates []Scored) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	bestW := weightOf(best.Metrics)
	for _, c := range candidates[1:] {
		if w := weightOf(c.Metrics); w > bestW {
			best, bestW = c, w
		}
	}
	return best.Name
}

func weightOf(m ProtocolMetrics) float64 {
	latMS := float64(m.LatencyEWMA.Milliseconds())
	return (1.0 / (latMS + 1.0)) * m.SuccessRate
}

type leastCongested struct{}

func (leastCongested) Pick(candidates []Scored) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Metrics.Congestion < best.Metrics.Congestion {
			best = c
		}
	}
	return best.Name
}

type leastLatency struct{}

func (leastLatency) Pick(candidates []Scored) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Metrics.LatencyEWMA < best.Metrics.LatencyEWMA {
			best = c
		}
	}
	return best.Name
}

// adaptive restricts to the top-scoring cluster (within 90% of the best
// score) and randomizes inside it to avoid herding onto one link.
type adaptive struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (a *adaptive) Pick(candidates []Scored) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score > best {
			best = c.Score
		}
	}
	cluster := candidates[:0:0]
	for _, c := range candidates {
		if c.Score >= best*0.9 {
			cluster = append(cluster, c)
		}
	}
	if len(cluster) == 1 {
		return cluster[0].Name
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return cluster[a.rng.Intn(len(cluster))].Name
}
