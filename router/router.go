// Package router selects the outbound protocol for each command and
// enforces circuit-breaker discipline around adapter sends.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
)

// Sender is the outbound capability of a protocol adapter.
type Sender interface {
	Name() string
	Protocol() model.Protocol
	// Mesh reports whether this transport advertises mesh capability.
	Mesh() bool
	// Send encodes and writes the message. It returns when the frame is
	// on the wire; ACK correlation is the router's job.
	Send(ctx context.Context, msg *model.UnifiedMessage) error
}

// AckWaiter matches inbound ACKs to outbound commands, FIFO per drone
// and priority class.
type AckWaiter interface {
	// Await blocks until the next ACK for (droneID, priority) arrives or
	// the context expires.
	Await(ctx context.Context, droneID string, priority model.Priority) (*model.Ack, error)
}

// Strategy names a routing discipline.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyFailover  Strategy = "failover"
	StrategyRedundant Strategy = "redundant"
	StrategyMesh      Strategy = "mesh"
)

// Recommendation bands for a scored protocol.
const (
	recommendPrimary = 80.0
	recommendBackup  = 50.0
)

// Recommendation classifies a score.
func Recommendation(score float64) string {
	switch {
	case score >= recommendPrimary:
		return "primary"
	case score >= recommendBackup:
		return "backup"
	default:
		return "avoid"
	}
}

// scoreWeights holds the component weights for one priority class.
// Components: latency, reliability, success, bandwidth, cost.
type scoreWeights struct {
	latency, reliability, success, bandwidth, cost float64
}

var weightsByPriority = map[model.Priority]scoreWeights{
	model.PriorityCritical:   {latency: 0.4, reliability: 0.4, success: 0.1, bandwidth: 0.05, cost: 0.05},
	model.PriorityHigh:       {latency: 0.35, reliability: 0.3, success: 0.15, bandwidth: 0.1, cost: 0.1},
	model.PriorityNormal:     {latency: 0.25, reliability: 0.25, success: 0.2, bandwidth: 0.15, cost: 0.15},
	model.PriorityLow:        {latency: 0.2, reliability: 0.2, success: 0.15, bandwidth: 0.25, cost: 0.2},
	model.PriorityBackground: {latency: 0.15, reliability: 0.15, success: 0.15, bandwidth: 0.3, cost: 0.25},
}

// Score combines a metrics snapshot into a 0..100 routing score for a
// priority class. Deterministic given the snapshot and priority.
func Score(m ProtocolMetrics, p model.Priority) float64 {
	w, ok := weightsByPriority[p]
	if !ok {
		w = weightsByPriority[model.PriorityNormal]
	}

	latMS := float64(m.LatencyEWMA.Milliseconds())
	latencyScore := 1.0 / (1.0 + latMS/100.0)
	bandwidthScore := m.Bandwidth / 10000.0
	if bandwidthScore > 1 {
		bandwidthScore = 1
	}
	costScore := 1.0 - m.Cost
	congestionPenalty := 1.0 - 0.5*m.Congestion

	raw := w.latency*latencyScore +
		w.reliability*m.Reliability +
		w.success*m.SuccessRate +
		w.bandwidth*bandwidthScore +
		w.cost*costScore
	return raw * congestionPenalty * 100.0
}

// Config carries the routing knobs.
type Config struct {
	EnableFailover  bool
	Algorithm       string
	FallbackTimeout time.Duration
	MaxRetries      int
	AckTimeout      time.Duration
	RedundantCopies int
}

// Router owns protocol selection, breakers and the routing metrics.
type Router struct {
	cfg      Config
	tracker  *Tracker
	balancer Balancer
	acks     AckWaiter
	reg      *metrics.Registry

	senders  map[string]Sender
	breakers map[string]*Breaker

	breakerThreshold int
	breakerRecovery  time.Duration
}

// New builds a router. Senders are registered afterwards, once the
// gateway has constructed its adapters.
func New(cfg Config, breakerThreshold int, breakerRecovery time.Duration, acks AckWaiter, reg *metrics.Registry) *Router {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RedundantCopies <= 0 {
		cfg.RedundantCopies = 2
	}
	return &Router{
		cfg:              cfg,
		tracker:          NewTracker(),
		balancer:         NewBalancer(cfg.Algorithm),
		acks:             acks,
		reg:              reg,
		senders:          make(map[string]Sender),
		breakers:         make(map[string]*Breaker),
		breakerThreshold: breakerThreshold,
		breakerRecovery:  breakerRecovery,
	}
}

// RegisterSender adds a protocol adapter to the routing table.
func (r *Router) RegisterSender(s Sender) {
	r.senders[s.Name()] = s
	r.breakers[s.Name()] = NewBreaker(s.Name(), r.breakerThreshold, r.breakerRecovery)
	r.tracker.Register(s.Name())
	logger.Info("[ROUTER] Registered protocol %s", s.Name())
}

// Tracker exposes the metrics tracker for health-check polls.
func (r *Router) Tracker() *Tracker { return r.tracker }

// Breakers returns breaker snapshots for /status.
func (r *Router) Breakers() map[string]interface{} {
	out := make(map[string]interface{}, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// StrategyFor picks the discipline for a message: an explicit
// extensions override wins, critical priority gets redundancy, and
// failover applies when enabled.
func (r *Router) StrategyFor(msg *model.UnifiedMessage) Strategy {
	if s, ok := msg.Extensions["strategy"]; ok {
		switch Strategy(s) {
		case StrategyDirect, StrategyFailover, StrategyRedundant, StrategyMesh:
			return Strategy(s)
		}
	}
	if msg.Priority == model.PriorityCritical && len(r.senders) > 1 {
		return StrategyRedundant
	}
	if r.cfg.EnableFailover {
		return StrategyFailover
	}
	return StrategyDirect
}

// Send routes an outbound message. Routing errors surface to the
// caller verbatim; the router never swallows them.
func (r *Router) Send(ctx context.Context, msg *model.UnifiedMessage) error {
	switch r.StrategyFor(msg) {
	case StrategyRedundant:
		return r.sendRedundant(ctx, msg)
	case StrategyFailover:
		return r.sendFailover(ctx, msg)
	case StrategyMesh:
		return r.sendDirect(ctx, msg, true)
	default:
		return r.sendDirect(ctx, msg, false)
	}
}

// rank returns available candidates sorted best-first. Protocols with
// an open breaker are excluded before scoring.
func (r *Router) rank(priority model.Priority, preferMesh bool) []Scored {
	var out []Scored
	for name, s := range r.senders {
		if !r.breakers[name].Available() {
			continue
		}
		m, _ := r.tracker.Snapshot(name)
		score := Score(m, priority)
		if preferMesh && s.Mesh() {
			score += 10 // mesh preference, not a hard filter
		}
		out = append(out, Scored{Name: name, Score: score, Metrics: m})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		// Tie-break: lower latency, then stable by name to avoid flapping.
		if out[i].Metrics.LatencyEWMA != out[j].Metrics.LatencyEWMA {
			return out[i].Metrics.LatencyEWMA < out[j].Metrics.LatencyEWMA
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// attempt performs one send on one protocol, including ACK wait when
// the message requires it, and updates metrics and breaker state.
func (r *Router) attempt(ctx context.Context, name string, msg *model.UnifiedMessage) error {
	s := r.senders[name]
	b := r.breakers[name]

	if !b.Allow() {
		return fmt.Errorf("%s: %w", name, model.ErrCircuitOpen)
	}

	start := time.Now()
	err := s.Send(ctx, msg)
	if err == nil && msg.Delivery.AckRequired && r.acks != nil {
		ackCtx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
		_, err = r.acks.Await(ackCtx, msg.DroneID, msg.Priority)
		cancel()
	}

	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// A redundant sibling already won and canceled this attempt.
			// The protocol did not fail; keep it out of breaker and EWMA
			// bookkeeping, and hand back any half-open probe slot.
			b.ReleaseProbe()
			return err
		}
		r.tracker.Observe(name, elapsed, false)
		b.RecordFailure()
		if r.reg != nil {
			r.reg.IncSendError(string(msg.Kind))
			r.reg.IncError(err)
		}
		return err
	}
	r.tracker.Observe(name, elapsed, true)
	b.RecordSuccess()
	if r.reg != nil {
		r.reg.IncSentOK(string(msg.Kind), s.Protocol())
	}
	return nil
}

// noCandidates distinguishes "nothing registered" from "everything is
// breaker-gated": the latter surfaces as circuit_open.
func (r *Router) noCandidates() error {
	if len(r.senders) == 0 {
		return model.ErrNoProtocol
	}
	return model.ErrCircuitOpen
}

func (r *Router) sendDirect(ctx context.Context, msg *model.UnifiedMessage, preferMesh bool) error {
	candidates := r.rank(msg.Priority, preferMesh)
	if len(candidates) == 0 {
		return r.noCandidates()
	}
	pick := r.balancer.Pick(topCluster(candidates))
	if pick == "" {
		pick = candidates[0].Name
	}
	return r.attempt(ctx, pick, msg)
}

// topCluster keeps candidates whose score is within 90% of the best,
// giving the balancer only equivalent choices.
func topCluster(candidates []Scored) []Scored {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0].Score
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.Score >= best*0.9 {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) sendFailover(ctx context.Context, msg *model.UnifiedMessage) error {
	candidates := r.rank(msg.Priority, false)
	if len(candidates) == 0 {
		return r.noCandidates()
	}

	deadline := time.Now().Add(r.cfg.FallbackTimeout)
	var lastErr error
	tries := 0
	for _, c := range candidates {
		if tries >= r.cfg.MaxRetries || time.Now().After(deadline) {
			break
		}
		tries++
		err := r.attempt(ctx, c.Name, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !model.Retriable(err) {
			return err
		}
		logger.Warn("[ROUTER] Failover: %s failed for drone %s: %v", c.Name, msg.DroneID, err)
	}
	if lastErr == nil {
		lastErr = model.ErrNoProtocol
	}
	return fmt.Errorf("%w: %v", model.ErrRetriesExhausted, lastErr)
}

// sendRedundant sends on the top-N protocols concurrently. The first
// success satisfies the send and cancels the other attempts.
func (r *Router) sendRedundant(ctx context.Context, msg *model.UnifiedMessage) error {
	candidates := r.rank(msg.Priority, false)
	if len(candidates) == 0 {
		return r.noCandidates()
	}
	n := r.cfg.RedundantCopies
	if n > len(candidates) {
		n = len(candidates)
	}
	if n == 1 {
		return r.attempt(ctx, candidates[0].Name, msg)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, n)
	for _, c := range candidates[:n] {
		go func(name string) {
			results <- r.attempt(attemptCtx, name, msg)
		}(c.Name)
	}

	var lastErr error
	for i := 0; i < n; i++ {
		err := <-results
		if err == nil {
			cancel() // first ACK wins, cancel the in-flight sibling
			return nil
		}
		lastErr = err
	}
	return lastErr
}
