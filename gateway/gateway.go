// Package gateway normalizes wire traffic from the protocol adapters
// into UnifiedMessages on the telemetry bus, and drives outbound
// commands back through the router.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fleetgate/bus"
	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
	"fleetgate/router"
)

// Adapter is one protocol front-end. Adapters receive the gateway as
// their Ingestor at construction and feed it from their read loops.
type Adapter interface {
	router.Sender
	Start(ctx context.Context) error
	Close() error
}

// Ingestor is the adapter-facing side of the gateway.
type Ingestor interface {
	Ingest(msg *model.UnifiedMessage) error
}

// drainGrace bounds how long Stop waits for the outbound queue.
const drainGrace = 2 * time.Second

// Gateway is the normalizer: one writer onto the bus, dedup and
// admission in front, liveness tracking alongside, and the outbound
// command queue behind.
type Gateway struct {
	cfg      config.GatewayConfig
	reg      *metrics.Registry
	bus      *bus.Bus
	registry *Registry
	acks     *AckTable
	route    *router.Router

	nextID   atomic.Uint64
	adapters []Adapter

	dedupMu sync.Mutex
	dedup   map[model.DedupKey]time.Time

	outbound chan *model.UnifiedMessage
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
}

// New builds the gateway. The ACK table is injected so the router can
// be constructed against it first.
func New(cfg config.GatewayConfig, reg *metrics.Registry, b *bus.Bus, rt *router.Router, acks *AckTable, outboundDepth int) *Gateway {
	if outboundDepth <= 0 {
		outboundDepth = 1000
	}
	if acks == nil {
		acks = NewAckTable()
	}
	return &Gateway{
		cfg:      cfg,
		reg:      reg,
		bus:      b,
		registry: NewRegistry(cfg.AdmissionPerHour),
		acks:     acks,
		route:    rt,
		dedup:    make(map[model.DedupKey]time.Time),
		outbound: make(chan *model.UnifiedMessage, outboundDepth),
	}
}

// Acks exposes the ACK table; the router uses it as its AckWaiter.
func (g *Gateway) Acks() *AckTable { return g.acks }

// Registry exposes the drone registry for the control API.
func (g *Gateway) Registry() *Registry { return g.registry }

// RegisterAdapter attaches a protocol adapter and its outbound side.
func (g *Gateway) RegisterAdapter(a Adapter) {
	g.adapters = append(g.adapters, a)
	g.route.RegisterSender(a)
}

// Start launches the adapters, the liveness sweeper and the outbound
// workers. Starting twice is a no-op; a stopped gateway does not
// restart, since its adapters and bus have been torn down.
func (g *Gateway) Start(parent context.Context) error {
	if g.stopped.Load() {
		return model.ErrShuttingDown
	}
	if g.started.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel

	for _, a := range g.adapters {
		if err := a.Start(ctx); err != nil {
			cancel()
			return err
		}
		logger.Info("[GATEWAY] Adapter %s started", a.Name())
	}

	g.wg.Add(2)
	go g.livenessLoop(ctx)
	go g.outboundLoop(ctx)
	g.started.Store(true)
	return nil
}

// Stop closes the adapters, drains the outbound queue for a bounded
// grace period and closes the bus so consumers see end-of-stream.
func (g *Gateway) Stop() {
	if !g.started.Swap(false) {
		return
	}
	g.stopped.Store(true)
	for _, a := range g.adapters {
		if err := a.Close(); err != nil {
			logger.Warn("[GATEWAY] Adapter %s close: %v", a.Name(), err)
		}
	}

	// Let in-flight outbound sends finish.
	deadline := time.After(drainGrace)
	for len(g.outbound) > 0 {
		select {
		case <-deadline:
			logger.Warn("[GATEWAY] Drain grace expired with %d outbound messages queued", len(g.outbound))
			goto done
		case <-time.After(10 * time.Millisecond):
		}
	}
done:
	g.cancel()
	g.wg.Wait()
	g.bus.Close()
	logger.Info("[GATEWAY] Stopped")
}

// Ingest normalizes one inbound message: admission, replay rejection,
// ID assignment, ACK correlation, then the bus.
func (g *Gateway) Ingest(msg *model.UnifiedMessage) error {
	if err := g.registry.Admit(msg.DroneID, msg.SourceProtocol); err != nil {
		g.reg.IncError(err)
		g.reg.IncDropped("admission_denied")
		return err
	}

	if g.isReplay(msg.Key()) {
		g.reg.IncError(model.ErrReplayRejected)
		g.reg.IncDropped("replay_rejected")
		return model.ErrReplayRejected
	}

	msg.MessageID = g.nextID.Add(1)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	g.reg.IncReceived(string(msg.Kind), msg.SourceProtocol)

	if msg.Kind == model.KindAck && msg.Ack != nil {
		// ACKs complete pending sends instead of fanning out.
		g.acks.Deliver(msg.DroneID, msg.Priority, msg.Ack)
		return nil
	}

	if err := g.bus.Publish(msg); err != nil {
		g.reg.IncError(err)
		return err
	}
	g.reg.IncEmitted(string(msg.Kind))
	return nil
}

// IngestExternal accepts a telemetry sample from the control API and
// runs it through the same normalization path as wire traffic.
func (g *Gateway) IngestExternal(s *model.TelemetrySample) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return g.Ingest(&model.UnifiedMessage{
		DroneID:        s.DroneID,
		SourceProtocol: model.ProtocolInternal,
		ExternalSeq:    uint32(g.nextID.Load()), // API traffic has no wire seq
		Kind:           model.KindTelemetry,
		Priority:       model.PriorityNormal,
		Timestamp:      s.Timestamp,
		Telemetry:      s,
	})
}

// Enqueue queues an outbound message for routing. A full queue is
// backpressure, not a silent drop.
func (g *Gateway) Enqueue(msg *model.UnifiedMessage) error {
	if !g.started.Load() {
		return model.ErrNotStarted
	}
	select {
	case g.outbound <- msg:
		return nil
	default:
		g.reg.IncError(model.ErrQueueFull)
		return model.ErrQueueFull
	}
}

// UploadMission sends a mission item-by-item. Every item requires an
// ACK; the upload advances to the next sequence only after the previous
// one is acknowledged, and aborts on the first failure.
func (g *Gateway) UploadMission(ctx context.Context, droneID string, priority model.Priority, items []model.MissionItem) error {
	if !g.started.Load() {
		return model.ErrNotStarted
	}
	total := uint16(len(items))
	for i := range items {
		it := items[i]
		it.Seq = uint16(i)
		it.Total = total
		it.Current = i == 0
		msg := &model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolInternal,
			Kind:           model.KindMission,
			Priority:       priority,
			Timestamp:      time.Now(),
			Delivery:       model.Delivery{AckRequired: true},
			Mission:        &it,
		}
		if err := g.route.Send(ctx, msg); err != nil {
			return fmt.Errorf("mission item %d/%d: %w", i+1, total, err)
		}
	}
	logger.Info("[GATEWAY] Mission with %d items uploaded to %s", total, droneID)
	return nil
}

// isReplay checks and updates the rolling dedup window.
func (g *Gateway) isReplay(key model.DedupKey) bool {
	window := time.Duration(g.cfg.ReplayWindowSeconds) * time.Second
	if window <= 0 {
		window = 10 * time.Minute
	}
	now := time.Now()

	g.dedupMu.Lock()
	defer g.dedupMu.Unlock()
	if seen, ok := g.dedup[key]; ok && now.Sub(seen) < window {
		return true
	}
	g.dedup[key] = now

	// Amortized prune keeps the map bounded by the window.
	if len(g.dedup)%1024 == 0 {
		for k, t := range g.dedup {
			if now.Sub(t) >= window {
				delete(g.dedup, k)
			}
		}
	}
	return false
}

// livenessLoop publishes degraded/lost transitions as status messages.
func (g *Gateway) livenessLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tr := range g.registry.sweep() {
				logger.Warn("[GATEWAY] Drone %s is %s (silent %s)", tr.droneID, tr.state, tr.silent.Round(time.Second))
				msg := &model.UnifiedMessage{
					MessageID:      g.nextID.Add(1),
					DroneID:        tr.droneID,
					SourceProtocol: model.ProtocolInternal,
					Kind:           model.KindStatus,
					Priority:       model.PriorityHigh,
					Timestamp:      time.Now(),
					Status:         &model.StatusChange{State: tr.state, Detail: "link silent " + tr.silent.Round(time.Second).String()},
				}
				if err := g.bus.Publish(msg); err != nil {
					g.reg.IncError(err)
				}
			}
		}
	}
}

// outboundLoop routes queued commands.
func (g *Gateway) outboundLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.outbound:
			if ttl := msg.Delivery.TTLSeconds; ttl > 0 && !msg.Timestamp.IsZero() &&
				time.Since(msg.Timestamp) > time.Duration(ttl*float64(time.Second)) {
				g.reg.IncDropped("ttl_expired")
				logger.Warn("[GATEWAY] Outbound %s to %s expired in queue", msg.Kind, msg.DroneID)
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := g.route.Send(sendCtx, msg); err != nil {
				logger.Error("[GATEWAY] Outbound %s to %s failed: %v", msg.Kind, msg.DroneID, err)
			}
			cancel()
		}
	}
}
