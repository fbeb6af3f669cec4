// Package threat implements the security detector family: GPS
// spoofing, jamming, physical interference and network-traffic
// analysis. One Engine serves the whole fleet with per-drone state.
package threat

import (
	"sync"

	"fleetgate/bus"
	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
)

// Engine fans one telemetry sample through every telemetry-driven
// threat check. Network traffic takes a separate path via Network().
type Engine struct {
	cfg      config.DetectionConfig
	reg      *metrics.Registry
	findings chan<- *model.Finding
	maxSpeed float64

	mu       sync.RWMutex
	gps      map[string]*gpsState
	comms    map[string]*commsState
	physical map[string]*physicalState
	recent   map[string][]*model.Finding // per drone, for the control API

	network *NetworkEngine
}

// NewEngine builds the threat engine. Findings are emitted on the
// given channel; the alert engine consumes them.
func NewEngine(cfg config.DetectionConfig, reg *metrics.Registry, findings chan<- *model.Finding) *Engine {
	e := &Engine{
		cfg:      cfg,
		reg:      reg,
		findings: findings,
		maxSpeed: cfg.MaxSpeedMS,
		gps:      make(map[string]*gpsState),
		comms:    make(map[string]*commsState),
		physical: make(map[string]*physicalState),
		recent:   make(map[string][]*model.Finding),
	}
	if e.maxSpeed <= 0 {
		e.maxSpeed = 30
	}
	e.network = NewNetworkEngine(cfg.NetworkBufferSize, e.emit)
	return e
}

// Run consumes telemetry from the bus until the consumer channel
// closes.
func (e *Engine) Run(c *bus.Consumer) {
	for msg := range c.C() {
		if msg.Kind != model.KindTelemetry || msg.Telemetry == nil {
			continue
		}
		e.Evaluate(msg.Telemetry)
	}
	logger.Info("[THREAT] Telemetry stream closed, engine stopping")
}

// Evaluate runs the telemetry-driven checks against one sample.
func (e *Engine) Evaluate(s *model.TelemetrySample) {
	e.mu.Lock()
	gps, ok := e.gps[s.DroneID]
	if !ok {
		gps = &gpsState{}
		e.gps[s.DroneID] = gps
	}
	comms, ok := e.comms[s.DroneID]
	if !ok {
		comms = &commsState{}
		e.comms[s.DroneID] = comms
	}
	phys, ok := e.physical[s.DroneID]
	if !ok {
		phys = &physicalState{}
		e.physical[s.DroneID] = phys
	}
	e.mu.Unlock()

	if f := e.checkGPSSpoofing(s, gps); f != nil {
		e.emit(f)
	}
	if f := e.checkJamming(s, comms); f != nil {
		e.emit(f)
	}
	if f := e.checkPhysical(s, phys); f != nil {
		e.emit(f)
	}
}

// Network hands a traffic record to the network analyzer.
func (e *Engine) Network(rec *model.NetworkRecord) {
	e.network.Observe(rec)
}

func (e *Engine) emit(f *model.Finding) {
	if e.reg != nil {
		e.reg.IncFinding(f.Type)
	}
	e.mu.Lock()
	for _, id := range f.Affected.DroneIDs {
		list := append(e.recent[id], f)
		if len(list) > 100 {
			list = list[len(list)-100:]
		}
		e.recent[id] = list
	}
	e.mu.Unlock()

	logger.Warn("[THREAT] %s severity=%s confidence=%.2f drones=%v",
		f.Type, f.Severity, f.Confidence, f.Affected.DroneIDs)
	select {
	case e.findings <- f:
	default:
		if e.reg != nil {
			e.reg.IncDropped("finding_queue_full")
		}
	}
}

// Recent returns up to n most recent threat findings for a drone.
func (e *Engine) Recent(droneID string, n int) []*model.Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.recent[droneID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]*model.Finding, len(list))
	copy(out, list)
	return out
}
