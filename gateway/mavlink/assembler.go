package mavlink

import (
	"sync"
	"time"

	"fleetgate/model"
)

// emitInterval paces telemetry emission per drone. Critical deltas
// (arming, mode, EKF, battery band) bypass the pacing.
const emitInterval = 100 * time.Millisecond

// assembler accumulates wire messages into one TelemetrySample per
// drone. MAVLink spreads a vehicle's state over many message IDs; the
// assembler merges them and decides when a coherent sample is worth
// emitting.
type assembler struct {
	mu       sync.Mutex
	pending  map[string]*model.TelemetrySample
	lastEmit map[string]time.Time
	lastSent map[string]*model.TelemetrySample
	now      func() time.Time
}

func newAssembler() *assembler {
	return &assembler{
		pending:  make(map[string]*model.TelemetrySample),
		lastEmit: make(map[string]time.Time),
		lastSent: make(map[string]*model.TelemetrySample),
		now:      time.Now,
	}
}

// update applies fn to the drone's pending sample and returns a sample
// to emit, or nil while pacing holds it back.
func (a *assembler) update(droneID string, fn func(*model.TelemetrySample)) *model.TelemetrySample {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.pending[droneID]
	if !ok {
		s = &model.TelemetrySample{DroneID: droneID}
		a.pending[droneID] = s
	}
	fn(s)
	s.Timestamp = a.now()

	if s.CriticalDelta(a.lastSent[droneID]) || a.now().Sub(a.lastEmit[droneID]) >= emitInterval {
		return a.takeLocked(droneID, s)
	}
	return nil
}

// takeLocked snapshots the pending sample for emission. The pending
// record keeps accumulating; group pointers are reused so field updates
// between emits merge rather than reset.
func (a *assembler) takeLocked(droneID string, s *model.TelemetrySample) *model.TelemetrySample {
	out := *s
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	if s.Motion != nil {
		m := *s.Motion
		out.Motion = &m
	}
	if s.Systems != nil {
		sys := *s.Systems
		out.Systems = &sys
	}
	if s.Environment != nil {
		env := *s.Environment
		out.Environment = &env
	}
	if s.Mission != nil {
		ms := *s.Mission
		out.Mission = &ms
	}
	if s.Comms != nil {
		c := *s.Comms
		out.Comms = &c
	}
	a.lastEmit[droneID] = a.now()
	a.lastSent[droneID] = &out
	return &out
}

func (a *assembler) position(s *model.TelemetrySample) *model.Position {
	if s.Position == nil {
		s.Position = &model.Position{}
	}
	return s.Position
}

func (a *assembler) motion(s *model.TelemetrySample) *model.Motion {
	if s.Motion == nil {
		s.Motion = &model.Motion{}
	}
	return s.Motion
}

func (a *assembler) systems(s *model.TelemetrySample) *model.Systems {
	if s.Systems == nil {
		s.Systems = &model.Systems{}
	}
	return s.Systems
}

func (a *assembler) mission(s *model.TelemetrySample) *model.MissionStatus {
	if s.Mission == nil {
		s.Mission = &model.MissionStatus{}
	}
	return s.Mission
}

func (a *assembler) comms(s *model.TelemetrySample) *model.CommsStats {
	if s.Comms == nil {
		s.Comms = &model.CommsStats{}
	}
	return s.Comms
}
