package detect

import (
	"math"
	"sync"
	"time"

	"fleetgate/bus"
	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
)

// Component health model constants. Scores are 0 (failed) .. 1 (new).
const (
	cellsPerPack = 4
	cellFull     = 4.2
	cellEmpty    = 3.0

	// Degradation accelerators.
	hotTempC        = 40.0
	hotTempFactor   = 1.5
	highCycles      = 500
	highCycleFactor = 1.3

	// Health-to-hours scale: a perfectly healthy component is assumed
	// to have this much useful life left.
	maxUsefulHours = 200.0

	// Emit a component_failure finding below this RUL.
	rulAlertHours = 48.0
)

// FailureEngine is the component-failure detector family: battery and
// motor health models producing FailurePredictions.
type FailureEngine struct {
	cfg      config.DetectionConfig
	reg      *metrics.Registry
	findings chan<- *model.Finding

	mu          sync.RWMutex
	predictions map[string][]*model.FailurePrediction // per drone, recent
	seen        map[string]int                        // samples observed per drone
	hours       map[string]float64                    // estimated flight hours per drone
	lastSample  map[string]time.Time
}

func NewFailureEngine(cfg config.DetectionConfig, reg *metrics.Registry, findings chan<- *model.Finding) *FailureEngine {
	return &FailureEngine{
		cfg:         cfg,
		reg:         reg,
		findings:    findings,
		predictions: make(map[string][]*model.FailurePrediction),
		seen:        make(map[string]int),
		hours:       make(map[string]float64),
		lastSample:  make(map[string]time.Time),
	}
}

// Run consumes telemetry until the consumer closes.
func (e *FailureEngine) Run(c *bus.Consumer) {
	for msg := range c.C() {
		if msg.Kind != model.KindTelemetry || msg.Telemetry == nil {
			continue
		}
		e.Evaluate(msg.Telemetry)
	}
	logger.Info("[FAILURE] Telemetry stream closed, engine stopping")
}

// Evaluate runs both component models against one sample.
func (e *FailureEngine) Evaluate(s *model.TelemetrySample) {
	if s.Systems == nil {
		return
	}

	e.mu.Lock()
	e.seen[s.DroneID]++
	confidence := clamp(0.3+0.7*float64(e.seen[s.DroneID])/50.0, 0.3, 1.0)
	if last, ok := e.lastSample[s.DroneID]; ok {
		if armed := s.Mission != nil && s.Mission.Armed; armed {
			e.hours[s.DroneID] += s.Timestamp.Sub(last).Hours()
		}
	}
	e.lastSample[s.DroneID] = s.Timestamp
	flightHours := e.hours[s.DroneID]
	e.mu.Unlock()

	if p := e.batteryModel(s, confidence, flightHours); p != nil {
		e.record(s.DroneID, p)
	}
	if p := e.motorModel(s, confidence, flightHours); p != nil {
		e.record(s.DroneID, p)
	}
}

// batteryModel weights voltage 0.4, temperature 0.25, cycle count 0.2
// and age 0.15.
func (e *FailureEngine) batteryModel(s *model.TelemetrySample, confidence, flightHours float64) *model.FailurePrediction {
	sys := s.Systems
	if sys.BatteryVoltage <= 0 {
		return nil
	}

	cellV := sys.BatteryVoltage
	if cellV > 6 { // pack voltage reported, normalize per cell
		cellV /= cellsPerPack
	}
	voltageScore := clamp((cellV-cellEmpty)/(cellFull-cellEmpty), 0, 1)
	tempScore := clamp(1-(sys.BatteryTemp-20)/60, 0, 1)
	cycleScore := clamp(1-float64(sys.BatteryCycles)/1000, 0, 1)
	age := math.Max(flightHours, hoursHint(s))
	ageScore := clamp(1-age/3000, 0, 1)

	health := 0.4*voltageScore + 0.25*tempScore + 0.2*cycleScore + 0.15*ageScore
	accel := degradationFactor(sys.BatteryTemp, sys.BatteryCycles)

	p := &model.FailurePrediction{
		DroneID:         s.DroneID,
		Component:       "battery",
		RULHours:        health * maxUsefulHours / accel,
		Confidence:      confidence,
		DegradationRate: (1 - health) * accel / 100,
		Timestamp:       s.Timestamp,
	}
	e.maybeAlert(s.DroneID, p, health)
	return p
}

// motorModel weights vibration 0.35, temperature 0.3, efficiency 0.25
// and hours 0.1.
func (e *FailureEngine) motorModel(s *model.TelemetrySample, confidence, flightHours float64) *model.FailurePrediction {
	sys := s.Systems
	vib := math.Sqrt(sys.VibrationX*sys.VibrationX + sys.VibrationY*sys.VibrationY + sys.VibrationZ*sys.VibrationZ)
	if vib == 0 && sys.MotorTemp == 0 {
		return nil
	}

	vibScore := clamp(1-vib/30, 0, 1)
	tempScore := clamp(1-(sys.MotorTemp-20)/80, 0, 1)
	// Efficiency proxy: heavy current draw relative to a 40 A budget.
	effScore := clamp(1-sys.BatteryCurrent/40, 0, 1)
	age := math.Max(flightHours, hoursHint(s))
	hoursScore := clamp(1-age/2000, 0, 1)

	health := 0.35*vibScore + 0.3*tempScore + 0.25*effScore + 0.1*hoursScore
	accel := degradationFactor(sys.MotorTemp, 0)

	p := &model.FailurePrediction{
		DroneID:         s.DroneID,
		Component:       "motor",
		RULHours:        health * maxUsefulHours / accel,
		Confidence:      confidence,
		DegradationRate: (1 - health) * accel / 100,
		Timestamp:       s.Timestamp,
	}
	e.maybeAlert(s.DroneID, p, health)
	return p
}

// degradationFactor accelerates wear above 40 °C and past 500 cycles.
func degradationFactor(tempC float64, cycles int) float64 {
	f := 1.0
	if tempC > hotTempC {
		f *= hotTempFactor
	}
	if cycles > highCycles {
		f *= highCycleFactor
	}
	return f
}

// hoursHint prefers the vehicle's own airframe-age report over the
// gateway's armed-time estimate.
func hoursHint(s *model.TelemetrySample) float64 {
	if s.Systems != nil {
		return s.Systems.FlightHours
	}
	return 0
}

func (e *FailureEngine) maybeAlert(droneID string, p *model.FailurePrediction, health float64) {
	if p.RULHours >= rulAlertHours {
		return
	}
	score := 1 - health
	f := model.NewFinding(model.FindingComponentFailure, model.SeverityFromScore(score), p.Confidence, droneID)
	f.Features["health"] = health
	f.Features["rul_hours"] = p.RULHours
	f.Features["degradation_rate"] = p.DegradationRate
	f.Affected.SystemTypes = []string{p.Component}
	switch p.Component {
	case "battery":
		f.Recommended = []string{"Schedule battery replacement", "Return to launch if in flight"}
	case "motor":
		f.Recommended = []string{"Inspect motor and propeller", "Reduce payload until serviced"}
	}
	if e.reg != nil {
		e.reg.IncFinding(f.Type)
	}
	select {
	case e.findings <- f:
	default:
		if e.reg != nil {
			e.reg.IncDropped("finding_queue_full")
		}
	}
}

func (e *FailureEngine) record(droneID string, p *model.FailurePrediction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := append(e.predictions[droneID], p)
	if len(list) > 100 {
		list = list[len(list)-100:]
	}
	e.predictions[droneID] = list
}

// Predictions returns the recent predictions for a drone.
func (e *FailureEngine) Predictions(droneID string, n int) []*model.FailurePrediction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.predictions[droneID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]*model.FailurePrediction, len(list))
	copy(out, list)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
