// Package detect implements the behavioral and component-failure
// detector families consuming normalized telemetry.
package detect

import (
	"context"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"fleetgate/bus"
	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
)

// featureCount is the fixed behavioral feature vector width: altitude,
// velocity triplet, acceleration triplet, battery voltage, signal
// strength, gps accuracy, wind speed, packet loss, latency.
const featureCount = 13

// FeatureVector extracts the behavioral features from a sample.
// Absent groups contribute zeros; the forest was trained on the same
// encoding so the comparison stays apples-to-apples.
func FeatureVector(s *model.TelemetrySample) []float64 {
	v := make([]float64, featureCount)
	if s.Position != nil {
		v[0] = s.Position.AltRel
	}
	if s.Motion != nil {
		v[1], v[2], v[3] = s.Motion.VX, s.Motion.VY, s.Motion.VZ
		v[4], v[5], v[6] = s.Motion.AX, s.Motion.AY, s.Motion.AZ
	}
	if s.Systems != nil {
		v[7] = s.Systems.BatteryVoltage
		v[8] = s.Systems.SignalStrength
		v[9] = s.Systems.GPSAccuracy
	}
	if s.Environment != nil {
		v[10] = s.Environment.WindSpeed
	}
	if s.Comms != nil {
		v[11] = s.Comms.PacketLoss
		v[12] = s.Comms.LatencyMS
	}
	return v
}

// Engine is the anomaly detector family: an isolation forest over the
// behavioral feature vector plus z-score checks on flight and comms
// series. One Engine serves the whole fleet; state is per drone.
type Engine struct {
	cfg      config.DetectionConfig
	reg      *metrics.Registry
	findings chan<- *model.Finding

	mu     sync.RWMutex
	rings  map[string]*Ring
	forest *IsolationForest

	trainCh    chan [][]float64
	sinceTrain int
}

// NewEngine builds the anomaly engine. Findings are emitted on the
// given channel; the alert engine consumes them.
func NewEngine(cfg config.DetectionConfig, reg *metrics.Registry, findings chan<- *model.Finding) *Engine {
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		findings: findings,
		rings:    make(map[string]*Ring),
		trainCh:  make(chan [][]float64, 1),
	}
}

// Run consumes telemetry from the bus until the consumer channel
// closes. The training worker runs alongside so a retrain never stalls
// the hot path.
func (e *Engine) Run(ctx context.Context, c *bus.Consumer) {
	go e.trainWorker(ctx)

	for msg := range c.C() {
		if msg.Kind != model.KindTelemetry || msg.Telemetry == nil {
			continue
		}
		e.process(msg.Telemetry)
	}
	logger.Info("[ANOMALY] Telemetry stream closed, engine stopping")
}

func (e *Engine) process(s *model.TelemetrySample) {
	e.mu.Lock()
	ring, ok := e.rings[s.DroneID]
	if !ok {
		ring = NewRing(e.cfg.TelemetryBufferSize)
		e.rings[s.DroneID] = ring
	}
	ring.Push(s)
	e.sinceTrain++
	needTrain := e.sinceTrain >= e.cfg.TrainingCadence
	if needTrain {
		e.sinceTrain = 0
	}
	forest := e.forest
	e.mu.Unlock()

	if needTrain {
		e.requestTrain()
	}

	if forest != nil {
		score := forest.Score(FeatureVector(s))
		if score > e.cfg.AnomalyThreshold {
			e.emitBehavioral(s, score)
		}
	} else if e.reg != nil {
		// Model still warming up: not an alert condition.
		e.reg.IncError(model.ErrModelNotReady)
	}

	e.zScoreChecks(s, ring)
}

// requestTrain snapshots the rolling window and hands it to the
// training worker without blocking; a train already in flight wins.
func (e *Engine) requestTrain() {
	e.mu.RLock()
	var data [][]float64
	for _, ring := range e.rings {
		for _, s := range ring.Last(ring.Len()) {
			data = append(data, FeatureVector(s))
		}
	}
	e.mu.RUnlock()

	select {
	case e.trainCh <- data:
	default:
	}
}

func (e *Engine) trainWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-e.trainCh:
			start := time.Now()
			forest, err := FitForest(data, e.cfg.ForestTrees, e.cfg.ForestSubsample, time.Now().UnixNano())
			if err != nil {
				logger.Debug("[ANOMALY] Training skipped: %v", err)
				if e.reg != nil {
					e.reg.IncError(err)
				}
				// Surfaced as an informational finding, never an alert
				// condition.
				f := model.NewFinding(model.FindingBehavioralAnomaly, model.SeverityInfo, 0)
				f.Features["model_status"] = 0
				e.emit(f)
				continue
			}
			e.mu.Lock()
			e.forest = forest
			e.mu.Unlock()
			logger.Info("[ANOMALY] Forest retrained on %d samples in %s", len(data), time.Since(start))
		}
	}
}

// TrainNow fits the forest synchronously on the current window. Used
// at startup when replaying history and by tests.
func (e *Engine) TrainNow() error {
	e.mu.RLock()
	var data [][]float64
	for _, ring := range e.rings {
		for _, s := range ring.Last(ring.Len()) {
			data = append(data, FeatureVector(s))
		}
	}
	e.mu.RUnlock()

	forest, err := FitForest(data, e.cfg.ForestTrees, e.cfg.ForestSubsample, time.Now().UnixNano())
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.forest = forest
	e.mu.Unlock()
	return nil
}

func (e *Engine) emitBehavioral(s *model.TelemetrySample, score float64) {
	f := model.NewFinding(model.FindingBehavioralAnomaly, model.SeverityFromScore(score), score, s.DroneID)
	f.Features["isolation_score"] = score
	f.Affected.SystemTypes = []string{"flight_controller"}
	f.Recommended = []string{"Review recent telemetry for the affected drone"}
	e.emit(f)
}

// zScoreChecks flags samples more than the configured number of
// standard deviations from the drone's rolling window on key series.
func (e *Engine) zScoreChecks(s *model.TelemetrySample, ring *Ring) {
	window := ring.Last(ring.Len())
	if len(window) < 10 {
		return
	}

	type series struct {
		name    string
		extract func(*model.TelemetrySample) (float64, bool)
	}
	checks := []series{
		{"altitude", func(t *model.TelemetrySample) (float64, bool) {
			if t.Position == nil {
				return 0, false
			}
			return t.Position.AltRel, true
		}},
		{"ground_speed", func(t *model.TelemetrySample) (float64, bool) {
			if t.Motion == nil {
				return 0, false
			}
			return math.Hypot(t.Motion.VX, t.Motion.VY), true
		}},
		{"latency_ms", func(t *model.TelemetrySample) (float64, bool) {
			if t.Comms == nil {
				return 0, false
			}
			return t.Comms.LatencyMS, true
		}},
		{"packet_loss", func(t *model.TelemetrySample) (float64, bool) {
			if t.Comms == nil {
				return 0, false
			}
			return t.Comms.PacketLoss, true
		}},
	}

	for _, chk := range checks {
		cur, ok := chk.extract(s)
		if !ok {
			continue
		}
		// Baseline excludes the sample under test.
		var vals []float64
		for _, t := range window[:len(window)-1] {
			if v, ok := chk.extract(t); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) < 10 {
			continue
		}
		mean, std := stat.MeanStdDev(vals, nil)
		if std == 0 {
			continue
		}
		z := (cur - mean) / std
		if math.Abs(z) > e.cfg.ZScoreThreshold {
			f := model.NewFinding(model.FindingPatternAnomaly,
				model.SeverityFromScore(math.Min(1, math.Abs(z)/6)),
				math.Min(1, math.Abs(z)/6), s.DroneID)
			f.Features["z_score"] = z
			f.Features["series_mean"] = mean
			f.Features["series_std"] = std
			f.Features["value"] = cur
			f.Affected.SystemTypes = []string{chk.name}
			e.emit(f)
		}
	}
}

func (e *Engine) emit(f *model.Finding) {
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

// Recent returns up to n most recent samples for a drone, for the
// control API.
func (e *Engine) Recent(droneID string, n int) []*model.TelemetrySample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ring, ok := e.rings[droneID]
	if !ok {
		return nil
	}
	return ring.Last(n)
}
