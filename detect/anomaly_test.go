package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/bus"
	"fleetgate/config"
	"fleetgate/model"
)

func anomalyConfig() config.DetectionConfig {
	return config.DetectionConfig{
		TelemetryBufferSize: 100,
		TrainingCadence:     1 << 30, // never retrain mid-test
		AnomalyThreshold:    0.99,    // forest path stays quiet
		ZScoreThreshold:     3,
		ForestTrees:         50,
		ForestSubsample:     64,
	}
}

func steadySample(droneID string, i int) *model.TelemetrySample {
	// Deterministic jitter across every feature so both the z-score
	// windows and the forest see nonzero variance.
	j := func(k int) float64 { return float64((i*7+k*13)%11)/10 - 0.5 }
	return &model.TelemetrySample{
		DroneID:   droneID,
		Timestamp: time.Now(),
		Position:  &model.Position{Lat: 47.6, Lon: -122.3, AltRel: 100 + 4*j(0)},
		Motion: &model.Motion{
			VX: 5 + j(1), VY: j(2), VZ: j(3),
			AX: j(4), AY: j(5), AZ: 9.8 + 0.2*j(6),
		},
		Systems: &model.Systems{
			BatteryVoltage: 15.5 + 0.3*j(7),
			SignalStrength: -70 + 3*j(8),
			GPSAccuracy:    1.5 + 0.4*j(9),
		},
		Environment: &model.Environment{WindSpeed: 4 + j(10)},
		Comms:       &model.CommsStats{LatencyMS: 40 + 5*j(12), PacketLoss: 0.01 + 0.005*j(11)},
	}
}

func drainFindings(ch chan *model.Finding) []*model.Finding {
	var out []*model.Finding
	for {
		select {
		case f := <-ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestZScoreFlagsLatencySpike(t *testing.T) {
	findings := make(chan *model.Finding, 32)
	e := NewEngine(anomalyConfig(), nil, findings)

	for i := 0; i < 30; i++ {
		e.process(steadySample("mav-1", i))
	}
	require.Empty(t, drainFindings(findings), "steady telemetry must stay quiet")

	spike := steadySample("mav-1", 30)
	spike.Comms.LatencyMS = 2000
	e.process(spike)

	got := drainFindings(findings)
	require.NotEmpty(t, got)
	var hit *model.Finding
	for _, f := range got {
		if f.Type == model.FindingPatternAnomaly && f.Affected.SystemTypes[0] == "latency_ms" {
			hit = f
		}
	}
	require.NotNil(t, hit, "expected a latency_ms pattern anomaly, got %v", got)
	assert.Equal(t, []string{"mav-1"}, hit.Affected.DroneIDs)
	assert.Greater(t, hit.Features["z_score"], 3.0)
	assert.GreaterOrEqual(t, hit.Severity, model.SeverityWarning)
}

func TestZScoreNeedsWarmWindow(t *testing.T) {
	findings := make(chan *model.Finding, 8)
	e := NewEngine(anomalyConfig(), nil, findings)

	// Fewer than ten baseline samples: the spike must not fire.
	for i := 0; i < 5; i++ {
		e.process(steadySample("mav-2", i))
	}
	spike := steadySample("mav-2", 5)
	spike.Comms.LatencyMS = 2000
	e.process(spike)

	assert.Empty(t, drainFindings(findings))
}

func TestTrainNowInsufficientHistory(t *testing.T) {
	e := NewEngine(anomalyConfig(), nil, make(chan *model.Finding, 1))
	assert.ErrorIs(t, e.TrainNow(), model.ErrInsufficientHistory)
}

func TestTrainNowEnablesBehavioralScoring(t *testing.T) {
	findings := make(chan *model.Finding, 64)
	cfg := anomalyConfig()
	cfg.AnomalyThreshold = 0.55
	e := NewEngine(cfg, nil, findings)

	for i := 0; i < 200; i++ {
		e.process(steadySample("mav-3", i))
	}
	require.NoError(t, e.TrainNow())
	drainFindings(findings)

	wild := &model.TelemetrySample{
		DroneID:     "mav-3",
		Timestamp:   time.Now(),
		Position:    &model.Position{Lat: 47.6, Lon: -122.3, AltRel: 9000},
		Motion:      &model.Motion{VX: 250, VY: -250, VZ: 80, AX: 40, AY: -40, AZ: 90},
		Systems:     &model.Systems{BatteryVoltage: 2, SignalStrength: -120, GPSAccuracy: 80},
		Environment: &model.Environment{WindSpeed: 60},
		Comms:       &model.CommsStats{LatencyMS: 5000, PacketLoss: 0.9},
	}
	e.process(wild)

	got := drainFindings(findings)
	var behavioral bool
	for _, f := range got {
		if f.Type == model.FindingBehavioralAnomaly {
			behavioral = true
			assert.Greater(t, f.Features["isolation_score"], 0.55)
		}
	}
	assert.True(t, behavioral, "trained forest should flag the wild sample, got %v", got)
}

func TestRecentReturnsWindow(t *testing.T) {
	e := NewEngine(anomalyConfig(), nil, make(chan *model.Finding, 256))
	for i := 0; i < 20; i++ {
		e.process(steadySample("mav-4", i))
	}
	assert.Len(t, e.Recent("mav-4", 5), 5)
	assert.Len(t, e.Recent("mav-4", 100), 20)
	assert.Nil(t, e.Recent("unknown", 5))
}

func TestRunDrainsBeforeFindingsClose(t *testing.T) {
	b := bus.New()
	c := b.Subscribe("anomaly", 64, bus.DropOldest)
	findings := make(chan *model.Finding, 4)
	e := NewEngine(anomalyConfig(), nil, findings)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		e.Run(ctx, c)
		close(done)
	}()

	for i := 0; i < 30; i++ {
		require.NoError(t, b.Publish(&model.UnifiedMessage{
			Kind:      model.KindTelemetry,
			DroneID:   "mav-9",
			Telemetry: steadySample("mav-9", i),
		}))
	}
	spike := steadySample("mav-9", 30)
	spike.Comms.LatencyMS = 2000
	require.NoError(t, b.Publish(&model.UnifiedMessage{
		Kind:      model.KindTelemetry,
		DroneID:   "mav-9",
		Telemetry: spike,
	}))

	// Shutdown order: bus closes first, the engine drains its consumer
	// and returns, and only then may the findings channel close.
	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after bus close")
	}
	close(findings)
	var got []*model.Finding
	for f := range findings {
		got = append(got, f)
	}
	assert.NotEmpty(t, got)
}
