package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/config"
	"fleetgate/model"
)

func wornBatterySample(droneID string) *model.TelemetrySample {
	return &model.TelemetrySample{
		DroneID:   droneID,
		Timestamp: time.Now(),
		Systems: &model.Systems{
			BatteryVoltage: 3.1, // per-cell, nearly empty
			BatteryTemp:    62,
			BatteryCycles:  900,
			FlightHours:    1800,
		},
	}
}

func TestBatteryModelWornPack(t *testing.T) {
	findings := make(chan *model.Finding, 8)
	e := NewFailureEngine(config.DetectionConfig{}, nil, findings)

	e.Evaluate(wornBatterySample("mav-9"))

	preds := e.Predictions("mav-9", 0)
	require.Len(t, preds, 1)
	p := preds[0]
	assert.Equal(t, "battery", p.Component)

	// voltage 0.083, temp 0.3, cycles 0.1, age 0.4 -> health 0.188;
	// hot and high-cycle accelerators stack to 1.95.
	assert.InDelta(t, 19.3, p.RULHours, 0.2)
	assert.InDelta(t, 0.314, p.Confidence, 0.001)
	assert.Greater(t, p.DegradationRate, 0.0)

	select {
	case f := <-findings:
		assert.Equal(t, model.FindingComponentFailure, f.Type)
		assert.Equal(t, model.SeverityCritical, f.Severity)
		assert.Equal(t, []string{"battery"}, f.Affected.SystemTypes)
		assert.InDelta(t, 19.3, f.Features["rul_hours"], 0.2)
		assert.Contains(t, f.Recommended, "Schedule battery replacement")
	default:
		t.Fatal("expected a component_failure finding")
	}
}

func TestBatteryModelHealthyPackStaysQuiet(t *testing.T) {
	findings := make(chan *model.Finding, 8)
	e := NewFailureEngine(config.DetectionConfig{}, nil, findings)

	e.Evaluate(&model.TelemetrySample{
		DroneID:   "mav-10",
		Timestamp: time.Now(),
		Systems: &model.Systems{
			BatteryVoltage: 4.1,
			BatteryTemp:    25,
			BatteryCycles:  50,
		},
	})

	preds := e.Predictions("mav-10", 0)
	require.Len(t, preds, 1)
	assert.Greater(t, preds[0].RULHours, rulAlertHours)
	select {
	case f := <-findings:
		t.Fatalf("healthy pack must not alert, got %v", f)
	default:
	}
}

func TestPackVoltageNormalizedPerCell(t *testing.T) {
	e := NewFailureEngine(config.DetectionConfig{}, nil, make(chan *model.Finding, 8))

	// 16.4 V on a 4S pack is 4.1 V per cell: same health as the
	// per-cell report.
	e.Evaluate(&model.TelemetrySample{
		DroneID: "mav-11", Timestamp: time.Now(),
		Systems: &model.Systems{BatteryVoltage: 16.4, BatteryTemp: 25, BatteryCycles: 50},
	})
	e.Evaluate(&model.TelemetrySample{
		DroneID: "mav-12", Timestamp: time.Now(),
		Systems: &model.Systems{BatteryVoltage: 4.1, BatteryTemp: 25, BatteryCycles: 50},
	})

	packPred := e.Predictions("mav-11", 0)[0]
	cellPred := e.Predictions("mav-12", 0)[0]
	assert.InDelta(t, cellPred.RULHours, packPred.RULHours, 0.01)
}

func TestMotorModelHotAndShaky(t *testing.T) {
	findings := make(chan *model.Finding, 8)
	e := NewFailureEngine(config.DetectionConfig{}, nil, findings)

	e.Evaluate(&model.TelemetrySample{
		DroneID:   "uav-5",
		Timestamp: time.Now(),
		Systems: &model.Systems{
			MotorTemp:      95,
			VibrationX:     20,
			VibrationY:     15,
			VibrationZ:     10,
			BatteryCurrent: 38,
			FlightHours:    1900,
		},
	})

	var motor *model.FailurePrediction
	for _, p := range e.Predictions("uav-5", 0) {
		if p.Component == "motor" {
			motor = p
		}
	}
	require.NotNil(t, motor)
	assert.Less(t, motor.RULHours, rulAlertHours)

	got := drainFindings(findings)
	var alerted bool
	for _, f := range got {
		if f.Type == model.FindingComponentFailure && f.Affected.SystemTypes[0] == "motor" {
			alerted = true
			assert.Contains(t, f.Recommended, "Inspect motor and propeller")
		}
	}
	assert.True(t, alerted)
}

func TestConfidenceGrowsWithSamples(t *testing.T) {
	e := NewFailureEngine(config.DetectionConfig{}, nil, make(chan *model.Finding, 256))

	for i := 0; i < 50; i++ {
		e.Evaluate(wornBatterySample("mav-13"))
	}
	preds := e.Predictions("mav-13", 0)
	require.NotEmpty(t, preds)
	first := preds[0]
	last := preds[len(preds)-1]
	assert.InDelta(t, 0.314, first.Confidence, 0.001)
	assert.InDelta(t, 1.0, last.Confidence, 0.001)
}

func TestFlightHoursAccumulateWhileArmed(t *testing.T) {
	e := NewFailureEngine(config.DetectionConfig{}, nil, make(chan *model.Finding, 256))

	base := time.Now()
	armed := func(ts time.Time) *model.TelemetrySample {
		s := wornBatterySample("mav-14")
		s.Timestamp = ts
		s.Systems.FlightHours = 0
		s.Mission = &model.MissionStatus{Armed: true, FlightMode: "AUTO"}
		return s
	}
	e.Evaluate(armed(base))
	e.Evaluate(armed(base.Add(30 * time.Minute)))

	// Disarmed gap must not count.
	idle := armed(base.Add(90 * time.Minute))
	idle.Mission.Armed = false
	e.Evaluate(idle)

	e.mu.RLock()
	hours := e.hours["mav-14"]
	e.mu.RUnlock()
	assert.InDelta(t, 0.5, hours, 0.001)
}
