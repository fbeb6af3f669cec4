package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/model"
)

func envSample(droneID string, pressure, wind float64) *model.TelemetrySample {
	return &model.TelemetrySample{
		DroneID:     droneID,
		Timestamp:   time.Now(),
		Environment: &model.Environment{Pressure: pressure, WindSpeed: wind},
	}
}

func TestPhysicalPressureDrop(t *testing.T) {
	e, findings := newTestEngine(8)

	e.Evaluate(envSample("mav-20", 1013, 5))
	require.Empty(t, drain(findings), "first sample only sets the baseline")

	e.Evaluate(envSample("mav-20", 1002, 5))
	got := drain(findings)
	require.Len(t, got, 1)
	f := got[0]
	assert.Equal(t, model.FindingPhysical, f.Type)
	// delta 11 hPa: 11/20 + 0.4 = 0.95, emergency band.
	assert.Equal(t, model.SeverityEmergency, f.Severity)
	assert.Equal(t, []string{"airframe"}, f.Affected.SystemTypes)
	assert.Contains(t, f.Recommended, "Consider return-to-launch")
}

func TestPhysicalExtremeWind(t *testing.T) {
	e, findings := newTestEngine(8)

	e.Evaluate(envSample("mav-21", 1013, 35))
	got := drain(findings)
	require.Len(t, got, 1)
	// 35/50 + 0.2 = 0.9
	assert.Equal(t, model.SeverityEmergency, got[0].Severity)
	assert.Contains(t, got[0].Recommended, "Investigate: wind 35.0 m/s")
}

func TestPhysicalUnexpectedFlightMode(t *testing.T) {
	e, findings := newTestEngine(8)

	for _, mode := range []string{"EMERGENCY", "FAILSAFE", "UNKNOWN"} {
		e.Evaluate(&model.TelemetrySample{
			DroneID:   "mav-22",
			Timestamp: time.Now(),
			Mission:   &model.MissionStatus{FlightMode: mode, Armed: true},
		})
		got := drain(findings)
		require.Len(t, got, 1, "mode %s", mode)
		assert.Equal(t, model.FindingPhysical, got[0].Type)
		assert.Equal(t, model.SeverityHigh, got[0].Severity)
	}

	e.Evaluate(&model.TelemetrySample{
		DroneID:   "mav-22",
		Timestamp: time.Now(),
		Mission:   &model.MissionStatus{FlightMode: "AUTO", Armed: true},
	})
	assert.Empty(t, drain(findings))
}

func TestPhysicalSmallDeltaStaysQuiet(t *testing.T) {
	e, findings := newTestEngine(8)

	e.Evaluate(envSample("mav-23", 1013, 5))
	e.Evaluate(envSample("mav-23", 1010, 8))
	assert.Empty(t, drain(findings))
}
