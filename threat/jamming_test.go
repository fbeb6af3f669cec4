package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/model"
)

func commsSample(droneID string, i int, ts time.Time) *model.TelemetrySample {
	j := float64(i%5) / 5 // deterministic jitter for nonzero variance
	return &model.TelemetrySample{
		DroneID:   droneID,
		Timestamp: ts,
		Systems:   &model.Systems{SignalStrength: -70 + j},
		Comms: &model.CommsStats{
			PacketLoss:     0.01 + 0.002*j,
			LatencyMS:      40 + 2*j,
			ThroughputKBps: 500 + 10*j,
		},
	}
}

func TestJammingDegradedLink(t *testing.T) {
	e, findings := newTestEngine(64)

	base := time.Now()
	for i := 0; i < 20; i++ {
		e.Evaluate(commsSample("uav-7", i, base.Add(time.Duration(i)*time.Second)))
	}
	require.Empty(t, drain(findings), "nominal comms must stay quiet")

	jammed := commsSample("uav-7", 20, base.Add(20*time.Second))
	jammed.Comms.PacketLoss = 0.6
	jammed.Comms.LatencyMS = 900
	jammed.Comms.ThroughputKBps = 5
	jammed.Systems.SignalStrength = -30 // noise floor swamps the receiver

	e.Evaluate(jammed)

	got := drain(findings)
	require.Len(t, got, 1)
	f := got[0]
	assert.Equal(t, model.FindingJamming, f.Type)
	assert.GreaterOrEqual(t, f.Severity, model.SeverityHigh)
	assert.Greater(t, f.Features["loss_z"], 2.9)
	assert.Greater(t, f.Features["throughput_z"], 2.9)
	assert.Contains(t, f.Recommended, "Switch to the redundant link")
}

func TestJammingSingleSeriesBelowTrigger(t *testing.T) {
	e, findings := newTestEngine(8)

	base := time.Now()
	for i := 0; i < 20; i++ {
		e.Evaluate(commsSample("uav-8", i, base.Add(time.Duration(i)*time.Second)))
	}

	// Latency alone tops out at 0.25 weighted: not jamming.
	slow := commsSample("uav-8", 20, base.Add(20*time.Second))
	slow.Comms.LatencyMS = 900
	e.Evaluate(slow)

	assert.Empty(t, drain(findings))
}

func TestJammingNeedsBaseline(t *testing.T) {
	e, findings := newTestEngine(8)

	jammed := commsSample("uav-9", 0, time.Now())
	jammed.Comms.PacketLoss = 0.9
	jammed.Comms.LatencyMS = 2000
	e.Evaluate(jammed)

	assert.Empty(t, drain(findings), "no baseline, no verdict")
}

func TestZPositiveDirection(t *testing.T) {
	window := []float64{10, 10.5, 9.5, 10, 10.2, 9.8, 10.1, 9.9, 10, 10.3}

	assert.Greater(t, zPositive(window, 20, false), 0.9)
	assert.Zero(t, zPositive(window, 2, false), "drops do not count in the positive direction")
	assert.Greater(t, zPositive(window, 2, true), 0.9)
	assert.Zero(t, zPositive(window, 20, true))
	assert.Zero(t, zPositive(window[:5], 100, false), "window too short")
}
