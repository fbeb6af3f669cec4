package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/config"
	"fleetgate/model"
)

func newTestEngine(buffer int) (*Engine, chan *model.Finding) {
	findings := make(chan *model.Finding, buffer)
	e := NewEngine(config.DetectionConfig{MaxSpeedMS: 30}, nil, findings)
	return e, findings
}

func drain(ch chan *model.Finding) []*model.Finding {
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

// Roughly one degree of latitude is 111 km.
const degPerMeter = 1.0 / 111000.0

func fixAt(droneID string, ts time.Time, lat, lon float64) *model.TelemetrySample {
	return &model.TelemetrySample{
		DroneID:   droneID,
		Timestamp: ts,
		Position:  &model.Position{Lat: lat, Lon: lon, AltMSL: 120},
		Motion:    &model.Motion{VX: 10},
	}
}

func TestGPSSpoofingImpossibleJump(t *testing.T) {
	e, findings := newTestEngine(64)

	base := time.Now()
	lat := 47.6
	// Fifty samples drifting at 10 m/s, one per second.
	for i := 0; i < 50; i++ {
		e.Evaluate(fixAt("mav-1", base.Add(time.Duration(i)*time.Second), lat, -122.3))
		lat += 10 * degPerMeter
	}
	require.Empty(t, drain(findings), "plausible drift must stay quiet")

	// Then a ~5 km teleport in one second.
	jump := fixAt("mav-1", base.Add(50*time.Second), lat+5000*degPerMeter, -122.3)
	e.Evaluate(jump)

	got := drain(findings)
	require.Len(t, got, 1)
	f := got[0]
	assert.Equal(t, model.FindingGPSSpoofing, f.Type)
	// Score 0.75 maps to high, but a confirmed impossible jump is floored
	// to critical.
	assert.Equal(t, model.SeverityCritical, f.Severity)
	assert.Equal(t, model.ClassSecret, f.Classification)
	assert.InDelta(t, 5000, f.Features["jump_distance_m"], 100)
	assert.Contains(t, f.Recommended, "Switch to INS navigation")
}

func TestGPSSpoofingSourceEstimateIsMidpoint(t *testing.T) {
	e, findings := newTestEngine(8)
	base := time.Now()

	e.Evaluate(fixAt("mav-2", base, 47.0, -122.0))
	e.Evaluate(fixAt("mav-2", base.Add(time.Second), 47.1, -122.0))

	got := drain(findings)
	require.Len(t, got, 1)
	f := got[0]
	assert.InDelta(t, 47.05, f.Features["source_lat"], 1e-9)
	assert.InDelta(t, -122.0, f.Features["source_lon"], 1e-9)
	assert.InDelta(t, f.Features["jump_distance_m"]/2, f.Features["source_radius_m"], 1e-6)
}

func TestGPSSpoofingIgnoresFirstFix(t *testing.T) {
	e, findings := newTestEngine(8)
	e.Evaluate(fixAt("mav-3", time.Now(), 47.6, -122.3))
	assert.Empty(t, drain(findings))
}

func TestGPSSpoofingModerateOvershootBelowTrigger(t *testing.T) {
	e, findings := newTestEngine(8)
	base := time.Now()

	// 40 m/s implied speed: over the 30 m/s ceiling but under the 2x
	// jump bound, and acceleration stays plausible.
	e.Evaluate(fixAt("mav-4", base, 47.6, -122.3))
	s := fixAt("mav-4", base.Add(time.Second), 47.6+40*degPerMeter, -122.3)
	s.Motion = &model.Motion{VX: 35}
	e.Evaluate(s)

	assert.Empty(t, drain(findings))
}

func TestRecentKeepsFindings(t *testing.T) {
	e, findings := newTestEngine(8)
	base := time.Now()
	e.Evaluate(fixAt("mav-5", base, 47.0, -122.0))
	e.Evaluate(fixAt("mav-5", base.Add(time.Second), 48.0, -122.0))
	require.Len(t, drain(findings), 1)

	recent := e.Recent("mav-5", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, model.FindingGPSSpoofing, recent[0].Type)
	assert.Empty(t, e.Recent("unknown", 10))
}

func TestHaversine(t *testing.T) {
	// One degree of latitude at the equator.
	d := haversineM(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 100)
	assert.Zero(t, haversineM(47.6, -122.3, 47.6, -122.3))
}
