package threat

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"fleetgate/model"
)

// GPS spoofing detection weights: position jump, signal-strength
// z-score, velocity plausibility, acceleration plausibility.
const (
	wJump     = 0.4
	wSignal   = 0.25
	wVelocity = 0.25
	wAccel    = 0.1

	accelLimit       = 20.0 // m/s², beyond physical for the fleet
	signalWindowSize = 50
	spoofTrigger     = 0.5
)

// earthRadiusM for the haversine distance between fixes.
const earthRadiusM = 6371000.0

func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := math.Pi / 180
	dLat := (lat2 - lat1) * toRad
	dLon := (lon2 - lon1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// gpsState is the per-drone history the spoofing detector keeps.
type gpsState struct {
	lastFix     *model.Position
	lastFixTime time.Time
	lastSpeed   float64
	signals     []float64 // rolling signal-strength baseline
}

func (st *gpsState) pushSignal(v float64) {
	st.signals = append(st.signals, v)
	if len(st.signals) > signalWindowSize {
		st.signals = st.signals[1:]
	}
}

// checkGPSSpoofing scores one sample against the drone's history and
// returns a finding when the weighted evidence crosses the trigger.
func (e *Engine) checkGPSSpoofing(s *model.TelemetrySample, st *gpsState) *model.Finding {
	if s.Position == nil {
		return nil
	}
	defer func() {
		st.lastFix = s.Position
		st.lastFixTime = s.Timestamp
		if s.Motion != nil {
			st.lastSpeed = math.Hypot(s.Motion.VX, s.Motion.VY)
		}
		if s.Systems != nil {
			st.pushSignal(s.Systems.SignalStrength)
		}
	}()

	if st.lastFix == nil {
		return nil
	}

	dt := s.Timestamp.Sub(st.lastFixTime).Seconds()
	if dt <= 0 {
		return nil
	}

	dist := haversineM(st.lastFix.Lat, st.lastFix.Lon, s.Position.Lat, s.Position.Lon)

	// (a) impossible jump: further than twice what max speed allows.
	jumpScore := 0.0
	if dist > 2*e.maxSpeed*dt {
		jumpScore = 1.0
	}

	// (b) signal-strength z-score against the 50-sample baseline.
	signalScore := 0.0
	if s.Systems != nil && len(st.signals) >= 10 {
		mean, std := stat.MeanStdDev(st.signals, nil)
		if std > 0 {
			z := math.Abs(s.Systems.SignalStrength-mean) / std
			signalScore = math.Min(1, z/3)
		}
	}

	// (c) velocity plausibility: implied speed across the fix interval.
	impliedSpeed := dist / dt
	velocityScore := 0.0
	if impliedSpeed > 2*e.maxSpeed {
		velocityScore = 1.0
	} else if impliedSpeed > e.maxSpeed {
		velocityScore = (impliedSpeed - e.maxSpeed) / e.maxSpeed
	}

	// (d) acceleration plausibility.
	accelScore := 0.0
	impliedAccel := math.Abs(impliedSpeed-st.lastSpeed) / dt
	if s.Motion != nil {
		mag := math.Sqrt(s.Motion.AX*s.Motion.AX + s.Motion.AY*s.Motion.AY + s.Motion.AZ*s.Motion.AZ)
		impliedAccel = math.Max(impliedAccel, mag)
	}
	if impliedAccel > accelLimit {
		accelScore = 1.0
	}

	score := wJump*jumpScore + wSignal*signalScore + wVelocity*velocityScore + wAccel*accelScore
	if score < spoofTrigger {
		return nil
	}

	sev := model.SeverityFromScore(score)
	if jumpScore == 1 && sev < model.SeverityCritical {
		// A confirmed impossible jump is never less than critical.
		sev = model.SeverityCritical
	}

	f := model.NewFinding(model.FindingGPSSpoofing, sev, score, s.DroneID)
	f.Classification = model.ClassifyFinding(f.Type, sev)
	f.Features["jump_distance_m"] = dist
	f.Features["implied_speed_ms"] = impliedSpeed
	f.Features["implied_accel_ms2"] = impliedAccel
	f.Features["signal_z"] = signalScore * 3
	// Source point estimate: midpoint of the two fixes, accuracy radius
	// half the jump. Triangulation is out of scope.
	f.Features["source_lat"] = (st.lastFix.Lat + s.Position.Lat) / 2
	f.Features["source_lon"] = (st.lastFix.Lon + s.Position.Lon) / 2
	f.Features["source_radius_m"] = dist / 2
	f.Affected.SystemTypes = []string{"gps"}
	f.Recommended = []string{
		"Switch to INS navigation",
		"Cross-check position against last verified fix",
		"Hold position until the fix is re-validated",
	}
	return f
}
