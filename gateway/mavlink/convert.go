package mavlink

import (
	"math"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"fleetgate/model"
)

// Wire-to-SI conversions. MAVLink fixes are degE7, altitudes mm,
// battery mV and cA, attitude radians.

const (
	degE7  = 1e7
	mmPerM = 1000.0
)

func radToDeg(r float64) float64 { return r * 180 / math.Pi }

// yawDeg normalizes a radian yaw into 0..360 degrees.
func yawDeg(r float64) float64 {
	d := math.Mod(radToDeg(r), 360)
	if d < 0 {
		d += 360
	}
	return d
}

func positionFromGlobalInt(m *common.MessageGlobalPositionInt) *model.Position {
	return &model.Position{
		Lat:    float64(m.Lat) / degE7,
		Lon:    float64(m.Lon) / degE7,
		AltMSL: float64(m.Alt) / mmPerM,
		AltRel: float64(m.RelativeAlt) / mmPerM,
	}
}

func motionFromGlobalInt(m *common.MessageGlobalPositionInt) (vx, vy, vz, heading float64) {
	// Velocities arrive in cm/s, heading in cdeg.
	return float64(m.Vx) / 100, float64(m.Vy) / 100, float64(m.Vz) / 100, float64(m.Hdg) / 100
}

func attitudeFromMessage(m *common.MessageAttitude) (roll, pitch, yaw, rollRate, pitchRate, yawRate float64) {
	return radToDeg(float64(m.Roll)), radToDeg(float64(m.Pitch)), yawDeg(float64(m.Yaw)),
		radToDeg(float64(m.Rollspeed)), radToDeg(float64(m.Pitchspeed)), radToDeg(float64(m.Yawspeed))
}

func batteryFromSysStatus(m *common.MessageSysStatus) (voltage, current, remaining float64) {
	voltage = float64(m.VoltageBattery) / 1000  // mV
	current = float64(m.CurrentBattery) / 100   // cA
	remaining = float64(m.BatteryRemaining)     // percent
	if m.CurrentBattery < 0 {
		current = 0 // -1 means not measured
	}
	return
}

// flightModeName maps the autopilot-agnostic base mode bits to the
// coarse mode vocabulary the detectors understand.
func flightModeName(baseMode common.MAV_MODE_FLAG, systemStatus common.MAV_STATE) string {
	switch systemStatus {
	case common.MAV_STATE_EMERGENCY:
		return "EMERGENCY"
	case common.MAV_STATE_CRITICAL:
		return "FAILSAFE"
	}
	switch {
	case baseMode&common.MAV_MODE_FLAG_AUTO_ENABLED != 0:
		return "AUTO"
	case baseMode&common.MAV_MODE_FLAG_GUIDED_ENABLED != 0:
		return "GUIDED"
	case baseMode&common.MAV_MODE_FLAG_STABILIZE_ENABLED != 0:
		return "STABILIZE"
	case baseMode&common.MAV_MODE_FLAG_MANUAL_INPUT_ENABLED != 0:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

func systemStatusName(s common.MAV_STATE) string {
	switch s {
	case common.MAV_STATE_ACTIVE:
		return "active"
	case common.MAV_STATE_STANDBY:
		return "standby"
	case common.MAV_STATE_CRITICAL:
		return "critical"
	case common.MAV_STATE_EMERGENCY:
		return "emergency"
	case common.MAV_STATE_CALIBRATING:
		return "calibrating"
	default:
		return "unknown"
	}
}

// servoLoadPercent estimates motor load from the first eight servo
// outputs: mean PWM mapped from the 1000..2000 µs band to 0..100.
func servoLoadPercent(m *common.MessageServoOutputRaw) (float64, bool) {
	outputs := []uint16{
		m.Servo1Raw, m.Servo2Raw, m.Servo3Raw, m.Servo4Raw,
		m.Servo5Raw, m.Servo6Raw, m.Servo7Raw, m.Servo8Raw,
	}
	var sum, n float64
	for _, pwm := range outputs {
		if pwm == 0 {
			continue // unassigned channel
		}
		pct := (float64(pwm) - 1000) / 10
		sum += math.Min(100, math.Max(0, pct))
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / n, true
}

// ekfHealthy requires attitude plus horizontal velocity and absolute
// position solutions, with the filter variances inside the healthy band.
func ekfHealthy(m *ardupilotmega.MessageEkfStatusReport) bool {
	required := ardupilotmega.EKF_ATTITUDE |
		ardupilotmega.EKF_VELOCITY_HORIZ |
		ardupilotmega.EKF_POS_HORIZ_ABS
	if m.Flags&required != required {
		return false
	}
	return m.VelocityVariance < 1 && m.PosHorizVariance < 1 && m.CompassVariance < 1
}

func ackResultName(r common.MAV_RESULT) (string, bool) {
	switch r {
	case common.MAV_RESULT_ACCEPTED:
		return "accepted", true
	case common.MAV_RESULT_TEMPORARILY_REJECTED:
		return "temporarily_rejected", false
	case common.MAV_RESULT_DENIED:
		return "denied", false
	case common.MAV_RESULT_UNSUPPORTED:
		return "unsupported", false
	case common.MAV_RESULT_FAILED:
		return "failed", false
	case common.MAV_RESULT_IN_PROGRESS:
		return "in_progress", true
	default:
		return "unknown", false
	}
}
