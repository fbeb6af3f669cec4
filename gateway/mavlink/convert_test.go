package mavlink

import (
	"math"
	"testing"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/stretchr/testify/assert"
)

func TestPositionFromGlobalInt(t *testing.T) {
	p := positionFromGlobalInt(&common.MessageGlobalPositionInt{
		Lat:         476062100,  // degE7
		Lon:         -1223321000,
		Alt:         120500, // mm
		RelativeAlt: 85250,
	})
	assert.InDelta(t, 47.60621, p.Lat, 1e-7)
	assert.InDelta(t, -122.3321, p.Lon, 1e-7)
	assert.InDelta(t, 120.5, p.AltMSL, 1e-9)
	assert.InDelta(t, 85.25, p.AltRel, 1e-9)
}

func TestMotionFromGlobalInt(t *testing.T) {
	vx, vy, vz, heading := motionFromGlobalInt(&common.MessageGlobalPositionInt{
		Vx:  250, // cm/s
		Vy:  -120,
		Vz:  35,
		Hdg: 18050, // cdeg
	})
	assert.InDelta(t, 2.5, vx, 1e-9)
	assert.InDelta(t, -1.2, vy, 1e-9)
	assert.InDelta(t, 0.35, vz, 1e-9)
	assert.InDelta(t, 180.5, heading, 1e-9)
}

func TestAttitudeFromMessage(t *testing.T) {
	roll, pitch, yaw, rollRate, _, _ := attitudeFromMessage(&common.MessageAttitude{
		Roll:      float32(math.Pi / 4),
		Pitch:     float32(-math.Pi / 6),
		Yaw:       float32(-math.Pi / 2),
		Rollspeed: float32(math.Pi),
	})
	assert.InDelta(t, 45, roll, 1e-4)
	assert.InDelta(t, -30, pitch, 1e-4)
	// Yaw is normalized into 0..360.
	assert.InDelta(t, 270, yaw, 1e-4)
	assert.InDelta(t, 180, rollRate, 1e-4)
}

func TestYawNormalization(t *testing.T) {
	assert.InDelta(t, 0, yawDeg(0), 1e-9)
	assert.InDelta(t, 90, yawDeg(2*math.Pi+math.Pi/2), 1e-6)
	assert.InDelta(t, 270, yawDeg(-math.Pi/2), 1e-6)
}

func TestBatteryFromSysStatus(t *testing.T) {
	v, a, rem := batteryFromSysStatus(&common.MessageSysStatus{
		VoltageBattery:   15400, // mV
		CurrentBattery:   1250,  // cA
		BatteryRemaining: 75,
	})
	assert.InDelta(t, 15.4, v, 1e-9)
	assert.InDelta(t, 12.5, a, 1e-9)
	assert.InDelta(t, 75, rem, 1e-9)

	// -1 means current not measured.
	_, a, _ = batteryFromSysStatus(&common.MessageSysStatus{
		VoltageBattery: 15400,
		CurrentBattery: -1,
	})
	assert.Zero(t, a)
}

func TestFlightModeName(t *testing.T) {
	// Vehicle state overrides the mode bits.
	assert.Equal(t, "EMERGENCY", flightModeName(common.MAV_MODE_FLAG_AUTO_ENABLED, common.MAV_STATE_EMERGENCY))
	assert.Equal(t, "FAILSAFE", flightModeName(common.MAV_MODE_FLAG_AUTO_ENABLED, common.MAV_STATE_CRITICAL))

	assert.Equal(t, "AUTO", flightModeName(common.MAV_MODE_FLAG_AUTO_ENABLED|common.MAV_MODE_FLAG_STABILIZE_ENABLED, common.MAV_STATE_ACTIVE))
	assert.Equal(t, "GUIDED", flightModeName(common.MAV_MODE_FLAG_GUIDED_ENABLED, common.MAV_STATE_ACTIVE))
	assert.Equal(t, "STABILIZE", flightModeName(common.MAV_MODE_FLAG_STABILIZE_ENABLED, common.MAV_STATE_ACTIVE))
	assert.Equal(t, "MANUAL", flightModeName(common.MAV_MODE_FLAG_MANUAL_INPUT_ENABLED, common.MAV_STATE_ACTIVE))
	assert.Equal(t, "UNKNOWN", flightModeName(0, common.MAV_STATE_ACTIVE))
}

func TestSystemStatusName(t *testing.T) {
	assert.Equal(t, "active", systemStatusName(common.MAV_STATE_ACTIVE))
	assert.Equal(t, "emergency", systemStatusName(common.MAV_STATE_EMERGENCY))
	assert.Equal(t, "unknown", systemStatusName(common.MAV_STATE_POWEROFF))
}

func TestServoLoadPercent(t *testing.T) {
	pct, ok := servoLoadPercent(&common.MessageServoOutputRaw{
		Servo1Raw: 1500, Servo2Raw: 1700, Servo3Raw: 1300, Servo4Raw: 1500,
	})
	assert.True(t, ok)
	assert.InDelta(t, 50, pct, 1e-9)

	// Unassigned channels do not dilute the mean.
	pct, ok = servoLoadPercent(&common.MessageServoOutputRaw{Servo1Raw: 2000})
	assert.True(t, ok)
	assert.InDelta(t, 100, pct, 1e-9)

	_, ok = servoLoadPercent(&common.MessageServoOutputRaw{})
	assert.False(t, ok)
}

func TestEKFHealthy(t *testing.T) {
	healthy := ardupilotmega.EKF_ATTITUDE | ardupilotmega.EKF_VELOCITY_HORIZ | ardupilotmega.EKF_POS_HORIZ_ABS
	assert.True(t, ekfHealthy(&ardupilotmega.MessageEkfStatusReport{
		Flags:            healthy,
		VelocityVariance: 0.1, PosHorizVariance: 0.2, CompassVariance: 0.3,
	}))

	// Missing a required solution fails regardless of variances.
	assert.False(t, ekfHealthy(&ardupilotmega.MessageEkfStatusReport{
		Flags: ardupilotmega.EKF_ATTITUDE,
	}))

	// A blown variance fails even with all solutions present.
	assert.False(t, ekfHealthy(&ardupilotmega.MessageEkfStatusReport{
		Flags:            healthy,
		PosHorizVariance: 2.5,
	}))
}

func TestAckResultName(t *testing.T) {
	name, ok := ackResultName(common.MAV_RESULT_ACCEPTED)
	assert.Equal(t, "accepted", name)
	assert.True(t, ok)

	name, ok = ackResultName(common.MAV_RESULT_DENIED)
	assert.Equal(t, "denied", name)
	assert.False(t, ok)

	name, ok = ackResultName(common.MAV_RESULT_IN_PROGRESS)
	assert.Equal(t, "in_progress", name)
	assert.True(t, ok)
}
