package model

import "time"

// TelemetrySample is the normalized per-drone state assembled from
// multiple wire messages. Group pointers encode absence: a nil group
// means the source never reported those fields, which is distinct from
// reporting zeros. All values are SI units (m, m/s, V, A, deg, °C, hPa).
type TelemetrySample struct {
	DroneID   string    `json:"drone_id"`
	Timestamp time.Time `json:"timestamp"`

	Position    *Position      `json:"position,omitempty"`
	Motion      *Motion        `json:"motion,omitempty"`
	Systems     *Systems       `json:"systems,omitempty"`
	Environment *Environment   `json:"environment,omitempty"`
	Mission     *MissionStatus `json:"mission,omitempty"`
	Comms       *CommsStats    `json:"comms,omitempty"`
}

// Position is the WGS84 fix. Required for any sample that carries it:
// Lat, Lon, AltMSL.
type Position struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	AltMSL float64 `json:"alt_msl"`
	AltRel float64 `json:"alt_rel"`
}

// Motion carries the velocity/acceleration/attitude triplets.
type Motion struct {
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	VZ float64 `json:"vz"`

	AX float64 `json:"ax"`
	AY float64 `json:"ay"`
	AZ float64 `json:"az"`

	Groundspeed float64 `json:"groundspeed"`
	Airspeed    float64 `json:"airspeed"`

	Roll  float64 `json:"roll"`  // deg
	Pitch float64 `json:"pitch"` // deg
	Yaw   float64 `json:"yaw"`   // deg, 0..360

	RollRate  float64 `json:"roll_rate"`
	PitchRate float64 `json:"pitch_rate"`
	YawRate   float64 `json:"yaw_rate"`
}

// Systems carries vehicle health readings.
type Systems struct {
	BatteryVoltage   float64 `json:"battery_voltage"` // V
	BatteryCurrent   float64 `json:"battery_current"` // A
	BatteryRemaining float64 `json:"battery_remaining"`
	BatteryTemp      float64 `json:"battery_temp"` // °C
	BatteryCycles    int     `json:"battery_cycles"`
	FlightHours      float64 `json:"flight_hours"` // airframe age when the vehicle reports it

	MotorTemp      float64 `json:"motor_temp"`
	Throttle       float64 `json:"throttle"` // percent
	VibrationX     float64 `json:"vibration_x"`
	VibrationY     float64 `json:"vibration_y"`
	VibrationZ     float64 `json:"vibration_z"`
	SignalStrength float64 `json:"signal_strength"` // dBm or percent, adapter declares
	GPSAccuracy    float64 `json:"gps_accuracy"`    // m
	Heading        float64 `json:"heading"`         // deg

	EKFOK      bool `json:"ekf_ok"`
	GPSFix     int  `json:"gps_fix"`
	Satellites int  `json:"satellites"`
}

// Environment carries ambient readings.
type Environment struct {
	WindSpeed     float64 `json:"wind_speed"` // m/s
	WindDirection float64 `json:"wind_direction"`
	Temperature   float64 `json:"temperature"` // °C
	Pressure      float64 `json:"pressure"`    // hPa
	Humidity      float64 `json:"humidity"`
}

// MissionStatus carries flight mode and mission progress.
type MissionStatus struct {
	FlightMode string  `json:"flight_mode"`
	Armed      bool    `json:"armed"`
	Progress   float64 `json:"progress"` // 0..1
	Waypoint   int     `json:"waypoint"`
}

// CommsStats carries link quality counters.
type CommsStats struct {
	PacketsTx      uint64  `json:"packets_tx"`
	PacketsRx      uint64  `json:"packets_rx"`
	PacketLoss     float64 `json:"packet_loss"` // 0..1
	LatencyMS      float64 `json:"latency_ms"`
	ThroughputKBps float64 `json:"throughput_kbps"`
}

// CriticalDelta reports whether a field changed that must bypass the
// 100 ms emission pacing: armed, flight mode, EKF health or a battery
// drop into the critical band.
func (s *TelemetrySample) CriticalDelta(prev *TelemetrySample) bool {
	if prev == nil {
		return true
	}
	if s.Mission != nil && prev.Mission != nil {
		if s.Mission.Armed != prev.Mission.Armed || s.Mission.FlightMode != prev.Mission.FlightMode {
			return true
		}
	} else if (s.Mission == nil) != (prev.Mission == nil) {
		return true
	}
	if s.Systems != nil && prev.Systems != nil {
		if s.Systems.EKFOK != prev.Systems.EKFOK {
			return true
		}
		if batteryCritical(s.Systems) != batteryCritical(prev.Systems) {
			return true
		}
	}
	return false
}

// Per-cell LiPo cutoff scaled for a 4S pack; below this the vehicle is
// in the emergency descent band.
const criticalVoltage = 13.2

func batteryCritical(sys *Systems) bool {
	if sys.BatteryVoltage > 0 && sys.BatteryVoltage < criticalVoltage {
		return true
	}
	return sys.BatteryRemaining > 0 && sys.BatteryRemaining < 10
}
