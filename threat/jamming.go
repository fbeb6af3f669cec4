package threat

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"fleetgate/model"
)

// Jamming detection weights over the comms series: packet loss,
// latency, signal strength (noise floor rises), throughput (inverted:
// a drop is the anomaly).
const (
	wLoss       = 0.35
	wLatency    = 0.25
	wJamSignal  = 0.25
	wThroughput = 0.15

	jamTrigger = 0.6
)

// commsState is the per-drone comms baseline.
type commsState struct {
	loss       []float64
	latency    []float64
	signal     []float64
	throughput []float64
}

const commsWindow = 50

func pushWindow(w []float64, v float64) []float64 {
	w = append(w, v)
	if len(w) > commsWindow {
		w = w[1:]
	}
	return w
}

// zPositive returns the positive z-score of v against the window,
// clamped to [0,1] at 3 sigma. Only deviations in the given direction
// count.
func zPositive(window []float64, v float64, inverted bool) float64 {
	if len(window) < 10 {
		return 0
	}
	mean, std := stat.MeanStdDev(window, nil)
	if std == 0 {
		return 0
	}
	z := (v - mean) / std
	if inverted {
		z = -z
	}
	if z <= 0 {
		return 0
	}
	return math.Min(1, z/3)
}

// checkJamming scores comms degradation against the drone's baseline.
func (e *Engine) checkJamming(s *model.TelemetrySample, st *commsState) *model.Finding {
	if s.Comms == nil {
		return nil
	}
	c := s.Comms

	lossScore := zPositive(st.loss, c.PacketLoss, false)
	latencyScore := zPositive(st.latency, c.LatencyMS, false)
	signalScore := 0.0
	if s.Systems != nil {
		signalScore = zPositive(st.signal, s.Systems.SignalStrength, false)
	}
	throughputScore := zPositive(st.throughput, c.ThroughputKBps, true)

	st.loss = pushWindow(st.loss, c.PacketLoss)
	st.latency = pushWindow(st.latency, c.LatencyMS)
	if s.Systems != nil {
		st.signal = pushWindow(st.signal, s.Systems.SignalStrength)
	}
	st.throughput = pushWindow(st.throughput, c.ThroughputKBps)

	score := wLoss*lossScore + wLatency*latencyScore + wJamSignal*signalScore + wThroughput*throughputScore
	if score <= jamTrigger {
		return nil
	}

	f := model.NewFinding(model.FindingJamming, model.SeverityFromScore(score), score, s.DroneID)
	f.Features["loss_z"] = lossScore * 3
	f.Features["latency_z"] = latencyScore * 3
	f.Features["signal_z"] = signalScore * 3
	f.Features["throughput_z"] = throughputScore * 3
	f.Affected.SystemTypes = []string{"radio"}
	f.Recommended = []string{
		"Switch to the redundant link",
		"Increase transmit power if authorized",
		"Note position for interference source mapping",
	}
	return f
}
