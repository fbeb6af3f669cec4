package threat

import (
	"fmt"
	"math"

	"fleetgate/model"
)

// Physical and electronic-warfare indicators.
const (
	pressureDeltaHPa = 5.0  // rapid pressure change between samples
	extremeWindMS    = 25.0 // beyond safe operating envelope
)

// unexpectedModes are flight modes a healthy mission never reports.
var unexpectedModes = map[string]bool{
	"EMERGENCY": true,
	"FAILSAFE":  true,
	"UNKNOWN":   true,
}

type physicalState struct {
	lastPressure float64
	hasPressure  bool
}

// checkPhysical flags rapid pressure deltas, extreme wind and
// unexpected flight modes. The strongest single indicator sets the
// score.
func (e *Engine) checkPhysical(s *model.TelemetrySample, st *physicalState) *model.Finding {
	score := 0.0
	var indicators []string

	if s.Environment != nil {
		if st.hasPressure {
			delta := math.Abs(s.Environment.Pressure - st.lastPressure)
			if delta > pressureDeltaHPa {
				score = math.Max(score, math.Min(1, delta/(4*pressureDeltaHPa)+0.4))
				indicators = append(indicators, fmt.Sprintf("pressure delta %.1f hPa", delta))
			}
		}
		st.lastPressure = s.Environment.Pressure
		st.hasPressure = true

		if s.Environment.WindSpeed > extremeWindMS {
			score = math.Max(score, math.Min(1, s.Environment.WindSpeed/(2*extremeWindMS)+0.2))
			indicators = append(indicators, fmt.Sprintf("wind %.1f m/s", s.Environment.WindSpeed))
		}
	}

	if s.Mission != nil && unexpectedModes[s.Mission.FlightMode] {
		score = math.Max(score, 0.7)
		indicators = append(indicators, "flight mode "+s.Mission.FlightMode)
	}

	if score < 0.4 || len(indicators) == 0 {
		return nil
	}

	f := model.NewFinding(model.FindingPhysical, model.SeverityFromScore(score), score, s.DroneID)
	f.Affected.SystemTypes = []string{"airframe"}
	for i, ind := range indicators {
		f.Features[fmt.Sprintf("indicator_%d", i)] = 1
		f.Recommended = append(f.Recommended, "Investigate: "+ind)
	}
	f.Recommended = append(f.Recommended, "Consider return-to-launch")
	return f
}
