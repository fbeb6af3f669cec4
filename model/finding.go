package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity orders findings and alerts from informational to emergency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
	SeverityEmergency
)

var severityNames = map[Severity]string{
	SeverityInfo:      "info",
	SeverityWarning:   "warning",
	SeverityHigh:      "high",
	SeverityCritical:  "critical",
	SeverityEmergency: "emergency",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "info"
}

// ParseSeverity maps a name back to its Severity; unknown names parse
// as info.
func ParseSeverity(name string) Severity {
	for sev, n := range severityNames {
		if n == name {
			return sev
		}
	}
	return SeverityInfo
}

// SeverityFromScore maps a detector score in [0,1] to a Severity. The
// mapping is shared by every detector and is monotonic non-decreasing.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 0.9:
		return SeverityEmergency
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.4:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// FindingType names the detector family that produced a finding.
type FindingType string

const (
	FindingBehavioralAnomaly FindingType = "behavioral_anomaly"
	FindingPatternAnomaly    FindingType = "pattern_anomaly"
	FindingComponentFailure  FindingType = "component_failure"
	FindingGPSSpoofing       FindingType = "gps_spoofing"
	FindingJamming           FindingType = "jamming"
	FindingPhysical          FindingType = "physical_interference"
	FindingNetworkDoS        FindingType = "network_dos"
	FindingNetworkInjection  FindingType = "network_injection"
	FindingNetworkExfil      FindingType = "network_exfiltration"
	FindingNetworkRecon      FindingType = "network_reconnaissance"
)

// Classification marks the handling level of a finding.
type Classification string

const (
	ClassUnclassified Classification = "UNCLASSIFIED"
	ClassConfidential Classification = "CONFIDENTIAL"
	ClassSecret       Classification = "SECRET"
)

// Affected names what a finding applies to.
type Affected struct {
	DroneIDs    []string `json:"drone_ids"`
	SystemTypes []string `json:"system_types,omitempty"`
}

// Finding is the immutable output of a detector. The alert engine may
// later attach an AlertID back-reference; everything else is fixed at
// creation.
type Finding struct {
	ID             string             `json:"id"`
	Type           FindingType        `json:"type"`
	Severity       Severity           `json:"severity"`
	Confidence     float64            `json:"confidence"` // 0..1
	Affected       Affected           `json:"affected"`
	Features       map[string]float64 `json:"features,omitempty"`
	Classification Classification     `json:"classification"`
	Recommended    []string           `json:"recommended_actions,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`

	// AlertID is set by the alert engine after correlation.
	AlertID string `json:"alert_id,omitempty"`
}

// NewFinding builds a finding with a fresh id and the classification
// implied by its type and severity.
func NewFinding(t FindingType, sev Severity, confidence float64, droneIDs ...string) *Finding {
	return &Finding{
		ID:             uuid.NewString(),
		Type:           t,
		Severity:       sev,
		Confidence:     confidence,
		Affected:       Affected{DroneIDs: droneIDs},
		Classification: ClassifyFinding(t, sev),
		Features:       make(map[string]float64),
		Timestamp:      time.Now(),
	}
}

// ClassifyFinding selects the handling level by finding type and
// severity: threat detections are CONFIDENTIAL, and anything at
// critical or above on a threat type is SECRET.
func ClassifyFinding(t FindingType, sev Severity) Classification {
	switch t {
	case FindingGPSSpoofing, FindingJamming, FindingNetworkDoS,
		FindingNetworkInjection, FindingNetworkExfil, FindingNetworkRecon:
		if sev >= SeverityCritical {
			return ClassSecret
		}
		return ClassConfidential
	default:
		if sev >= SeverityEmergency {
			return ClassConfidential
		}
		return ClassUnclassified
	}
}

// FailurePrediction is the output of a component health model.
type FailurePrediction struct {
	DroneID         string    `json:"drone_id"`
	Component       string    `json:"component"` // battery, motor
	RULHours        float64   `json:"remaining_useful_life_hours"`
	Confidence      float64   `json:"confidence"` // clamped to [0.3, 1.0]
	DegradationRate float64   `json:"degradation_rate"`
	Timestamp       time.Time `json:"timestamp"`
}
