package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityFromScoreBands(t *testing.T) {
	assert.Equal(t, SeverityInfo, SeverityFromScore(0))
	assert.Equal(t, SeverityInfo, SeverityFromScore(0.39))
	assert.Equal(t, SeverityWarning, SeverityFromScore(0.4))
	assert.Equal(t, SeverityHigh, SeverityFromScore(0.6))
	assert.Equal(t, SeverityCritical, SeverityFromScore(0.8))
	assert.Equal(t, SeverityEmergency, SeverityFromScore(0.9))
	assert.Equal(t, SeverityEmergency, SeverityFromScore(1))
}

func TestSeverityFromScoreMonotonic(t *testing.T) {
	prev := SeverityInfo
	for score := 0.0; score <= 1.0; score += 0.01 {
		sev := SeverityFromScore(score)
		require.GreaterOrEqual(t, sev, prev, "severity regressed at score %.2f", score)
		prev = sev
	}
}

func TestParseSeverityRoundTrip(t *testing.T) {
	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityHigh, SeverityCritical, SeverityEmergency} {
		assert.Equal(t, sev, ParseSeverity(sev.String()))
	}
	assert.Equal(t, SeverityInfo, ParseSeverity("bogus"))
}

func TestClassifyFinding(t *testing.T) {
	assert.Equal(t, ClassConfidential, ClassifyFinding(FindingGPSSpoofing, SeverityHigh))
	assert.Equal(t, ClassSecret, ClassifyFinding(FindingGPSSpoofing, SeverityCritical))
	assert.Equal(t, ClassSecret, ClassifyFinding(FindingNetworkDoS, SeverityEmergency))
	assert.Equal(t, ClassUnclassified, ClassifyFinding(FindingComponentFailure, SeverityCritical))
	assert.Equal(t, ClassConfidential, ClassifyFinding(FindingBehavioralAnomaly, SeverityEmergency))
}

func TestNewFindingDefaults(t *testing.T) {
	f := NewFinding(FindingJamming, SeverityHigh, 0.7, "uav-3")
	require.NotEmpty(t, f.ID)
	assert.Equal(t, []string{"uav-3"}, f.Affected.DroneIDs)
	assert.Equal(t, ClassConfidential, f.Classification)
	assert.NotNil(t, f.Features)
	assert.False(t, f.Timestamp.IsZero())
}
