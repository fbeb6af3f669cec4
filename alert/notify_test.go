package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/config"
	"fleetgate/model"
)

// scriptedNotifier fails a fixed number of times per method type before
// succeeding.
type scriptedNotifier struct {
	failures map[string]int
	calls    []string // "type:attempt"
}

func (n *scriptedNotifier) Notify(m config.ContactMethod, recipient, message string) error {
	n.calls = append(n.calls, m.Type)
	if n.failures[m.Type] > 0 {
		n.failures[m.Type]--
		return errors.New("unreachable")
	}
	return nil
}

func testAlert(sev model.Severity) *Alert {
	f := model.NewFinding(model.FindingJamming, sev, 0.8, "mav-1")
	return newAlert(f, "")
}

// A Tuesday, 10:00 UTC.
var tuesdayMorning = time.Date(2026, 8, 18, 10, 0, 0, 0, time.UTC)

func TestRenderSeverityTemplateWinsOverDefault(t *testing.T) {
	cfg := config.AlertsConfig{
		Templates: map[string]string{
			"critical": "CRIT {{.Title}}",
			"default":  "DFLT {{.Title}}",
		},
	}
	s, err := newNotifierSet(cfg, nil)
	require.NoError(t, err)

	assert.Contains(t, s.render(testAlert(model.SeverityCritical), 0), "CRIT ")
	assert.Contains(t, s.render(testAlert(model.SeverityHigh), 0), "DFLT ")
}

func TestRenderFallbackTemplate(t *testing.T) {
	s, err := newNotifierSet(config.AlertsConfig{}, nil)
	require.NoError(t, err)

	a := testAlert(model.SeverityHigh)
	msg := s.render(a, 2)
	assert.Contains(t, msg, "[high]")
	assert.Contains(t, msg, a.ID)
	assert.Contains(t, msg, "level 2")
}

func TestBadTemplateRejectedAtConstruction(t *testing.T) {
	cfg := config.AlertsConfig{Templates: map[string]string{"default": "{{.Broken"}}
	_, err := newNotifierSet(cfg, nil)
	assert.Error(t, err)
}

func TestDeliverToRetriesThenFallsBack(t *testing.T) {
	n := &scriptedNotifier{failures: map[string]int{"sms": 2}}
	s, err := newNotifierSet(config.AlertsConfig{}, n)
	require.NoError(t, err)

	var slept []time.Duration
	s.sleep = func(d time.Duration) { slept = append(slept, d) }

	r := config.Recipient{
		Name: "ops",
		Methods: []config.ContactMethod{
			{Type: "email", Priority: 2, Active: true},
			{Type: "sms", Priority: 1, Active: true, RetryAttempts: 2, RetryInterval: 1},
			{Type: "pager", Priority: 0, Active: false},
		},
	}
	s.deliverTo(r, "msg", "alert-1")

	// Inactive pager skipped; sms tried twice (both fail), then email
	// succeeds on the first attempt.
	assert.Equal(t, []string{"sms", "sms", "email"}, n.calls)
	assert.Equal(t, []time.Duration{time.Minute}, slept)
}

func TestDeliverToStopsAtFirstSuccess(t *testing.T) {
	n := &scriptedNotifier{}
	s, err := newNotifierSet(config.AlertsConfig{}, n)
	require.NoError(t, err)

	r := config.Recipient{
		Name: "ops",
		Methods: []config.ContactMethod{
			{Type: "sms", Priority: 1, Active: true, RetryAttempts: 3},
			{Type: "email", Priority: 2, Active: true},
		},
	}
	s.deliverTo(r, "msg", "alert-2")
	assert.Equal(t, []string{"sms"}, n.calls)
}

func TestDeliverSkipsUnknownAndUnavailable(t *testing.T) {
	n := &scriptedNotifier{}
	offHours := config.Recipient{
		Name:     "day-shift",
		Timezone: "UTC",
		Hours:    config.WorkingHours{StartHour: 8, EndHour: 17, Days: []int{1, 2, 3, 4, 5}},
		Methods:  []config.ContactMethod{{Type: "email", Active: true}},
	}
	s, err := newNotifierSet(config.AlertsConfig{Recipients: []config.Recipient{offHours}}, n)
	require.NoError(t, err)

	sunday := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	s.deliver(testAlert(model.SeverityHigh), 0, []string{"day-shift", "nobody"}, sunday)
	assert.Empty(t, n.calls)

	s.deliver(testAlert(model.SeverityHigh), 0, []string{"day-shift"}, tuesdayMorning)
	assert.Equal(t, []string{"email"}, n.calls)
}

func TestAvailabilityWindow(t *testing.T) {
	s, err := newNotifierSet(config.AlertsConfig{}, nil)
	require.NoError(t, err)

	dayShift := config.Recipient{
		Name:     "day-shift",
		Timezone: "UTC",
		Hours:    config.WorkingHours{StartHour: 8, EndHour: 17, Days: []int{1, 2, 3, 4, 5}},
	}

	assert.True(t, s.available(dayShift, model.SeverityHigh, tuesdayMorning))
	assert.False(t, s.available(dayShift, model.SeverityHigh, tuesdayMorning.Add(10*time.Hour)),
		"20:00 is outside working hours")
	saturday := time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	assert.False(t, s.available(dayShift, model.SeverityHigh, saturday))

	// Emergency severity overrides the window.
	assert.True(t, s.available(dayShift, model.SeverityEmergency, saturday))

	// On-call recipients are always reachable.
	onCall := dayShift
	onCall.OnCall = true
	assert.True(t, s.available(onCall, model.SeverityHigh, saturday))

	// No window configured means always available.
	open := config.Recipient{Name: "bot"}
	assert.True(t, s.available(open, model.SeverityInfo, saturday))
}

func TestAvailabilityUsesRecipientTimezone(t *testing.T) {
	s, err := newNotifierSet(config.AlertsConfig{}, nil)
	require.NoError(t, err)

	r := config.Recipient{
		Name:     "pacific",
		Timezone: "America/Los_Angeles",
		Hours:    config.WorkingHours{StartHour: 8, EndHour: 17},
	}
	// 10:00 UTC is 03:00 in Los Angeles.
	assert.False(t, s.available(r, model.SeverityHigh, tuesdayMorning))
	// 18:00 UTC is 11:00 in Los Angeles.
	assert.True(t, s.available(r, model.SeverityHigh, tuesdayMorning.Add(8*time.Hour)))
}
