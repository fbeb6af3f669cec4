// Package alert correlates detector findings into alerts and drives
// the escalation and notification machinery.
package alert

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"fleetgate/model"
)

// Status is the alert lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
	StatusEscalated    Status = "escalated"
)

// terminal states accept no further transitions except resolve, which
// is idempotent.
func (s Status) terminal() bool {
	return s == StatusResolved
}

// Alert is a correlated group of findings with one lifecycle. All
// mutation goes through the Engine so timers and history stay
// consistent.
type Alert struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Severity model.Severity `json:"severity"`
	Status   Status         `json:"status"`

	// Findings grouped into this alert, newest last.
	Findings []*model.Finding `json:"findings"`
	// Rule that grouped them, empty for the default one-finding alert.
	Rule string `json:"rule,omitempty"`

	DroneIDs []string `json:"drone_ids"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	SuppressedTill *time.Time `json:"suppressed_until,omitempty"`

	// EscalationLevel is the highest tier reached, -1 before the first
	// fires. It only moves up.
	EscalationLevel int `json:"escalation_level"`

	// Count of findings folded in after creation, for duplicate metrics.
	DuplicateCount int `json:"duplicate_count"`
}

func newAlert(f *model.Finding, rule string) *Alert {
	now := time.Now()
	a := &Alert{
		ID:              uuid.NewString(),
		Title:           string(f.Type) + ": " + joinIDs(f.Affected.DroneIDs),
		Severity:        f.Severity,
		Status:          StatusActive,
		Findings:        []*model.Finding{f},
		Rule:            rule,
		DroneIDs:        append([]string(nil), f.Affected.DroneIDs...),
		CreatedAt:       now,
		UpdatedAt:       now,
		EscalationLevel: -1,
	}
	f.AlertID = a.ID
	return a
}

// absorb folds a duplicate or correlated finding into the alert.
// Severity only moves up; the escalation clock never resets.
func (a *Alert) absorb(f *model.Finding) {
	f.AlertID = a.ID
	a.Findings = append(a.Findings, f)
	a.DuplicateCount++
	a.UpdatedAt = time.Now()
	if f.Severity > a.Severity {
		a.Severity = f.Severity
	}
	for _, id := range f.Affected.DroneIDs {
		if !contains(a.DroneIDs, id) {
			a.DroneIDs = append(a.DroneIDs, id)
		}
	}
}

// clone returns a copy safe to hand to API callers.
func (a *Alert) clone() *Alert {
	cp := *a
	cp.Findings = append([]*model.Finding(nil), a.Findings...)
	cp.DroneIDs = append([]string(nil), a.DroneIDs...)
	return &cp
}

func joinIDs(ids []string) string {
	switch len(ids) {
	case 0:
		return "fleet"
	case 1:
		return ids[0]
	default:
		return ids[0] + " +" + strconv.Itoa(len(ids)-1)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
