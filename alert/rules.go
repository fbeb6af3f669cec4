package alert

import (
	"strings"
	"time"

	"fleetgate/config"
	"fleetgate/model"
)

// Correlation actions recognized in rule config.
const (
	ActionSuppressDuplicates = "suppress_duplicates"
	ActionCreateIncident     = "create_incident"
	ActionEscalateSeverity   = "escalate_severity"
	ActionMergeAlerts        = "merge_alerts"
)

// maxCorrelationWindow caps how far back a rule may look regardless of
// its configured window.
const maxCorrelationWindow = 30 * time.Minute

// rule is a compiled correlation rule.
type rule struct {
	name            string
	types           map[model.FindingType]bool
	severities      map[model.Severity]bool
	sourceSubstring string
	window          time.Duration
	minOccurrences  int
	actions         map[string]bool
}

func compileRules(cfgs []config.RuleConfig) []*rule {
	out := make([]*rule, 0, len(cfgs))
	for _, rc := range cfgs {
		r := &rule{
			name:            rc.Name,
			sourceSubstring: rc.SourceSubstring,
			window:          time.Duration(rc.MaxTimeDiffMin * float64(time.Minute)),
			minOccurrences:  rc.MinOccurrences,
			types:           make(map[model.FindingType]bool),
			severities:      make(map[model.Severity]bool),
			actions:         make(map[string]bool),
		}
		for _, t := range rc.Types {
			r.types[model.FindingType(t)] = true
		}
		for _, s := range rc.Severities {
			r.severities[model.ParseSeverity(s)] = true
		}
		for _, a := range rc.Actions {
			r.actions[a] = true
		}
		if r.window <= 0 || r.window > maxCorrelationWindow {
			r.window = maxCorrelationWindow
		}
		if r.minOccurrences < 1 {
			r.minOccurrences = 1
		}
		out = append(out, r)
	}
	return out
}

// matchesFinding reports whether the rule's filters accept a finding.
func (r *rule) matchesFinding(f *model.Finding) bool {
	if len(r.types) > 0 && !r.types[f.Type] {
		return false
	}
	if len(r.severities) > 0 && !r.severities[f.Severity] {
		return false
	}
	if r.sourceSubstring != "" {
		found := false
		for _, id := range f.Affected.DroneIDs {
			if strings.Contains(id, r.sourceSubstring) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchesAlert reports whether a finding belongs in an existing alert
// under this rule: same rule, shared drone scope, and the alert's first
// finding still inside the window.
func (r *rule) matchesAlert(f *model.Finding, a *Alert) bool {
	if a.Status.terminal() || a.Rule != r.name {
		return false
	}
	if time.Since(a.CreatedAt) > r.window {
		return false
	}
	if len(f.Affected.DroneIDs) == 0 {
		return true // fleet-level finding joins any fleet alert on the rule
	}
	for _, id := range f.Affected.DroneIDs {
		if contains(a.DroneIDs, id) {
			return true
		}
	}
	return false
}

// escalateSeverity applies the escalate_severity action: three or more
// correlated findings raise the alert to critical, two to high.
func escalateSeverity(a *Alert) {
	n := len(a.Findings)
	switch {
	case n >= 3 && a.Severity < model.SeverityCritical:
		a.Severity = model.SeverityCritical
	case n >= 2 && a.Severity < model.SeverityHigh:
		a.Severity = model.SeverityHigh
	}
}
