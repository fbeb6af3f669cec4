package alert

import (
	"sync"
	"time"

	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/model"
)

// escalator schedules the ordered notification tiers for active alerts.
// Timers are anchored to alert creation; absorbing a duplicate finding
// never resets them, and acknowledging the alert cancels every tier
// that has not fired.
type escalator struct {
	rules []config.EscalationRule

	mu     sync.Mutex
	timers map[string][]*time.Timer // alert ID -> pending tier timers
}

func newEscalator(rules []config.EscalationRule) *escalator {
	return &escalator{
		rules:  rules,
		timers: make(map[string][]*time.Timer),
	}
}

// ruleFor returns the first escalation rule whose minimum severity the
// alert meets. Rules are evaluated in config order.
func (e *escalator) ruleFor(sev model.Severity) *config.EscalationRule {
	for i := range e.rules {
		if sev >= model.ParseSeverity(e.rules[i].MinSeverity) {
			return &e.rules[i]
		}
	}
	return nil
}

// schedule arms one timer per tier for a newly created alert. fire is
// called with the tier index when its delay elapses; the engine decides
// whether the alert is still eligible.
func (e *escalator) schedule(alertID string, sev model.Severity, fire func(alertID string, level int)) {
	rule := e.ruleFor(sev)
	if rule == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.timers[alertID]; ok {
		return // already scheduled
	}
	timers := make([]*time.Timer, 0, len(rule.Levels))
	for i, level := range rule.Levels {
		idx := i
		delay := time.Duration(level.DelayMinutes * float64(time.Minute))
		timers = append(timers, time.AfterFunc(delay, func() {
			fire(alertID, idx)
		}))
	}
	e.timers[alertID] = timers
	logger.Debug("[ESCALATE] Scheduled %d tiers for alert %s under rule %q",
		len(timers), alertID, rule.Name)
}

// resume re-arms tiers after a suppression window lapses. Tiers at or
// below the fired level already delivered; later tiers keep their
// anchor to alert creation, so one whose delay passed while the alert
// was suppressed fires immediately.
func (e *escalator) resume(alertID string, sev model.Severity, sinceCreate time.Duration, fired int, fire func(alertID string, level int)) {
	rule := e.ruleFor(sev)
	if rule == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.timers[alertID] {
		t.Stop()
	}
	timers := make([]*time.Timer, 0, len(rule.Levels))
	for i := fired + 1; i < len(rule.Levels); i++ {
		idx := i
		delay := time.Duration(rule.Levels[i].DelayMinutes*float64(time.Minute)) - sinceCreate
		if delay < 0 {
			delay = 0
		}
		timers = append(timers, time.AfterFunc(delay, func() {
			fire(alertID, idx)
		}))
	}
	e.timers[alertID] = timers
	logger.Debug("[ESCALATE] Re-armed %d tiers for alert %s after suppression", len(timers), alertID)
}

// cancel stops every pending tier for the alert. Tiers that already
// fired are unaffected.
func (e *escalator) cancel(alertID string) {
	e.mu.Lock()
	timers := e.timers[alertID]
	delete(e.timers, alertID)
	e.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// cancelAll stops every pending timer. Used at shutdown.
func (e *escalator) cancelAll() {
	e.mu.Lock()
	all := e.timers
	e.timers = make(map[string][]*time.Timer)
	e.mu.Unlock()
	for _, timers := range all {
		for _, t := range timers {
			t.Stop()
		}
	}
}
