package alert

import (
	"fmt"
	"sync"
	"time"

	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
)

// defaultDedupWindow groups repeat findings of one type on one drone
// when no correlation rule claims them.
const defaultDedupWindow = 5 * time.Minute

// Engine owns every alert's lifecycle: correlation, escalation,
// notification, operator transitions and history.
type Engine struct {
	cfg   config.AlertsConfig
	reg   *metrics.Registry
	rules []*rule
	esc   *escalator
	notif *notifierSet

	mu      sync.RWMutex
	active  map[string]*Alert           // by ID, includes acknowledged/suppressed
	history []*Alert                    // ring, resolved alerts included
	pending map[string][]*model.Finding // rule name -> findings below min_occurrences

	// now is swapped by tests.
	now func() time.Time
}

// NewEngine builds the alert engine. A nil notifier falls back to the
// log notifier.
func NewEngine(cfg config.AlertsConfig, reg *metrics.Registry, n Notifier) (*Engine, error) {
	notif, err := newNotifierSet(cfg, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTemplate, err)
	}
	return &Engine{
		cfg:     cfg,
		reg:     reg,
		rules:   compileRules(cfg.CorrelationRules),
		esc:     newEscalator(cfg.EscalationRules),
		notif:   notif,
		active:  make(map[string]*Alert),
		pending: make(map[string][]*model.Finding),
		now:     time.Now,
	}, nil
}

// Run consumes findings until the channel closes.
func (e *Engine) Run(findings <-chan *model.Finding) {
	for f := range findings {
		e.ProcessFinding(f)
	}
	e.esc.cancelAll()
	logger.Info("[ALERT] Finding stream closed, engine stopping")
}

// ProcessFinding correlates one finding into a new or existing alert
// and returns the alert it landed in.
func (e *Engine) ProcessFinding(f *model.Finding) *Alert {
	e.mu.Lock()

	// First matching rule wins.
	for _, r := range e.rules {
		if !r.matchesFinding(f) {
			continue
		}
		for _, a := range e.active {
			if !r.matchesAlert(f, a) {
				continue
			}
			a.absorb(f)
			if r.actions[ActionEscalateSeverity] {
				escalateSeverity(a)
			}
			if r.actions[ActionSuppressDuplicates] && e.reg != nil {
				e.reg.IncDropped("duplicate_finding")
			}
			out := a.clone()
			e.mu.Unlock()
			logger.Debug("[ALERT] Finding %s absorbed into alert %s by rule %q", f.ID, a.ID, r.name)
			return out
		}
		group := e.holdLocked(r, f)
		if group == nil {
			e.mu.Unlock()
			logger.Debug("[ALERT] Finding %s held by rule %q below %d occurrences", f.ID, r.name, r.minOccurrences)
			return nil
		}
		a := e.openLocked(group[0], r.name)
		for _, g := range group[1:] {
			a.absorb(g)
		}
		out := a.clone()
		e.mu.Unlock()
		return out
	}

	// No rule claimed it: dedupe identical type+drone repeats, else open
	// a standalone alert.
	for _, a := range e.active {
		if a.Status.terminal() || a.Rule != "" {
			continue
		}
		if len(a.Findings) == 0 || a.Findings[0].Type != f.Type {
			continue
		}
		if e.now().Sub(a.CreatedAt) > defaultDedupWindow {
			continue
		}
		if !sameScope(a.DroneIDs, f.Affected.DroneIDs) {
			continue
		}
		a.absorb(f)
		out := a.clone()
		e.mu.Unlock()
		return out
	}
	a := e.openLocked(f, "")
	out := a.clone()
	e.mu.Unlock()
	return out
}

// holdLocked buffers a rule-matched finding until the rule's minimum
// occurrence count is met inside its window. Returns the findings to
// open the alert with, oldest first, or nil while still short. Caller
// holds the mutex.
func (e *Engine) holdLocked(r *rule, f *model.Finding) []*model.Finding {
	if r.minOccurrences <= 1 {
		return []*model.Finding{f}
	}
	now := e.now()
	var kept, matched []*model.Finding
	for _, p := range e.pending[r.name] {
		if now.Sub(p.Timestamp) > r.window {
			continue
		}
		if sameScope(p.Affected.DroneIDs, f.Affected.DroneIDs) {
			matched = append(matched, p)
		} else {
			kept = append(kept, p)
		}
	}
	if len(matched)+1 < r.minOccurrences {
		e.pending[r.name] = append(append(kept, matched...), f)
		return nil
	}
	e.pending[r.name] = kept
	return append(matched, f)
}

// openLocked creates an alert, records it and arms its escalation
// tiers. Caller holds the mutex.
func (e *Engine) openLocked(f *model.Finding, ruleName string) *Alert {
	a := newAlert(f, ruleName)
	e.active[a.ID] = a
	e.pushHistoryLocked(a)
	if e.reg != nil {
		e.reg.IncAlertOpened()
	}
	logger.Info("[ALERT] Opened %s severity=%s type=%s drones=%v", a.ID, a.Severity, f.Type, a.DroneIDs)
	e.esc.schedule(a.ID, a.Severity, e.fire)
	return a
}

// fire is the escalation tier callback. The alert must still be in a
// notifiable state; acknowledged, resolved and suppressed alerts absorb
// the tier silently. Levels only move up.
func (e *Engine) fire(alertID string, level int) {
	e.mu.Lock()
	a, ok := e.active[alertID]
	if !ok || a.Status == StatusAcknowledged || a.Status == StatusResolved || a.Status == StatusSuppressed {
		e.mu.Unlock()
		return
	}
	if level <= a.EscalationLevel {
		e.mu.Unlock()
		return
	}
	a.EscalationLevel = level
	if level > 0 {
		a.Status = StatusEscalated
	}
	a.UpdatedAt = e.now()
	rule := e.esc.ruleFor(a.Severity)
	snapshot := a.clone()
	e.mu.Unlock()

	if rule == nil || level >= len(rule.Levels) {
		return
	}
	tier := rule.Levels[level]
	if e.reg != nil && level > 0 {
		e.reg.IncEscalation()
	}
	logger.Warn("[ALERT] Escalating %s to level %d (%d recipients)", alertID, level, len(tier.Recipients))
	e.notif.deliver(snapshot, level, tier.Recipients, e.now())

	if tier.AutoResolve {
		e.Resolve(alertID, "auto")
	}
}

// Acknowledge marks an alert acknowledged and cancels pending
// escalation tiers. Acknowledging twice is a no-op; unknown IDs error.
func (e *Engine) Acknowledge(id, by string) (*Alert, error) {
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return nil, model.ErrAlertNotFound
	}
	if a.Status == StatusAcknowledged || a.Status == StatusResolved {
		out := a.clone()
		e.mu.Unlock()
		return out, nil
	}
	now := e.now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	a.UpdatedAt = now
	out := a.clone()
	e.mu.Unlock()

	e.esc.cancel(id)
	logger.Info("[ALERT] %s acknowledged by %s", id, by)
	return out, nil
}

// Resolve closes an alert. Resolving twice is a no-op; unknown IDs
// error.
func (e *Engine) Resolve(id, by string) (*Alert, error) {
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok {
		// Already resolved alerts live only in history; resolving again
		// is a no-op.
		for i := len(e.history) - 1; i >= 0; i-- {
			if e.history[i].ID == id {
				out := e.history[i].clone()
				e.mu.Unlock()
				return out, nil
			}
		}
		e.mu.Unlock()
		return nil, model.ErrAlertNotFound
	}
	now := e.now()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.UpdatedAt = now
	delete(e.active, id)
	out := a.clone()
	e.mu.Unlock()

	e.esc.cancel(id)
	if e.reg != nil {
		e.reg.IncAlertResolved()
	}
	logger.Info("[ALERT] %s resolved by %s", id, by)
	return out, nil
}

// Suppress mutes an alert for the given duration; zero uses the
// configured default. A suppressed alert fires no tiers until the
// window lapses, when it returns to active and resumes.
func (e *Engine) Suppress(id string, d time.Duration) (*Alert, error) {
	if d <= 0 {
		d = time.Duration(e.cfg.SuppressDefaultMinutes * float64(time.Minute))
	}
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return nil, model.ErrAlertNotFound
	}
	if a.Status == StatusResolved {
		out := a.clone()
		e.mu.Unlock()
		return out, nil
	}
	until := e.now().Add(d)
	a.Status = StatusSuppressed
	a.SuppressedTill = &until
	a.UpdatedAt = e.now()
	out := a.clone()
	e.mu.Unlock()

	time.AfterFunc(d, func() { e.unsuppress(id) })
	logger.Info("[ALERT] %s suppressed until %s", id, until.Format(time.RFC3339))
	return out, nil
}

func (e *Engine) unsuppress(id string) {
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok || a.Status != StatusSuppressed {
		e.mu.Unlock()
		return
	}
	a.Status = StatusActive
	a.SuppressedTill = nil
	a.UpdatedAt = e.now()
	sev := a.Severity
	elapsed := e.now().Sub(a.CreatedAt)
	fired := a.EscalationLevel
	e.mu.Unlock()

	// Tiers absorbed during suppression come back; those already
	// overdue fire immediately.
	e.esc.resume(id, sev, elapsed, fired, e.fire)
	logger.Info("[ALERT] %s suppression lapsed, active again", id)
}

// Get returns one alert by ID, searching active alerts then history.
func (e *Engine) Get(id string) (*Alert, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if a, ok := e.active[id]; ok {
		return a.clone(), nil
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].clone(), nil
		}
	}
	return nil, model.ErrAlertNotFound
}

// Filter selects alerts from history; zero values match everything.
type Filter struct {
	Status      Status
	MinSeverity model.Severity
	Type        model.FindingType
	DroneID     string
	Limit       int
}

// List returns alerts matching the filter, newest first.
func (e *Engine) List(f Filter) []*Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Alert
	for i := len(e.history) - 1; i >= 0; i-- {
		a := e.history[i]
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if a.Severity < f.MinSeverity {
			continue
		}
		if f.DroneID != "" && !contains(a.DroneIDs, f.DroneID) {
			continue
		}
		if f.Type != "" && (len(a.Findings) == 0 || a.Findings[0].Type != f.Type) {
			continue
		}
		out = append(out, a.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// pushHistoryLocked appends to the bounded history ring.
func (e *Engine) pushHistoryLocked(a *Alert) {
	size := e.cfg.HistorySize
	if size <= 0 {
		size = 1000
	}
	e.history = append(e.history, a)
	if len(e.history) > size {
		e.history = e.history[len(e.history)-size:]
	}
}

// sameScope reports whether the drone sets overlap, treating two empty
// sets as the same fleet-level scope.
func sameScope(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	for _, id := range b {
		if contains(a, id) {
			return true
		}
	}
	return false
}
