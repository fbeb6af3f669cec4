package alert

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"
	"time"

	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/model"
)

// Notifier delivers one rendered notification over one contact method.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(method config.ContactMethod, recipient, message string) error
}

// LogNotifier writes notifications to the application log. It is the
// default delivery path and the fallback for unknown method types.
type LogNotifier struct{}

func (LogNotifier) Notify(method config.ContactMethod, recipient, message string) error {
	logger.Info("[NOTIFY] to=%s via=%s target=%s: %s", recipient, method.Type, method.Target, message)
	return nil
}

const defaultTemplate = `[{{.Severity}}] {{.Title}} (alert {{.ID}}, level {{.Level}}): {{.FindingCount}} finding(s), drones {{.Drones}}`

// templateData is what alert templates may reference.
type templateData struct {
	ID           string
	Title        string
	Severity     string
	Level        int
	FindingCount int
	Drones       []string
	Rule         string
}

// notifierSet renders templates and fans deliveries out to recipients,
// honoring availability windows and per-method retry budgets.
type notifierSet struct {
	notifier   Notifier
	recipients map[string]config.Recipient
	templates  map[string]*template.Template
	fallback   *template.Template

	// sleep is swapped by tests to avoid real retry delays.
	sleep func(time.Duration)
}

func newNotifierSet(cfg config.AlertsConfig, n Notifier) (*notifierSet, error) {
	if n == nil {
		n = LogNotifier{}
	}
	s := &notifierSet{
		notifier:   n,
		recipients: make(map[string]config.Recipient),
		templates:  make(map[string]*template.Template),
		sleep:      time.Sleep,
	}
	for _, r := range cfg.Recipients {
		s.recipients[r.Name] = r
	}
	for name, text := range cfg.Templates {
		t, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
		s.templates[name] = t
	}
	s.fallback = template.Must(template.New("default").Parse(defaultTemplate))
	return s, nil
}

// render produces the notification body for an alert at a given level.
// Templates are looked up by severity name, then "default".
func (s *notifierSet) render(a *Alert, level int) string {
	data := templateData{
		ID:           a.ID,
		Title:        a.Title,
		Severity:     a.Severity.String(),
		Level:        level,
		FindingCount: len(a.Findings),
		Drones:       a.DroneIDs,
		Rule:         a.Rule,
	}
	t := s.templates[a.Severity.String()]
	if t == nil {
		t = s.templates["default"]
	}
	if t == nil {
		t = s.fallback
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		logger.Error("[NOTIFY] Template failed for alert %s: %v", a.ID, err)
		return fmt.Sprintf("[%s] %s (alert %s)", data.Severity, data.Title, data.ID)
	}
	return buf.String()
}

// deliver notifies every named recipient. Delivery failures are logged
// and counted but never propagate; escalation timing must not depend on
// a flaky channel.
func (s *notifierSet) deliver(a *Alert, level int, names []string, now time.Time) {
	msg := s.render(a, level)
	for _, name := range names {
		r, ok := s.recipients[name]
		if !ok {
			logger.Warn("[NOTIFY] Unknown recipient %q for alert %s", name, a.ID)
			continue
		}
		if !s.available(r, a.Severity, now) {
			logger.Debug("[NOTIFY] %s unavailable, skipping for alert %s", name, a.ID)
			continue
		}
		s.deliverTo(r, msg, a.ID)
	}
}

// deliverTo walks the recipient's methods in priority order, retrying
// each per its budget, and stops at the first success.
func (s *notifierSet) deliverTo(r config.Recipient, msg, alertID string) {
	methods := append([]config.ContactMethod(nil), r.Methods...)
	sort.SliceStable(methods, func(i, j int) bool { return methods[i].Priority < methods[j].Priority })

	for _, m := range methods {
		if !m.Active {
			continue
		}
		attempts := m.RetryAttempts
		if attempts < 1 {
			attempts = 1
		}
		for i := 0; i < attempts; i++ {
			if i > 0 {
				s.sleep(time.Duration(m.RetryInterval * float64(time.Minute)))
			}
			if err := s.notifier.Notify(m, r.Name, msg); err != nil {
				logger.Warn("[NOTIFY] %s via %s failed (attempt %d/%d) for alert %s: %v",
					r.Name, m.Type, i+1, attempts, alertID, err)
				continue
			}
			return
		}
	}
	logger.Error("[NOTIFY] All methods exhausted for %s on alert %s: %v",
		r.Name, alertID, model.ErrRecipientUnavailable)
}

// available applies the recipient's working hours in their timezone.
// On-call recipients and emergency alerts bypass the window.
func (s *notifierSet) available(r config.Recipient, sev model.Severity, now time.Time) bool {
	if r.OnCall || sev >= model.SeverityEmergency {
		return true
	}
	if r.Hours.StartHour == 0 && r.Hours.EndHour == 0 {
		return true // no window configured
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if len(r.Hours.Days) > 0 {
		ok := false
		for _, d := range r.Hours.Days {
			if time.Weekday(d) == local.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	h := local.Hour()
	return h >= r.Hours.StartHour && h < r.Hours.EndHour
}
