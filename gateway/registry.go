package gateway

import (
	"sync"
	"time"

	"fleetgate/logger"
	"fleetgate/model"
)

// Liveness thresholds: silent past the first is degraded, past the
// second is lost.
const (
	degradedAfter = 5 * time.Second
	lostAfter     = 30 * time.Second
)

type droneSession struct {
	caps     *model.DroneCapabilities
	lastSeen time.Time
	state    string
}

// Registry tracks known drones, their capabilities and link liveness.
// First sightings pass through an hourly admission budget so a spoofed
// swarm cannot flood the fleet table.
type Registry struct {
	perHour int

	mu         sync.Mutex
	drones     map[string]*droneSession
	admissions []time.Time
	now        func() time.Time
}

func NewRegistry(admissionPerHour int) *Registry {
	if admissionPerHour <= 0 {
		admissionPerHour = 10
	}
	return &Registry{
		perHour: admissionPerHour,
		drones:  make(map[string]*droneSession),
		now:     time.Now,
	}
}

// Admit records a sighting. Known drones always pass; unknown drones
// consume admission budget and are rejected once it is spent.
func (r *Registry) Admit(droneID string, proto model.Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.drones[droneID]; ok {
		s.lastSeen = now
		if !containsProto(s.caps.SupportedProtocols, proto) {
			s.caps.SupportedProtocols = append(s.caps.SupportedProtocols, proto)
		}
		return nil
	}

	cutoff := now.Add(-time.Hour)
	kept := r.admissions[:0]
	for _, t := range r.admissions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.admissions = kept
	if len(r.admissions) >= r.perHour {
		return model.ErrAdmissionDenied
	}
	r.admissions = append(r.admissions, now)

	r.drones[droneID] = &droneSession{
		caps: &model.DroneCapabilities{
			DroneID:            droneID,
			SupportedProtocols: []model.Protocol{proto},
			PreferredProtocol:  proto,
			FirstSeen:          now,
		},
		lastSeen: now,
		state:    model.StatusOnline,
	}
	logger.Info("[REGISTRY] Admitted drone %s via %s", droneID, proto)
	return nil
}

// UpdateCapabilities applies an explicit capability advertisement.
func (r *Registry) UpdateCapabilities(caps *model.DroneCapabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.drones[caps.DroneID]; ok {
		caps.FirstSeen = s.caps.FirstSeen
		s.caps = caps
	}
}

// Capabilities returns a drone's record, or nil if unknown.
func (r *Registry) Capabilities(droneID string) *model.DroneCapabilities {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.drones[droneID]; ok {
		cp := *s.caps
		return &cp
	}
	return nil
}

// Drones lists known drone IDs.
func (r *Registry) Drones() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.drones))
	for id := range r.drones {
		out = append(out, id)
	}
	return out
}

// transition is one liveness state change found by a sweep.
type transition struct {
	droneID string
	state   string
	silent  time.Duration
}

// sweep finds liveness transitions since the last call. Recovery back
// to online happens in Admit via lastSeen; sweep only degrades.
func (r *Registry) sweep() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []transition
	for id, s := range r.drones {
		silent := now.Sub(s.lastSeen)
		want := s.state
		switch {
		case silent >= lostAfter:
			want = model.StatusLost
		case silent >= degradedAfter:
			want = model.StatusDegraded
		default:
			want = model.StatusOnline
		}
		if want != s.state {
			s.state = want
			out = append(out, transition{droneID: id, state: want, silent: silent})
		}
	}
	return out
}

func containsProto(list []model.Protocol, p model.Protocol) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}
