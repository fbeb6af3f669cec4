// Package web serves the control API and the live websocket feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetgate/alert"
	"fleetgate/config"
	"fleetgate/detect"
	"fleetgate/gateway"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
	"fleetgate/router"
	"fleetgate/storage"
	"fleetgate/threat"
)

// Controller is the runtime the start/stop endpoints act on.
type Controller interface {
	StartIngest(ctx context.Context) error
	StopIngest()
}

// Server wires the control API over the running components.
type Server struct {
	cfg      *config.Store
	reg      *metrics.Registry
	route    *router.Router
	gw       *gateway.Gateway
	alerts   *alert.Engine
	anomaly  *detect.Engine
	failures *detect.FailureEngine
	threats  *threat.Engine
	store    *storage.Memory
	hub      *Hub
	ctl      Controller

	http *http.Server
}

type Deps struct {
	Config   *config.Store
	Registry *metrics.Registry
	Router   *router.Router
	Gateway  *gateway.Gateway
	Alerts   *alert.Engine
	Anomaly  *detect.Engine
	Failures *detect.FailureEngine
	Threats  *threat.Engine
	Store    *storage.Memory
	Hub      *Hub
	Control  Controller
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		reg:      d.Registry,
		route:    d.Router,
		gw:       d.Gateway,
		alerts:   d.Alerts,
		anomaly:  d.Anomaly,
		failures: d.Failures,
		threats:  d.Threats,
		store:    d.Store,
		hub:      d.Hub,
		ctl:      d.Control,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Get("/{id}", s.handleGetAlert)
		r.Post("/{id}/acknowledge", s.handleAcknowledge)
		r.Post("/{id}/resolve", s.handleResolve)
		r.Post("/{id}/suppress", s.handleSuppress)
	})

	r.Route("/drones", func(r chi.Router) {
		r.Get("/", s.handleListDrones)
		r.Get("/{id}/anomalies", s.handleAnomalies)
		r.Get("/{id}/predictions", s.handlePredictions)
		r.Get("/{id}/threats", s.handleThreats)
		r.Get("/{id}/history", s.handleHistory)
	})

	r.Post("/telemetry/ingest", s.handleIngestTelemetry)
	r.Post("/network-traffic", s.handleNetworkTraffic)
	r.Post("/commands", s.handleCommand)
	r.Post("/missions", s.handleMission)

	r.Get("/config", s.handleGetConfig)
	r.Put("/config", s.handlePutConfig)

	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)

	r.Get("/ws", s.hub.ServeHTTP)
	return r
}

// Start serves the API until Shutdown.
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: s.Routes(),
	}
	logger.Info("[WEB] Control API listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the API and the feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	snap["breakers"] = s.route.Breakers()
	snap["protocols"] = s.route.Tracker().All()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{
		Status:  alert.Status(q.Get("status")),
		Type:    model.FindingType(q.Get("type")),
		DroneID: q.Get("drone"),
	}
	sev := q.Get("severity")
	if sev == "" {
		sev = q.Get("min_severity")
	}
	if sev != "" {
		f.MinSeverity = model.ParseSeverity(sev)
	}
	if limit := q.Get("limit"); limit != "" {
		f.Limit, _ = strconv.Atoi(limit)
	}
	writeJSON(w, http.StatusOK, s.alerts.List(f))
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type transitionRequest struct {
	By      string  `json:"by"`
	Minutes float64 `json:"minutes,omitempty"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	decodeJSON(r, &req)
	a, err := s.alerts.Acknowledge(chi.URLParam(r, "id"), orOperator(req.By))
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(TopicAlerts, a)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	decodeJSON(r, &req)
	a, err := s.alerts.Resolve(chi.URLParam(r, "id"), orOperator(req.By))
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(TopicAlerts, a)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	decodeJSON(r, &req)
	a, err := s.alerts.Suppress(chi.URLParam(r, "id"), time.Duration(req.Minutes*float64(time.Minute)))
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(TopicAlerts, a)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	ids := s.gw.Registry().Drones()
	out := make([]*model.DroneCapabilities, 0, len(ids))
	for _, id := range ids {
		if caps := s.gw.Registry().Capabilities(id); caps != nil {
			out = append(out, caps)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.anomaly.Recent(id, queryLimit(r)))
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.failures.Predictions(id, queryLimit(r)))
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.threats.Recent(id, queryLimit(r)))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var from, to time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, _ = time.Parse(time.RFC3339, raw)
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, _ = time.Parse(time.RFC3339, raw)
	}
	writeJSON(w, http.StatusOK, s.store.Range(id, from, to, queryLimit(r)))
}

func (s *Server) handleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	var sample model.TelemetrySample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if sample.DroneID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "drone_id required"})
		return
	}
	if err := s.gw.IngestExternal(&sample); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleNetworkTraffic(w http.ResponseWriter, r *http.Request) {
	var rec model.NetworkRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.threats.Network(&rec)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type commandRequest struct {
	DroneID  string         `json:"drone_id"`
	Priority string         `json:"priority"`
	Command  *model.Command `json:"command"`
	AckWait  bool           `json:"ack_required"`
	Strategy string         `json:"strategy,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.DroneID == "" || req.Command == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "drone_id and command required"})
		return
	}
	msg := &model.UnifiedMessage{
		DroneID:        req.DroneID,
		SourceProtocol: model.ProtocolInternal,
		Kind:           model.KindCommand,
		Priority:       parsePriority(req.Priority),
		Timestamp:      time.Now(),
		Delivery:       model.Delivery{AckRequired: req.AckWait},
		Command:        req.Command,
	}
	if req.Strategy != "" {
		msg.Extensions = map[string]string{"strategy": req.Strategy}
	}
	if err := s.gw.Enqueue(msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type missionRequest struct {
	DroneID  string              `json:"drone_id"`
	Priority string              `json:"priority"`
	Items    []model.MissionItem `json:"items"`
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	var req missionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.DroneID == "" || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "drone_id and items required"})
		return
	}
	if err := s.gw.UploadMission(r.Context(), req.DroneID, parsePriority(req.Priority), req.Items); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "uploaded", "items": len(req.Items)})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var next config.Config
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	logger.Info("[WEB] Configuration updated")
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.ctl == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no runtime control"})
		return
	}
	if err := s.ctl.StartIngest(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.ctl == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no runtime control"})
		return
	}
	s.ctl.StopIngest()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 100
}

func parsePriority(s string) model.Priority {
	switch s {
	case "critical":
		return model.PriorityCritical
	case "high":
		return model.PriorityHigh
	case "low":
		return model.PriorityLow
	case "background":
		return model.PriorityBackground
	default:
		return model.PriorityNormal
	}
}

func orOperator(by string) string {
	if by == "" {
		return "operator"
	}
	return by
}

func decodeJSON(r *http.Request, out interface{}) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("[WEB] Encode response: %v", err)
	}
}

// writeError maps the error vocabulary onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrAlertNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrQueueFull), errors.Is(err, model.ErrAdmissionDenied):
		code = http.StatusTooManyRequests
	case errors.Is(err, model.ErrReplayRejected):
		code = http.StatusConflict
	case errors.Is(err, model.ErrNotStarted), errors.Is(err, model.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNoProtocol), errors.Is(err, model.ErrCircuitOpen):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
