// Package health serves liveness, readiness, metrics and session views over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/care/presence/internal/session"
	"github.com/care/presence/internal/sink"
	"github.com/care/presence/internal/source"
	"github.com/care/presence/internal/tracker"
	"github.com/care/presence/internal/types"
)

// Tracker is the read-only view of the lifecycle controller
type Tracker interface {
	Status() tracker.Status
	OpenSessions() []session.Record
	Session(id types.TrackingID) (session.Session, error)
}

// Status represents the health state of the service
type Status struct {
	Status          string           `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64            `json:"uptime_seconds"`
	Running         bool             `json:"running"`
	SensorAvailable bool             `json:"sensor_available"`
	MQTTConnected   *bool            `json:"mqtt_connected,omitempty"`
	OpenSessions    int              `json:"open_sessions"`
	Source          *source.Stats    `json:"source,omitempty"`
	Sink            *sink.AsyncStats `json:"sink,omitempty"`
}

// Option configures optional health inputs
type Option func(*Server)

// WithSource reports source statistics
func WithSource(stats func() source.Stats) Option {
	return func(s *Server) { s.sourceStats = stats }
}

// WithMQTT reports the broker connection state
func WithMQTT(connected func() bool) Option {
	return func(s *Server) { s.mqttConnected = connected }
}

// WithSink reports async sink statistics
func WithSink(stats func() sink.AsyncStats) Option {
	return func(s *Server) { s.sinkStats = stats }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server exposes the HTTP endpoints
type Server struct {
	tracker       Tracker
	instanceID    string
	started       time.Time
	sourceStats   func() source.Stats
	mqttConnected func() bool
	sinkStats     func() sink.AsyncStats
	logger        *slog.Logger

	httpServer *http.Server
}

// NewServer creates a health server for tr
func NewServer(instanceID string, tr Tracker, opts ...Option) *Server {
	s := &Server{
		tracker:    tr,
		instanceID: instanceID,
		started:    time.Now(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "health")
	return s
}

// Router returns the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.LivenessHandler).Methods("GET")
	r.HandleFunc("/readiness", s.ReadinessHandler).Methods("GET")
	r.Handle("/metrics", s.metricsHandler()).Methods("GET")
	r.HandleFunc("/status", s.StatusHandler).Methods("GET")
	r.HandleFunc("/sessions", s.SessionsHandler).Methods("GET")
	r.HandleFunc("/sessions/{tracking_id:[0-9]+}", s.SessionHandler).Methods("GET")

	return r
}

// Start serves on port in the background
func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/status", "/sessions"},
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health check server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Check computes the current health state
func (s *Server) Check() Status {
	st := s.tracker.Status()

	status := Status{
		Status:          "healthy",
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		Running:         st.Running,
		SensorAvailable: st.Available,
		OpenSessions:    st.OpenSessions,
	}

	if s.mqttConnected != nil {
		connected := s.mqttConnected()
		status.MQTTConnected = &connected
	}
	if s.sourceStats != nil {
		stats := s.sourceStats()
		status.Source = &stats
	}
	if s.sinkStats != nil {
		stats := s.sinkStats()
		status.Sink = &stats
	}

	switch {
	case !st.Running:
		status.Status = "unhealthy"
	case !st.Available, status.MQTTConnected != nil && !*status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health. Returns 200 while the process is alive.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready; unhealthy is 503.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.Check()

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// StatusHandler handles /status with the full tracker snapshot
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Status())
}

// SessionsHandler handles /sessions with the open sessions and their dwell so far
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.tracker.OpenSessions(),
	})
}

// SessionHandler handles /sessions/{tracking_id}
func (s *Server) SessionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["tracking_id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tracking id"})
		return
	}

	sess, err := s.tracker.Session(types.TrackingID(id))
	if errors.Is(err, session.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no open session"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	sess.Duration = time.Since(sess.EnteredAt)
	writeJSON(w, http.StatusOK, sess.Record(s.tracker.Status().Site))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
