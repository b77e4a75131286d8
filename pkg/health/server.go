package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server exposes /healthz (liveness) and /readyz (readiness) over HTTP,
// mirroring the teacher's health-endpoint shape.
type Server struct {
	registry *Registry
}

// NewServer builds a Server reporting on registry.
func NewServer(registry *Registry) *Server { return &Server{registry: registry} }

// Mount registers the server's routes onto r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/healthz", s.liveness)
	r.Get("/readyz", s.readiness)
}

// livenessResponse is intentionally process-level: it only reports that the
// HTTP server itself is answering, matching liveness semantics (restart if
// this fails) as distinct from readiness (stop routing traffic if this
// fails).
type livenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(livenessResponse{Status: "alive", Timestamp: time.Now()})
}

type checkDetail struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

type readinessResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]checkDetail `json:"checks"`
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ready, results := s.registry.Ready(r.Context())

	checks := make(map[string]checkDetail, len(results))
	for name, res := range results {
		checks[name] = checkDetail{Healthy: res.Healthy, Message: res.Message}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(readinessResponse{Status: status, Timestamp: time.Now(), Checks: checks})
}
