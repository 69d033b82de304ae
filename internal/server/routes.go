package server

import (
	"net/http"
)

// setupRoutes wires the HTTP surface under /api/v1
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/jobs", s.app.JobHandler.Submit)
	mux.HandleFunc("GET /api/v1/jobs", s.app.JobHandler.List)
	mux.HandleFunc("GET /api/v1/jobs/stats", s.app.JobHandler.Stats)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.app.JobHandler.Get)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.app.JobHandler.Cancel)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", s.app.EventsHandler.Stream)

	mux.HandleFunc("GET /health", s.app.HealthHandler.Health)
	mux.HandleFunc("GET /version", s.app.HealthHandler.Version)
	mux.Handle("GET /metrics", s.app.Metrics.Handler())

	return mux
}
