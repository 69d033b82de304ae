package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
)

// HealthHandler reports the service and collaborator health
type HealthHandler struct {
	engine interfaces.EngineClient
	store  interfaces.ObjectStore
	queue  interfaces.QueueManager
	logger arbor.ILogger
}

// NewHealthHandler creates the health handler
func NewHealthHandler(logger arbor.ILogger, engine interfaces.EngineClient, store interfaces.ObjectStore, queue interfaces.QueueManager) *HealthHandler {
	return &HealthHandler{
		engine: engine,
		store:  store,
		queue:  queue,
		logger: logger,
	}
}

// Health handles GET /health. The service reports degraded (503) when any
// collaborator is unreachable; the API itself keeps serving reads.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	engineOK := h.engine.HealthCheck(ctx)
	storeOK := h.store.HealthCheck(ctx)
	_, queueErr := h.queue.Stats(ctx)
	queueOK := queueErr == nil

	status := "ok"
	code := http.StatusOK
	if !engineOK || !storeOK || !queueOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"engine": statusWord(engineOK),
		"store":  statusWord(storeOK),
		"queue":  statusWord(queueOK),
	})
}

// Version handles GET /version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "unreachable"
}
