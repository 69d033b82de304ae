package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/models"
	"github.com/halcyonworks/renderq/internal/services/jobs"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventsHandler streams per-job progress frames over WebSocket
type EventsHandler struct {
	service  *jobs.Service
	bus      interfaces.EventBus
	logger   arbor.ILogger
	upgrader websocket.Upgrader
}

// NewEventsHandler creates the progress stream handler
func NewEventsHandler(logger arbor.ILogger, service *jobs.Service, bus interfaces.EventBus) *EventsHandler {
	return &EventsHandler{
		service: service,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Stream handles GET /api/v1/jobs/{id}/events. The client receives a
// snapshot frame, then live events until the terminal frame, after which
// the connection closes.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	record, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(event models.ProgressEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(event)
	}

	if err := send(models.StatusEvent(record.Status, record.Progress)); err != nil {
		return
	}
	if record.Status.IsTerminal() {
		_ = send(doneFrame(record))
		h.closeGracefully(conn)
		return
	}

	// Subscribe, then re-read: a job settling between the snapshot and the
	// subscription would otherwise never deliver its terminal frame.
	sub := h.bus.Subscribe(jobID)
	defer sub.Close()

	record, err = h.service.GetJob(r.Context(), jobID)
	if err == nil && record.Status.IsTerminal() {
		_ = send(doneFrame(record))
		h.closeGracefully(conn)
		return
	}

	// Reader goroutine detects client disconnects; inbound frames carry no
	// meaning on this endpoint.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-disconnected:
			return
		case <-pinger.C:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				h.closeGracefully(conn)
				return
			}
			if err := send(event); err != nil {
				return
			}
			if event.IsDone() {
				h.closeGracefully(conn)
				return
			}
		}
	}
}

func (h *EventsHandler) closeGracefully(conn *websocket.Conn) {
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func doneFrame(record *models.JobRecord) models.ProgressEvent {
	return models.DoneEvent(record.Status, record.Result, record.Error)
}
