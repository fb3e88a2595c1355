package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/models"
)

// SSEMessage wraps an event for the stream with its own timestamp and id.
type SSEMessage struct {
	Event     models.AppEvent `json:"event"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
}

// EventsHandler streams session lifecycle events to SSE clients and is the
// session manager's event sink.
type EventsHandler struct {
	clientsMux sync.RWMutex
	clients    map[string]chan SSEMessage

	startTime time.Time
}

// NewEventsHandler creates the SSE event hub.
func NewEventsHandler() *EventsHandler {
	return &EventsHandler{
		clients:   make(map[string]chan SSEMessage),
		startTime: time.Now(),
	}
}

// EmitSessionStarted broadcasts a session start.
func (h *EventsHandler) EmitSessionStarted(info models.SessionInfo) {
	h.broadcast(models.SessionStartedEvent, sessionPayload(info, nil))
}

// EmitSessionExited broadcasts a session exit with its exit code when known.
func (h *EventsHandler) EmitSessionExited(info models.SessionInfo, exitCode *int) {
	h.broadcast(models.SessionExitedEvent, sessionPayload(info, exitCode))
}

// EmitSessionRecovered broadcasts a session re-registered after a restart.
func (h *EventsHandler) EmitSessionRecovered(info models.SessionInfo) {
	h.broadcast(models.SessionRecoveredEvent, sessionPayload(info, nil))
}

func sessionPayload(info models.SessionInfo, exitCode *int) models.SessionEventPayload {
	return models.SessionEventPayload{
		SessionID:     info.ID,
		WorkspaceName: info.WorkspaceName,
		PID:           info.PID,
		OwnerID:       info.OwnerID,
		ExitCode:      exitCode,
	}
}

func (h *EventsHandler) broadcast(t models.EventType, payload any) {
	msg := SSEMessage{
		Event:     models.AppEvent{Type: t, Payload: payload},
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}

	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			logger.Warnf("Event client %s is not keeping up, dropping event", id)
		}
	}
}

// HandleSSE streams session lifecycle events.
// GET /v1/events
func (h *EventsHandler) HandleSSE(c *fiber.Ctx) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "This endpoint only accepts Server-Sent Events (text/event-stream)",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	ch := make(chan SSEMessage, 100)
	h.addClient(clientID, ch)
	logger.Infof("SSE client connected: %s from %s", clientID, c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.removeClient(clientID)

		send := func(msg SSEMessage) bool {
			if msg.Event.Type == "" {
				return true
			}
			b, _ := json.Marshal(msg)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		if !send(h.makeHeartbeat()) {
			return
		}

		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()

		for {
			select {
			case msg, ok := <-ch:
				if !ok || !send(msg) {
					return
				}
			case <-tick.C:
				if !send(h.makeHeartbeat()) {
					return
				}
			}
		}
	}))

	return nil
}

func (h *EventsHandler) addClient(id string, ch chan SSEMessage) {
	h.clientsMux.Lock()
	h.clients[id] = ch
	h.clientsMux.Unlock()
}

func (h *EventsHandler) removeClient(id string) {
	h.clientsMux.Lock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
	h.clientsMux.Unlock()
	logger.Debugf("SSE client disconnected: %s", id)
}

func (h *EventsHandler) makeHeartbeat() SSEMessage {
	return SSEMessage{
		Event: models.AppEvent{
			Type: models.HeartbeatEvent,
			Payload: models.HeartbeatPayload{
				Timestamp: time.Now().UnixMilli(),
				Uptime:    time.Since(h.startTime).Milliseconds(),
			},
		},
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}
}
