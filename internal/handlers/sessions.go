package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/akaytatsu/cortex-sub000/internal/session"
	"github.com/akaytatsu/cortex-sub000/internal/workspace"
)

// SessionsHandler exposes session lifecycle management over REST. It mirrors
// the session-control messages of the WebSocket protocol for clients that
// only need request/response semantics.
type SessionsHandler struct {
	manager    *session.Manager
	workspaces *workspace.Service
}

// StartSessionBody is the request body for starting a session.
type StartSessionBody struct {
	Workspace string `json:"workspace"`
	SessionID string `json:"sessionId"`
	Command   string `json:"command,omitempty"`
	AgentName string `json:"agentName,omitempty"`
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(manager *session.Manager, workspaces *workspace.Service) *SessionsHandler {
	return &SessionsHandler{
		manager:    manager,
		workspaces: workspaces,
	}
}

// RegisterRoutes attaches the session endpoints to the v1 router.
func (h *SessionsHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/sessions", h.ListSessions)
	v1.Get("/sessions/:id", h.GetSession)
	v1.Post("/sessions", h.StartSession)
	v1.Delete("/sessions/:id", h.StopSession)
}

// ListSessions returns every live session, optionally filtered by owner.
// GET /v1/sessions?owner=<id>
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	owner := c.Query("owner")
	return c.JSON(h.manager.ListActive(owner))
}

// GetSession returns one live session.
// GET /v1/sessions/:id
func (h *SessionsHandler) GetSession(c *fiber.Ctx) error {
	info, ok := h.manager.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	return c.JSON(info)
}

// StartSession spawns a session process in a workspace.
// POST /v1/sessions
func (h *SessionsHandler) StartSession(c *fiber.Ctx) error {
	var body StartSessionBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.Workspace == "" || body.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "workspace and sessionId are required",
		})
	}

	ws, ok := h.workspaces.GetWorkspaceByName(body.Workspace)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Workspace not found",
		})
	}

	ownerID, _ := c.Locals("userId").(string)
	result, err := h.manager.Start(session.StartOptions{
		WorkspacePath: ws.Path,
		WorkspaceName: ws.Name,
		SessionID:     body.SessionID,
		OwnerID:       ownerID,
		Command:       body.Command,
		AgentName:     body.AgentName,
	})
	if err != nil {
		return c.Status(statusForError(err)).JSON(fiber.Map{
			"error": err.Error(),
			"code":  session.ErrorCode(err),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

// StopSession gracefully stops a session.
// DELETE /v1/sessions/:id
func (h *SessionsHandler) StopSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.manager.Stop(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	return c.JSON(fiber.Map{
		"message":   "Session stopped",
		"sessionId": id,
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrProcessExists):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrProcessNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, session.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, session.ErrInvalidPath),
		errors.Is(err, session.ErrInvalidCommand),
		errors.Is(err, session.ErrDangerousCommand):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
