package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/gate"
	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/orchestrator"
	"github.com/lucasnoah/agentgate/internal/pipeline"
	"github.com/lucasnoah/agentgate/internal/prompt"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// MessageRequest is the request body for POST /api/v1/messages.
type MessageRequest struct {
	Requester string `json:"requester"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Locale    string `json:"locale,omitempty"`
}

// MessageResponse is the response body for POST /api/v1/messages.
type MessageResponse struct {
	Action    gate.Action `json:"action"`
	Text      string      `json:"text,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// SessionSummary is one row of GET /api/v1/sessions.
type SessionSummary struct {
	ID             string          `json:"id"`
	Requester      string          `json:"requester"`
	Channel        string          `json:"channel"`
	Status         pipeline.Status `json:"status"`
	Phase          pipeline.Phase  `json:"phase"`
	QAAttempts     int             `json:"qa_attempts"`
	ReviewAttempts int             `json:"review_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CancelResponse is the response body for POST /api/v1/sessions/:id/cancel.
type CancelResponse struct {
	SessionID string          `json:"session_id"`
	Cancelled bool            `json:"cancelled"`
	Status    pipeline.Status `json:"status,omitempty"`
}

func summarize(cs pipeline.ChainState) SessionSummary {
	return SessionSummary{
		ID:             cs.SessionID,
		Requester:      cs.Session.Requester,
		Channel:        cs.Session.Channel,
		Status:         cs.Status,
		Phase:          cs.Session.Phase,
		QAAttempts:     cs.QAAttempts,
		ReviewAttempts: cs.ReviewAttempts,
		CreatedAt:      cs.Session.CreatedAt,
		UpdatedAt:      cs.UpdatedAt,
	}
}

func validStatus(st pipeline.Status) bool {
	switch st {
	case pipeline.StatusPendingConfirmation, pipeline.StatusRunning, pipeline.StatusFailed,
		pipeline.StatusSucceeded, pipeline.StatusCancelled:
		return true
	}
	return false
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid message request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Requester) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requester field is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	if req.Channel == "" {
		req.Channel = "http"
	}

	reply, err := s.handler.Handle(c.Request().Context(), gate.Message{
		Requester: req.Requester,
		Channel:   req.Channel,
		Text:      req.Text,
		Locale:    req.Locale,
	})
	if err != nil {
		s.logger.Error("handle message", zap.String("requester", req.Requester), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to handle message")
	}
	resp := MessageResponse{
		Action:    reply.Action,
		Text:      reply.Text,
		SessionID: reply.SessionID,
	}
	status := http.StatusOK
	if reply.Err != nil {
		resp.Error = reply.Err.Error()
		if errors.Is(reply.Err, gate.ErrConcurrentSession) {
			status = http.StatusConflict
		}
	}
	return c.JSON(status, resp)
}

func (s *Server) handleListSessions(c echo.Context) error {
	status := pipeline.Status(c.QueryParam("status"))
	if status != "" && !validStatus(status) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(status))
	}
	states, err := s.store.List(c.Request().Context(), status)
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	out := make([]SessionSummary, 0, len(states))
	for _, cs := range states {
		out = append(out, summarize(cs))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSession(c echo.Context) error {
	id := c.Param("id")
	cs, err := s.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return s.sessionError(c, id, err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (s *Server) handleCancelSession(c echo.Context) error {
	id := c.Param("id")
	cancelled, err := s.sessions.Cancel(c.Request().Context(), id)
	if err != nil {
		return s.sessionError(c, id, err)
	}
	resp := CancelResponse{SessionID: id, Cancelled: cancelled}
	if cs, err := s.sessions.Get(c.Request().Context(), id); err == nil {
		resp.Status = cs.Status
	}
	if !cancelled {
		return c.JSON(http.StatusConflict, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// sessionError maps a Sessions error to a response. Unknown and malformed
// ids are both reported as not found.
func (s *Server) sessionError(c echo.Context, id string, err error) error {
	if errors.Is(err, orchestrator.ErrNotFound) || errors.Is(err, pipeline.ErrInvalidSessionID) {
		msg := i18n.Format(s.catalog, "pipeline.not_found", s.locale, prompt.Vars{"session_id": id})
		return echo.NewHTTPError(http.StatusNotFound, msg)
	}
	s.logger.Error("session lookup", zap.String("session_id", id), zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
}
