package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/gateway"
	"github.com/quillhq/quill/internal/message"
)

// MessagesHandler handles the outbound send endpoints.
type MessagesHandler struct {
	logger      *slog.Logger
	router      *gateway.Router
	newDelivery gateway.DeliveryFactory
}

func NewMessagesHandler(log *slog.Logger, router *gateway.Router, newDelivery gateway.DeliveryFactory) *MessagesHandler {
	return &MessagesHandler{
		logger:      log.With(slog.String("handler", "messages")),
		router:      router,
		newDelivery: newDelivery,
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.POST("/messages/send", h.Send)
	e.POST("/messages/batch", h.SendBatch)
	e.GET("/messages/:id/status", h.Status)
}

type sendRequest struct {
	Platform     string            `json:"platform"`
	TargetUserID string            `json:"target_user_id"`
	Content      string            `json:"content"`
	Type         string            `json:"type"`
	Metadata     map[string]string `json:"metadata"`
}

type batchRequest struct {
	Platform     string `json:"platform"`
	TargetUserID string `json:"target_user_id"`
	Messages     []struct {
		Content  string            `json:"content"`
		Type     string            `json:"type"`
		Metadata map[string]string `json:"metadata"`
	} `json:"messages"`
}

// Send delivers a single message through the registered provider.
func (h *MessagesHandler) Send(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}

	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.TargetUserID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target_user_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	msg := h.buildMessage(req.Platform, userID, req.Content, req.Type, req.Metadata)
	result, err := h.router.RouteOutgoing(c.Request().Context(), msg, req.TargetUserID)
	if err != nil {
		return platformError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// SendBatch delivers an ordered batch to a single recipient.
func (h *MessagesHandler) SendBatch(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}

	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Platform) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "platform is required")
	}
	if strings.TrimSpace(req.TargetUserID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target_user_id is required")
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages is required")
	}

	msgs := make([]message.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "message content is required")
		}
		msgs = append(msgs, h.buildMessage(req.Platform, userID, m.Content, m.Type, m.Metadata))
	}

	results, err := h.newDelivery().SendBatch(c.Request().Context(), msgs, req.TargetUserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// Status reports the last known delivery status for a message id.
func (h *MessagesHandler) Status(c echo.Context) error {
	if _, err := auth.UserIDFromContext(c); err != nil {
		return err
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message_id": id,
		"status":     string(h.newDelivery().Status(id)),
	})
}

func (h *MessagesHandler) buildMessage(platform, senderID, content, msgType string, metadata map[string]string) message.ChatMessage {
	opts := []message.Option{}
	if strings.TrimSpace(msgType) != "" {
		opts = append(opts, message.WithType(message.ParseType(msgType)))
	}
	if len(metadata) > 0 {
		opts = append(opts, message.WithMetadata(metadata))
	}
	return message.New(platform, senderID, content, opts...)
}

func platformError(err error) error {
	switch {
	case errors.Is(err, gateway.ErrPlatformMissing):
		return echo.NewHTTPError(http.StatusBadRequest, "platform is required")
	case errors.Is(err, gateway.ErrUnknownPlatform):
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
