package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quillhq/quill/internal/gateway"
	"github.com/quillhq/quill/internal/provider"
	"github.com/quillhq/quill/internal/provider/adapters/feishu"
)

// FeishuWebhookHandler handles Feishu/Lark event callbacks, including the
// url_verification challenge exchange.
type FeishuWebhookHandler struct {
	logger   *slog.Logger
	provider *feishu.Provider
	router   *gateway.Router
}

func NewFeishuWebhookHandler(log *slog.Logger, p *feishu.Provider, router *gateway.Router) *FeishuWebhookHandler {
	return &FeishuWebhookHandler{
		logger:   log.With(slog.String("handler", "feishu_webhook")),
		provider: p,
		router:   router,
	}
}

func (h *FeishuWebhookHandler) Register(e *echo.Echo) {
	e.POST("/channels/feishu/webhook", h.Callback)
}

func (h *FeishuWebhookHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	if int64(len(body)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	validation, err := h.provider.ValidateWebhook(ctx, provider.WebhookRequest{
		Method: http.MethodPost,
		Body:   body,
		Header: c.Request().Header,
	})
	if err != nil {
		h.logger.Error("event validation failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnauthorized, "validation failed")
	}
	if !validation.Valid {
		h.logger.Warn("event rejected", slog.String("reason", validation.ErrorMessage))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid verification token")
	}
	if validation.Challenge != "" {
		return c.JSON(http.StatusOK, map[string]string{"challenge": validation.Challenge})
	}

	msg, err := h.provider.ParseMessage(ctx, body)
	if err != nil {
		h.logger.Warn("unparseable event payload", slog.Any("error", err))
		return c.JSON(http.StatusOK, map[string]int{"code": 0})
	}
	if msg == nil {
		return c.JSON(http.StatusOK, map[string]int{"code": 0})
	}

	if err := h.router.RouteIncoming(ctx, *msg); err != nil {
		h.logger.Error("route incoming failed",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "routing failed")
	}
	return c.JSON(http.StatusOK, map[string]int{"code": 0})
}
