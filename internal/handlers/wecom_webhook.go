package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quillhq/quill/internal/gateway"
	"github.com/quillhq/quill/internal/provider"
	"github.com/quillhq/quill/internal/provider/adapters/wecom"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// WeComWebhookHandler terminates the encrypted callback endpoint: the GET
// verification handshake and the POST message callback.
type WeComWebhookHandler struct {
	logger   *slog.Logger
	provider *wecom.Provider
	router   *gateway.Router
}

func NewWeComWebhookHandler(log *slog.Logger, p *wecom.Provider, router *gateway.Router) *WeComWebhookHandler {
	return &WeComWebhookHandler{
		logger:   log.With(slog.String("handler", "wecom_webhook")),
		provider: p,
		router:   router,
	}
}

func (h *WeComWebhookHandler) Register(e *echo.Echo) {
	e.GET("/channels/wecom/webhook", h.Verify)
	e.POST("/channels/wecom/webhook", h.Callback)
}

// Verify answers the URL verification handshake with the decrypted
// echostr in plain text.
func (h *WeComWebhookHandler) Verify(c echo.Context) error {
	validation, err := h.provider.ValidateWebhook(c.Request().Context(), provider.WebhookRequest{
		Method: http.MethodGet,
		Query:  c.QueryParams(),
		Header: c.Request().Header,
	})
	if err != nil {
		h.logger.Error("verification failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	if !validation.Valid {
		h.logger.Warn("verification rejected", slog.String("reason", validation.ErrorMessage))
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}
	return c.String(http.StatusOK, validation.Challenge)
}

// Callback verifies, decrypts, and routes one message callback. The
// platform retries on anything but a 200 "success" body, so parse
// failures after a valid signature are acknowledged and logged rather
// than surfaced.
func (h *WeComWebhookHandler) Callback(c echo.Context) error {
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
		Query:  c.QueryParams(),
		Body:   body,
		Header: c.Request().Header,
	})
	if err != nil {
		h.logger.Error("callback validation failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "validation failed")
	}
	if !validation.Valid {
		h.logger.Warn("callback rejected", slog.String("reason", validation.ErrorMessage))
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	plain, err := h.provider.DecryptEnvelope(body)
	if err != nil {
		if errors.Is(err, wecom.ErrInvalidEnvelope) {
			h.logger.Warn("invalid callback envelope", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusForbidden, "invalid envelope")
		}
		h.logger.Error("decrypt callback failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "decrypt failed")
	}

	msg, err := h.provider.ParseMessage(ctx, []byte(plain))
	if err != nil {
		h.logger.Warn("unparseable callback payload", slog.Any("error", err))
		return c.String(http.StatusOK, "success")
	}
	if msg == nil {
		return c.String(http.StatusOK, "success")
	}

	if err := h.router.RouteIncoming(ctx, *msg); err != nil {
		h.logger.Error("route incoming failed",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "routing failed")
	}
	return c.String(http.StatusOK, "success")
}
