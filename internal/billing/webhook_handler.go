package billing

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/creatorhub/membership-billing/internal"
	"github.com/creatorhub/membership-billing/internal/gateway"
	"github.com/creatorhub/membership-billing/internal/metrics"
	"github.com/creatorhub/membership-billing/internal/transport"
)

// maxWebhookBody caps webhook payload reads. Providers send small JSON
// documents; anything larger is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// WebhookServiceAPI is the orchestrator surface the webhook layer uses.
type WebhookServiceAPI interface {
	HandleGatewayEvent(ctx context.Context, gatewayName string, ev *gateway.Event) (string, error)
}

type WebhookHandler struct {
	transport.BaseHandler
	Service  WebhookServiceAPI
	Selector *gateway.Selector
	Logger   *slog.Logger
}

func NewWebhookHandler(service WebhookServiceAPI, selector *gateway.Selector, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: *transport.NewBaseHandler(logger),
		Service:     service,
		Selector:    selector,
		Logger:      logger,
	}
}

// Receive handles POST /webhooks/{gateway}. Signature verification runs
// before any database work: an unverified payload must not touch storage.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")
	adapter, ok := h.Selector.ByName(gatewayName)
	if !ok {
		h.Logger.Warn("webhook for unknown gateway", "gateway", gatewayName)
		h.HandleError(w, errors.NewNotFoundError("unknown gateway", errors.ErrCodeTransactionNotFound))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Logger.Error("webhook body read failed", "error", err, "gateway", gatewayName)
		h.HandleError(w, errors.NewValidationError("could not read request body", errors.ErrCodeValidationFailed))
		return
	}

	signature := r.Header.Get(adapter.SignatureHeader())
	ev, err := adapter.VerifyWebhook(payload, signature)
	if err != nil {
		metrics.SignatureRejections.WithLabelValues(gatewayName).Inc()
		h.Logger.Warn("webhook signature rejected",
			"gateway", gatewayName,
			"remote_addr", r.RemoteAddr,
			"error", err)
		h.HandleError(w, errors.NewValidationError("invalid signature", errors.ErrCodeSignatureInvalid))
		return
	}

	outcome, err := h.Service.HandleGatewayEvent(r.Context(), gatewayName, ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(gatewayName, "error").Inc()
		h.Logger.Error("webhook processing failed",
			"error", err,
			"gateway", gatewayName,
			"provider_event_id", ev.ProviderEventID)
		// A 5xx tells the provider to redeliver; dedup absorbs the retry.
		h.HandleServiceError(w, err)
		return
	}

	metrics.WebhookEvents.WithLabelValues(gatewayName, outcome).Inc()
	h.WriteJSON(w, http.StatusOK, map[string]string{"status": outcome})
}
