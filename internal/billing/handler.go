package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	errors "github.com/creatorhub/membership-billing/internal"
	"github.com/creatorhub/membership-billing/internal/metrics"
	"github.com/creatorhub/membership-billing/internal/transport"
)

// ServiceAPI is the orchestrator surface the HTTP layer depends on.
type ServiceAPI interface {
	Initiate(ctx context.Context, req *UpgradeRequest) (*UpgradeResponse, error)
	Status(ctx context.Context, transactionID string, userID int64) (*TransactionView, error)
}

type Handler struct {
	transport.BaseHandler
	Service ServiceAPI
	Logger  *slog.Logger
}

func NewHandler(service ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: *transport.NewBaseHandler(logger),
		Service:     service,
		Logger:      logger,
	}
}

// InitiateUpgrade handles POST /api/v1/billing/upgrades
func (h *Handler) InitiateUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := errors.UserIDFromContext(r.Context())
	if !ok {
		h.Logger.Error("InitiateUpgrade: user not found in context")
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return
	}

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("InitiateUpgrade: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	req.UserID = userID
	req.RequestIP = clientIP(r)
	req.UserAgent = r.UserAgent()

	resp, err := h.Service.Initiate(r.Context(), &req)
	if err != nil {
		h.Logger.Error("InitiateUpgrade: service error",
			"error", err,
			"user_id", userID,
			"target_tier", req.TargetTier)
		metrics.UpgradesInitiated.WithLabelValues(req.PaymentMethod, "error").Inc()
		h.HandleServiceError(w, err)
		return
	}

	metrics.UpgradesInitiated.WithLabelValues(req.PaymentMethod, "accepted").Inc()
	h.WriteJSON(w, http.StatusAccepted, resp)
}

// GetUpgradeStatus handles GET /api/v1/billing/upgrades/{transactionID}
func (h *Handler) GetUpgradeStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := errors.UserIDFromContext(r.Context())
	if !ok {
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return
	}

	transactionID := chi.URLParam(r, "transactionID")
	if transactionID == "" {
		h.HandleError(w, errors.NewValidationError("transaction id is required", errors.ErrCodeValidationFailed))
		return
	}

	view, err := h.Service.Status(r.Context(), transactionID, userID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, view)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
