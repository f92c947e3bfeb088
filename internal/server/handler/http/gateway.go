// Package http provides the sandbox gateway's HTTP handlers.
package http

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/atinyakov/shinara-go/internal/codec"
	"github.com/atinyakov/shinara-go/internal/middleware"
	"github.com/atinyakov/shinara-go/internal/models"
	"github.com/atinyakov/shinara-go/internal/service"
	sdk "github.com/atinyakov/shinara-go/pkg/models"
)

// AttributionService defines the operations required by GatewayHandler.
type AttributionService interface {
	middleware.AppResolver
	ValidateKey(ctx context.Context, app *models.App) *sdk.KeyValidationResponse
	ValidateCode(ctx context.Context, app *models.App, code string) (*sdk.CodeValidationResponse, error)
	TrackSession(ctx context.Context, app *models.App, platform string, s sdk.TrackingSession) error
	AppOpen(ctx context.Context, app *models.App, req sdk.AppOpenRequest) error
	RegisterUser(ctx context.Context, app *models.App, platform string, req sdk.UserRegistrationRequest) error
	AttributePurchase(ctx context.Context, app *models.App, platform string, req sdk.PurchaseRequest) (bool, error)
}

// GatewayHandler serves the six SDK routes. Requests must have passed
// middleware.APIKeyAuth.
type GatewayHandler struct {
	Service AttributionService
	Log     *zap.Logger
}

// ValidateKey handles GET /api/key/validate.
func (h *GatewayHandler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	app := middleware.AppFromContext(r.Context())
	writeJSON(w, http.StatusOK, h.Service.ValidateKey(r.Context(), app))
}

// ValidateCode handles POST /api/code/validate.
func (h *GatewayHandler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req sdk.CodeValidationRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.Service.ValidateCode(r.Context(), middleware.AppFromContext(r.Context()), req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TrackSession handles POST /sdknewtrackingsession.
func (h *GatewayHandler) TrackSession(w http.ResponseWriter, r *http.Request) {
	var req sdk.TrackingSession
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.Service.TrackSession(ctx, middleware.AppFromContext(ctx), middleware.PlatformFromContext(ctx), req); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// AppOpen handles POST /appopen.
func (h *GatewayHandler) AppOpen(w http.ResponseWriter, r *http.Request) {
	var req sdk.AppOpenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Service.AppOpen(r.Context(), middleware.AppFromContext(r.Context()), req); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// NewUser handles POST /newuser.
func (h *GatewayHandler) NewUser(w http.ResponseWriter, r *http.Request) {
	var req sdk.UserRegistrationRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.Service.RegisterUser(ctx, middleware.AppFromContext(ctx), middleware.PlatformFromContext(ctx), req); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// Purchase handles POST /iappurchase. A repeated transaction id is answered
// with 200 and not recorded again.
func (h *GatewayHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req sdk.PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	inserted, err := h.Service.AttributePurchase(ctx, middleware.AppFromContext(ctx), middleware.PlatformFromContext(ctx), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !inserted {
		h.logger().Info("duplicate purchase ignored", zap.String("transaction_id", req.TransactionID))
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *GatewayHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownCode):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger().Error("request failed", zap.String("uri", r.RequestURI), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *GatewayHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := codec.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, sdk.ErrorResponse{Error: msg})
}
