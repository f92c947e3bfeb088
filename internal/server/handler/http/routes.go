package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/shinara-go/internal/middleware"
	"github.com/atinyakov/shinara-go/pkg/gateway"
)

// NewRouter returns the sandbox gateway handler.
//
// Routes:
//
//	GET  /api/key/validate      → h.ValidateKey
//	POST /api/code/validate     → h.ValidateCode
//	POST /sdknewtrackingsession → h.TrackSession
//	POST /appopen               → h.AppOpen
//	POST /newuser               → h.NewUser
//	POST /iappurchase           → h.Purchase
//	GET  /metrics               → metricsHandler, when not nil
//
// Every SDK route goes through WithRequestLogging and APIKeyAuth; POST
// routes only accept application/json bodies.
func NewRouter(h *GatewayHandler, metricsHandler http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger))

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(h.Service))

		r.Get(gateway.PathValidateKey, h.ValidateKey)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.AllowContentType("application/json"))

			r.Post(gateway.PathValidateCode, h.ValidateCode)
			r.Post(gateway.PathTrackSession, h.TrackSession)
			r.Post(gateway.PathAppOpen, h.AppOpen)
			r.Post(gateway.PathNewUser, h.NewUser)
			r.Post(gateway.PathInAppPurchase, h.Purchase)
		})
	})

	return r
}
