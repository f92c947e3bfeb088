// Package middleware provides the sandbox gateway's HTTP middlewares for
// API-key authentication and request logging.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/atinyakov/shinara-go/internal/models"
	"github.com/atinyakov/shinara-go/pkg/gateway"
)

type ctxKey string

const (
	appKey      ctxKey = "app"
	platformKey ctxKey = "platform"
)

// AppResolver maps an API key to its app. Keys matching no app yield
// models.ErrUnauthorized.
type AppResolver interface {
	Authenticate(ctx context.Context, apiKey string) (*models.App, error)
}

// APIKeyAuth authenticates every request by its X-API-Key header and
// requires the X-SDK-Platform header.
//
// Unknown keys get 401, a missing platform header gets 400. On success the
// app and the platform are stored in the request context.
func APIKeyAuth(resolver AppResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(gateway.HeaderAPIKey)
			if key == "" {
				http.Error(w, "missing API key", http.StatusUnauthorized)
				return
			}

			app, err := resolver.Authenticate(r.Context(), key)
			if err != nil {
				if errors.Is(err, models.ErrUnauthorized) {
					http.Error(w, "invalid API key", http.StatusUnauthorized)
					return
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			platform := r.Header.Get(gateway.HeaderPlatform)
			if platform == "" {
				http.Error(w, "missing "+gateway.HeaderPlatform+" header", http.StatusBadRequest)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithApp(r.Context(), app, platform)))
		})
	}
}

// AppFromContext returns the authenticated app, or nil.
func AppFromContext(ctx context.Context) *models.App {
	app, _ := ctx.Value(appKey).(*models.App)
	return app
}

// PlatformFromContext returns the X-SDK-Platform value of the request.
func PlatformFromContext(ctx context.Context) string {
	p, _ := ctx.Value(platformKey).(string)
	return p
}

// WithApp returns a copy of ctx carrying app and platform, as APIKeyAuth
// stores them.
func WithApp(ctx context.Context, app *models.App, platform string) context.Context {
	ctx = context.WithValue(ctx, appKey, app)
	return context.WithValue(ctx, platformKey, platform)
}
