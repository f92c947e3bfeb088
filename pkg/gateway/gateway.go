// Package gateway issues the SDK's requests to the attribution gateway.
//
// Every request carries the X-API-Key and X-SDK-Platform headers. Calls made
// without an API key fail before anything is sent.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/atinyakov/shinara-go/internal/codec"
	"github.com/atinyakov/shinara-go/internal/metrics"
	"github.com/atinyakov/shinara-go/pkg/models"
)

// DefaultBaseURL is the production attribution gateway.
const DefaultBaseURL = "https://sdk-gateway-b85kv8d1.ue.gateway.dev"

// Header names and the default platform identifier.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderPlatform  = "X-SDK-Platform"
	DefaultPlatform = "go"
)

// Endpoint paths.
const (
	PathValidateKey   = "/api/key/validate"
	PathValidateCode  = "/api/code/validate"
	PathTrackSession  = "/sdknewtrackingsession"
	PathAppOpen       = "/appopen"
	PathNewUser       = "/newuser"
	PathInAppPurchase = "/iappurchase"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 1 << 20

// Gateway is the HTTP client for the six gateway routes.
type Gateway struct {
	baseURL  string
	client   *http.Client
	creds    *Credentials
	platform string
	log      *zap.Logger
	breaker  *gobreaker.CircuitBreaker
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBaseURL points the gateway at another deployment, such as the sandbox.
func WithBaseURL(u string) Option {
	return func(g *Gateway) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client. Defaults to one with DefaultTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithPlatform sets the X-SDK-Platform header value.
func WithPlatform(p string) Option {
	return func(g *Gateway) { g.platform = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithCircuitBreaker makes the gateway fail fast with gobreaker.ErrOpenState
// after consecutive transport failures or 5xx responses. It never retries.
func WithCircuitBreaker(st gobreaker.Settings) Option {
	return func(g *Gateway) {
		if st.Name == "" {
			st.Name = "shinara-gateway"
		}
		if st.IsSuccessful == nil {
			st.IsSuccessful = isBreakerSuccess
		}
		g.breaker = gobreaker.NewCircuitBreaker(st)
	}
}

// New returns a Gateway authenticating with creds.
func New(creds *Credentials, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:  DefaultBaseURL,
		client:   &http.Client{Timeout: DefaultTimeout},
		creds:    creds,
		platform: DefaultPlatform,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Credentials returns the credentials the gateway authenticates with.
func (g *Gateway) Credentials() *Credentials { return g.creds }

// ValidateKey calls GET /api/key/validate. A 2xx body without app_id is
// reported as ErrMalformedBody.
func (g *Gateway) ValidateKey(ctx context.Context) (*models.KeyValidationResponse, error) {
	var out models.KeyValidationResponse
	if err := g.do(ctx, http.MethodGet, PathValidateKey, nil, &out); err != nil {
		return nil, err
	}
	if out.AppID == "" {
		return nil, fmt.Errorf("%s: %w: missing app_id", PathValidateKey, ErrMalformedBody)
	}
	return &out, nil
}

// ValidateCode calls POST /api/code/validate.
func (g *Gateway) ValidateCode(ctx context.Context, code string) (*models.CodeValidationResponse, error) {
	var out models.CodeValidationResponse
	if err := g.do(ctx, http.MethodPost, PathValidateCode, models.CodeValidationRequest{Code: code}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrackSession calls POST /sdknewtrackingsession.
func (g *Gateway) TrackSession(ctx context.Context, s models.TrackingSession) error {
	return g.do(ctx, http.MethodPost, PathTrackSession, s, nil)
}

// AppOpen calls POST /appopen.
func (g *Gateway) AppOpen(ctx context.Context, req models.AppOpenRequest) error {
	return g.do(ctx, http.MethodPost, PathAppOpen, req, nil)
}

// RegisterUser calls POST /newuser.
func (g *Gateway) RegisterUser(ctx context.Context, req models.UserRegistrationRequest) error {
	return g.do(ctx, http.MethodPost, PathNewUser, req, nil)
}

// AttributePurchase calls POST /iappurchase.
func (g *Gateway) AttributePurchase(ctx context.Context, req models.PurchaseRequest) error {
	return g.do(ctx, http.MethodPost, PathInAppPurchase, req, nil)
}

type rawResponse struct {
	status int
	body   []byte
}

func (g *Gateway) do(ctx context.Context, method, endpoint string, in, out any) error {
	key, err := g.creds.Key()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := codec.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", endpoint, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set(HeaderAPIKey, key)
	req.Header.Set(HeaderPlatform, g.platform)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.roundTrip(req, endpoint)
	elapsed := time.Since(start)
	if err != nil {
		outcome := metrics.OutcomeTransport
		var se *StatusError
		switch {
		case errors.As(err, &se):
			outcome = metrics.OutcomeRejected
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			outcome = metrics.OutcomeOpen
		}
		metrics.ObserveGateway(endpoint, outcome, elapsed)
		g.log.Debug("gateway request failed",
			zap.String("endpoint", endpoint),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return err
	}
	metrics.ObserveGateway(endpoint, metrics.OutcomeSuccess, elapsed)
	g.log.Debug("gateway request",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.status),
		zap.Duration("elapsed", elapsed),
	)

	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(resp.body)) == 0 {
		return fmt.Errorf("%s: %w", endpoint, ErrEmptyBody)
	}
	if err := codec.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%s: %w: %v", endpoint, ErrMalformedBody, err)
	}
	return nil
}

// roundTrip sends req through the breaker when one is configured. Non-2xx
// responses come back as *StatusError.
func (g *Gateway) roundTrip(req *http.Request, endpoint string) (*rawResponse, error) {
	send := func() (*rawResponse, error) {
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: request failed: %w", endpoint, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("%s: read response: %w", endpoint, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(truncate(string(data), 256)),
			}
		}
		return &rawResponse{status: resp.StatusCode, body: data}, nil
	}

	if g.breaker == nil {
		return send()
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return send()
	})
	if err != nil {
		return nil, err
	}
	return res.(*rawResponse), nil
}

// isBreakerSuccess treats client errors as successful round trips: a 4xx
// says the gateway is up.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
