// Package shinara is the referral attribution client.
//
// A Client validates an API key, reports one tracking session per
// installation, resolves referral codes from deep links, registers converted
// users and attributes in-app purchases to the stored referral code. Local
// state lives in a storage.Store so that every side effect is sent once even
// across process restarts.
package shinara

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/atinyakov/shinara-go/pkg/device"
	"github.com/atinyakov/shinara-go/pkg/gateway"
	"github.com/atinyakov/shinara-go/pkg/models"
	"github.com/atinyakov/shinara-go/pkg/storage"
	"github.com/atinyakov/shinara-go/pkg/tasks"
)

// ReferralParam is the deep-link query parameter carrying a referral code.
const ReferralParam = "shinara_ref_code"

// bodyPlatform is the "platform" field of registration and purchase bodies.
// The gateway identifies the platform from the X-SDK-Platform header.
const bodyPlatform = ""

// Gateway is the remote attribution service.
type Gateway interface {
	ValidateKey(ctx context.Context) (*models.KeyValidationResponse, error)
	ValidateCode(ctx context.Context, code string) (*models.CodeValidationResponse, error)
	TrackSession(ctx context.Context, s models.TrackingSession) error
	AppOpen(ctx context.Context, req models.AppOpenRequest) error
	RegisterUser(ctx context.Context, req models.UserRegistrationRequest) error
	AttributePurchase(ctx context.Context, req models.PurchaseRequest) error
}

// Client is the attribution client. It is safe for concurrent use.
type Client struct {
	gw     Gateway
	creds  *gateway.Credentials
	store  *storage.Store
	device device.Provider
	runner *tasks.Runner
	log    *zap.Logger
	newID  func() string

	ownsRunner bool
	inflight   singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDevice sets the device metadata provider. Defaults to device.Host().
func WithDevice(p device.Provider) Option {
	return func(c *Client) { c.device = p }
}

// WithRunner sets the runner used for detached work. The caller keeps
// ownership and must close it.
func WithRunner(r *tasks.Runner) Option {
	return func(c *Client) {
		c.runner = r
		c.ownsRunner = false
	}
}

// WithIDGenerator sets how anonymous user ids are minted. Defaults to uuid v4.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// New returns a Client. gw must authenticate with creds, so that
// Initialize can install the API key used by every request.
func New(gw Gateway, creds *gateway.Credentials, store *storage.Store, opts ...Option) *Client {
	c := &Client{
		gw:     gw,
		creds:  creds,
		store:  store,
		device: device.Host(),
		log:    zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		c.runner = tasks.NewRunner(tasks.WithLogger(c.log))
		c.ownsRunner = true
	}
	return c
}

// Initialize stores apiKey, validates it, reports the tracking session if
// that has not happened yet, and sends an app-open event when the gateway
// asks for retention tracking.
//
// Only key validation errors are returned. Setup and app-open failures are
// logged; setup is retried on the next Initialize.
func (c *Client) Initialize(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("initialize: %w: empty API key", ErrConfig)
	}
	c.creds.Set(apiKey)

	resp, err := c.ValidateAPIKey(ctx)
	if err != nil {
		return err
	}

	if err := c.TriggerSetup(ctx); err != nil {
		c.log.Warn("tracking session not reported", zap.Error(err))
	}

	if resp.RetentionEnabled() {
		c.TriggerAppOpen(ctx)
	}

	c.log.Info("shinara client initialized",
		zap.String("app_id", resp.AppID),
		zap.Bool("track_retention", resp.RetentionEnabled()),
	)
	return nil
}

// ValidateAPIKey checks the stored API key with the gateway.
func (c *Client) ValidateAPIKey(ctx context.Context) (*models.KeyValidationResponse, error) {
	resp, err := c.gw.ValidateKey(ctx)
	if err != nil {
		return nil, wrapGateway(ErrAuth, "validate api key", err)
	}
	return resp, nil
}

// ValidateReferralCode resolves code with the gateway and, on success,
// replaces the stored referral record. It returns the program id.
func (c *Client) ValidateReferralCode(ctx context.Context, code string) (string, error) {
	resp, err := c.gw.ValidateCode(ctx, code)
	if err != nil {
		return "", wrapGateway(ErrCodeValidation, "validate referral code", err)
	}
	if resp.ProgramID == "" {
		return "", fmt.Errorf("validate referral code: %w: missing campaign_id", ErrInvalidServerData)
	}

	ref := storage.Referral{Code: code, ProgramID: resp.ProgramID, CodeID: resp.CodeID}
	if err := c.store.SaveReferral(ctx, ref); err != nil {
		return "", fmt.Errorf("validate referral code: save referral: %w", err)
	}

	c.log.Info("referral code validated",
		zap.String("code", code),
		zap.String("program_id", resp.ProgramID),
		zap.String("code_id", resp.CodeID),
	)
	return resp.ProgramID, nil
}

// HandleDeepLink validates the referral code carried by rawURL, if any, in
// the background. It returns immediately; the task is nil when the link
// carries no code. Failures are logged, never returned.
func (c *Client) HandleDeepLink(rawURL string) *tasks.Task {
	code, err := ReferralCodeFromURL(rawURL)
	if err != nil {
		c.log.Debug("ignoring deep link", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	if code == "" {
		return nil
	}

	return c.runner.Go("validate-referral-code", func(ctx context.Context) error {
		_, err := c.ValidateReferralCode(ctx, code)
		return err
	})
}

// ReferralCodeFromURL returns the value of the shinara_ref_code query
// parameter of rawURL, or "" when it is absent or empty.
func ReferralCodeFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Query().Get(ReferralParam), nil
}

// TriggerSetup reports the tracking session once per installation.
// It returns nil without a request once the session has been accepted.
// Concurrent calls share a single request.
func (c *Client) TriggerSetup(ctx context.Context) error {
	return c.shared(ctx, "setup", c.setup)
}

// shared runs fn once for all concurrent callers using key. fn runs on a
// context that keeps ctx's values but not its cancellation, so one caller
// giving up does not fail the others; each caller stops waiting when its own
// ctx is done.
func (c *Client) shared(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ch := c.inflight.DoChan(key, func() (any, error) {
		return nil, fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) setup(ctx context.Context) error {
	if !c.creds.HasKey() {
		return fmt.Errorf("setup: %w: API key is not set", ErrConfig)
	}

	done, err := c.store.SetupCompleted(ctx)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if done {
		return nil
	}

	// A confirmed user is reported under its own id.
	sessionID, _, err := c.store.EnsureAutoUserID(ctx, c.newID)
	if err != nil {
		return fmt.Errorf("setup: user id: %w", err)
	}

	meta := c.device.Metadata()
	session := models.TrackingSession{
		SessionID:        sessionID,
		UserAgent:        meta.UserAgent,
		DeviceModel:      meta.Model,
		OSVersion:        meta.OSVersion,
		ScreenResolution: meta.ScreenResolution,
		Timezone:         meta.Timezone,
		Language:         meta.Language,
	}
	if err := c.gw.TrackSession(ctx, session); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if err := c.store.MarkSetupCompleted(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	c.log.Info("tracking session reported", zap.String("session_id", sessionID))
	return nil
}

// TriggerAppOpen sends an app-open event for the stored referral code in the
// background. It returns nil when there is no referral code id to attribute
// the event to. The event is not deduplicated.
func (c *Client) TriggerAppOpen(ctx context.Context) *tasks.Task {
	codeID, ok, err := c.store.ReferralCodeID(ctx)
	if err != nil {
		c.log.Warn("app open skipped", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	req := models.AppOpenRequest{CodeID: codeID}
	if req.ExternalUserID, _, err = c.store.UserID(ctx); err != nil {
		c.log.Warn("app open skipped", zap.Error(err))
		return nil
	}
	if req.AutoGeneratedUserID, _, err = c.store.AutoUserID(ctx); err != nil {
		c.log.Warn("app open skipped", zap.Error(err))
		return nil
	}

	return c.runner.Go("app-open", func(ctx context.Context) error {
		return c.gw.AppOpen(ctx, req)
	})
}

// UserOption adds optional profile fields to a registration.
type UserOption func(*models.ConversionUser)

// WithEmail sets the user's email.
func WithEmail(email string) UserOption {
	return func(u *models.ConversionUser) { u.Email = email }
}

// WithName sets the user's display name.
func WithName(name string) UserOption {
	return func(u *models.ConversionUser) { u.Name = name }
}

// WithPhone sets the user's phone number.
func WithPhone(phone string) UserOption {
	return func(u *models.ConversionUser) { u.Phone = phone }
}

// RegisterUser registers userID as converted through the stored referral
// code. Registering an id that was already registered is a no-op. On success
// userID becomes the confirmed user id and replaces the anonymous id.
func (c *Client) RegisterUser(ctx context.Context, userID string, opts ...UserOption) error {
	if !c.creds.HasKey() {
		return fmt.Errorf("register user: %w: API key is not set", ErrConfig)
	}
	if userID == "" {
		return fmt.Errorf("register user: %w: empty user id", ErrRegistration)
	}

	return c.shared(ctx, "user:"+userID, func(ctx context.Context) error {
		return c.registerUser(ctx, userID, opts)
	})
}

func (c *Client) registerUser(ctx context.Context, userID string, opts []UserOption) error {
	ref, ok, err := c.store.Referral(ctx)
	if err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	if !ok {
		return fmt.Errorf("register user: %w", ErrNoReferralCode)
	}

	registered, err := c.store.IsUserRegistered(ctx, userID)
	if err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	if registered {
		return nil
	}

	user := models.ConversionUser{ExternalUserID: userID}
	for _, opt := range opts {
		opt(&user)
	}
	if user.AutoGeneratedUserID, _, err = c.store.AutoUserID(ctx); err != nil {
		return fmt.Errorf("register user: %w", err)
	}

	req := models.UserRegistrationRequest{
		Code:           ref.Code,
		Platform:       bodyPlatform,
		ConversionUser: user,
		CodeID:         ref.CodeID,
	}
	if err := c.gw.RegisterUser(ctx, req); err != nil {
		return wrapGateway(ErrRegistration, "register user", err)
	}

	if err := c.store.ConfirmUser(ctx, userID); err != nil {
		return fmt.Errorf("register user: confirm: %w", err)
	}
	c.log.Info("user registered", zap.String("user_id", userID), zap.String("code", ref.Code))
	return nil
}

// AttributePurchase attributes a purchase to the stored referral code.
// Without an API key or a referral code it does nothing. A transaction that
// was already attributed is not sent again.
func (c *Client) AttributePurchase(ctx context.Context, productID, transactionID, token string) error {
	if !c.creds.HasKey() {
		c.log.Debug("purchase not attributed: API key is not set", zap.String("transaction_id", transactionID))
		return nil
	}

	return c.shared(ctx, "tx:"+transactionID, func(ctx context.Context) error {
		return c.attributePurchase(ctx, productID, transactionID, token)
	})
}

func (c *Client) attributePurchase(ctx context.Context, productID, transactionID, token string) error {
	ref, ok, err := c.store.Referral(ctx)
	if err != nil {
		return fmt.Errorf("attribute purchase: %w", err)
	}
	if !ok {
		c.log.Debug("purchase not attributed: no referral code", zap.String("transaction_id", transactionID))
		return nil
	}

	processed, err := c.store.IsTransactionProcessed(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("attribute purchase: %w", err)
	}
	if processed {
		return nil
	}

	req := models.PurchaseRequest{
		ProductID:     productID,
		TransactionID: transactionID,
		Code:          ref.Code,
		Platform:      bodyPlatform,
		Token:         token,
		CodeID:        ref.CodeID,
	}
	userID, confirmed, err := c.store.EnsureAutoUserID(ctx, c.newID)
	if err != nil {
		return fmt.Errorf("attribute purchase: user id: %w", err)
	}
	if confirmed {
		req.ExternalUserID = userID
	} else {
		req.AutoGeneratedUserID = userID
	}

	if err := c.gw.AttributePurchase(ctx, req); err != nil {
		return wrapGateway(ErrAttribution, "attribute purchase", err)
	}

	if err := c.store.MarkTransactionProcessed(ctx, transactionID); err != nil {
		return fmt.Errorf("attribute purchase: record transaction: %w", err)
	}
	c.log.Info("purchase attributed",
		zap.String("transaction_id", transactionID),
		zap.String("product_id", productID),
	)
	return nil
}

// ReferralCode returns the stored referral code.
func (c *Client) ReferralCode(ctx context.Context) (string, bool, error) {
	return c.store.ReferralCode(ctx)
}

// ProgramID returns the program id of the stored referral code.
func (c *Client) ProgramID(ctx context.Context) (string, bool, error) {
	return c.store.ProgramID(ctx)
}

// ReferralCodeID returns the affiliate code id of the stored referral code.
func (c *Client) ReferralCodeID(ctx context.Context) (string, bool, error) {
	return c.store.ReferralCodeID(ctx)
}

// UserID returns the confirmed user id.
func (c *Client) UserID(ctx context.Context) (string, bool, error) {
	return c.store.UserID(ctx)
}

// AutoUserID returns the anonymous user id, if one is active.
func (c *Client) AutoUserID(ctx context.Context) (string, bool, error) {
	return c.store.AutoUserID(ctx)
}

// Wait blocks until all background work submitted so far has finished.
func (c *Client) Wait() {
	c.runner.Wait()
}

// Close waits for background work and releases the runner if the client
// created it. The store is left open.
func (c *Client) Close() {
	c.runner.Wait()
	if c.ownsRunner {
		c.runner.Close()
	}
}
