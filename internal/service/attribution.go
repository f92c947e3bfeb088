// Package service implements the sandbox gateway's attribution logic,
// delegating persistence to an AttributionRepository.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/shinara-go/internal/models"
	sdk "github.com/atinyakov/shinara-go/pkg/models"
)

var (
	// ErrUnknownCode means the referral code is not registered for the app.
	ErrUnknownCode = errors.New("unknown referral code")
	// ErrInvalidRequest means a required field is missing.
	ErrInvalidRequest = errors.New("invalid request")
)

// AttributionRepository defines the persistence operations required by
// AttributionService.
type AttributionRepository interface {
	SeedApp(ctx context.Context, app models.App) error
	// AppByKey returns models.ErrNotFound for unknown keys.
	AppByKey(ctx context.Context, apiKey string) (*models.App, error)
	// CodeByValue returns models.ErrNotFound for unknown codes.
	CodeByValue(ctx context.Context, appID, code string) (*models.Code, error)
	UpsertSession(ctx context.Context, appID, platform string, s sdk.TrackingSession) error
	InsertAppOpen(ctx context.Context, appID string, req sdk.AppOpenRequest) error
	UpsertConversion(ctx context.Context, appID, platform string, req sdk.UserRegistrationRequest) error
	// InsertPurchase reports false when the transaction was already recorded.
	InsertPurchase(ctx context.Context, appID, platform string, req sdk.PurchaseRequest) (bool, error)
}

// AttributionService validates and records the events SDKs report.
type AttributionService struct {
	repo AttributionRepository
}

// NewAttributionService constructs an AttributionService over repo.
func NewAttributionService(repo AttributionRepository) *AttributionService {
	return &AttributionService{repo: repo}
}

// Seed registers apps and their codes.
func (s *AttributionService) Seed(ctx context.Context, apps []models.App) error {
	for _, app := range apps {
		if app.ID == "" || app.APIKey == "" {
			return fmt.Errorf("seed: %w: app_id and api_key are required", ErrInvalidRequest)
		}
		if err := s.repo.SeedApp(ctx, app); err != nil {
			return fmt.Errorf("seed %s: %w", app.ID, err)
		}
	}
	return nil
}

// Authenticate resolves apiKey to its app. Unknown keys yield
// models.ErrUnauthorized.
func (s *AttributionService) Authenticate(ctx context.Context, apiKey string) (*models.App, error) {
	if apiKey == "" {
		return nil, models.ErrUnauthorized
	}
	app, err := s.repo.AppByKey(ctx, apiKey)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrUnauthorized
	}
	return app, err
}

// ValidateKey describes app the way GET /api/key/validate reports it.
func (s *AttributionService) ValidateKey(_ context.Context, app *models.App) *sdk.KeyValidationResponse {
	retention := app.TrackRetention
	return &sdk.KeyValidationResponse{AppID: app.ID, TrackRetention: &retention}
}

// ValidateCode resolves a referral code of app.
func (s *AttributionService) ValidateCode(ctx context.Context, app *models.App, code string) (*sdk.CodeValidationResponse, error) {
	c, err := s.lookupCode(ctx, app.ID, code)
	if err != nil {
		return nil, err
	}
	return &sdk.CodeValidationResponse{ProgramID: c.CampaignID, CodeID: c.ID}, nil
}

// TrackSession records a tracking session.
func (s *AttributionService) TrackSession(ctx context.Context, app *models.App, platform string, session sdk.TrackingSession) error {
	if session.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	return s.repo.UpsertSession(ctx, app.ID, platform, session)
}

// AppOpen records an app-open event. Apps without retention tracking accept
// and drop it.
func (s *AttributionService) AppOpen(ctx context.Context, app *models.App, req sdk.AppOpenRequest) error {
	if req.CodeID == "" {
		return fmt.Errorf("%w: affiliate_code_id is required", ErrInvalidRequest)
	}
	if !app.TrackRetention {
		return nil
	}
	return s.repo.InsertAppOpen(ctx, app.ID, req)
}

// RegisterUser records a converted user. The platform comes from the SDK
// header when the body leaves it empty.
func (s *AttributionService) RegisterUser(ctx context.Context, app *models.App, platform string, req sdk.UserRegistrationRequest) error {
	if req.ConversionUser.ExternalUserID == "" {
		return fmt.Errorf("%w: conversion_user.external_user_id is required", ErrInvalidRequest)
	}
	if _, err := s.lookupCode(ctx, app.ID, req.Code); err != nil {
		return err
	}
	return s.repo.UpsertConversion(ctx, app.ID, platformOf(req.Platform, platform), req)
}

// AttributePurchase records a purchase. It reports false for a transaction
// that was already recorded; that is not an error.
func (s *AttributionService) AttributePurchase(ctx context.Context, app *models.App, platform string, req sdk.PurchaseRequest) (bool, error) {
	if req.TransactionID == "" || req.ProductID == "" {
		return false, fmt.Errorf("%w: product_id and transaction_id are required", ErrInvalidRequest)
	}
	if req.ExternalUserID == "" && req.AutoGeneratedUserID == "" {
		return false, fmt.Errorf("%w: a user id is required", ErrInvalidRequest)
	}
	if _, err := s.lookupCode(ctx, app.ID, req.Code); err != nil {
		return false, err
	}
	return s.repo.InsertPurchase(ctx, app.ID, platformOf(req.Platform, platform), req)
}

func (s *AttributionService) lookupCode(ctx context.Context, appID, code string) (*models.Code, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	c, err := s.repo.CodeByValue(ctx, appID, code)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}
	return c, err
}

func platformOf(body, header string) string {
	if body != "" {
		return body
	}
	return header
}
