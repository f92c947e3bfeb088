// Package repository provides the Postgres persistence of the sandbox
// gateway.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/atinyakov/shinara-go/internal/models"
	sdk "github.com/atinyakov/shinara-go/pkg/models"
)

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

// PostgresAttributionRepository stores apps, codes and attribution events
// in PostgreSQL.
type PostgresAttributionRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
	// NewID mints app-open event ids. Defaults to uuid.NewString.
	NewID func() string
}

// NewPostgresAttributionRepository creates a repository over db.
func NewPostgresAttributionRepository(db *sql.DB) *PostgresAttributionRepository {
	return &PostgresAttributionRepository{DB: db, NewID: uuid.NewString}
}

// SeedApp inserts or updates app together with its codes in one transaction.
func (r *PostgresAttributionRepository) SeedApp(ctx context.Context, app models.App) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO apps (id, api_key, track_retention) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			track_retention = EXCLUDED.track_retention
	`, app.ID, app.APIKey, app.TrackRetention)
	if err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}

	for _, c := range app.Codes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO codes (app_id, code, campaign_id, affiliate_code_id) VALUES ($1, $2, $3, $4)
			ON CONFLICT (app_id, code) DO UPDATE SET
				campaign_id = EXCLUDED.campaign_id,
				affiliate_code_id = EXCLUDED.affiliate_code_id
		`, app.ID, c.Code, c.CampaignID, c.ID)
		if err != nil {
			return fmt.Errorf("upsert code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppByKey returns the app owning apiKey, or models.ErrNotFound.
func (r *PostgresAttributionRepository) AppByKey(ctx context.Context, apiKey string) (*models.App, error) {
	var app models.App
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, api_key, track_retention FROM apps WHERE api_key = $1
	`, apiKey).Scan(&app.ID, &app.APIKey, &app.TrackRetention)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("AppByKey: %w", err)
	}
	return &app, nil
}

// CodeByValue returns the referral code of appID, or models.ErrNotFound.
func (r *PostgresAttributionRepository) CodeByValue(ctx context.Context, appID, code string) (*models.Code, error) {
	var c models.Code
	err := r.DB.QueryRowContext(ctx, `
		SELECT code, campaign_id, affiliate_code_id FROM codes WHERE app_id = $1 AND code = $2
	`, appID, code).Scan(&c.Code, &c.CampaignID, &c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("CodeByValue: %w", err)
	}
	return &c, nil
}

// UpsertSession records a tracking session, replacing the device metadata
// of a session id seen before.
func (r *PostgresAttributionRepository) UpsertSession(ctx context.Context, appID, platform string, s sdk.TrackingSession) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO sessions (app_id, session_id, platform, user_agent, device_model, os_version, screen_resolution, timezone, language)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_id, session_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			user_agent = EXCLUDED.user_agent,
			device_model = EXCLUDED.device_model,
			os_version = EXCLUDED.os_version,
			screen_resolution = EXCLUDED.screen_resolution,
			timezone = EXCLUDED.timezone,
			language = EXCLUDED.language
	`, appID, s.SessionID, platform, s.UserAgent, s.DeviceModel, s.OSVersion, s.ScreenResolution, s.Timezone, s.Language)
	if err != nil {
		return fmt.Errorf("UpsertSession: %w", err)
	}
	return nil
}

// InsertAppOpen records an app-open event.
func (r *PostgresAttributionRepository) InsertAppOpen(ctx context.Context, appID string, req sdk.AppOpenRequest) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO app_opens (id, app_id, affiliate_code_id, external_user_id, auto_generated_user_id)
		VALUES ($1, $2, $3, $4, $5)
	`, r.NewID(), appID, req.CodeID, req.ExternalUserID, req.AutoGeneratedUserID)
	if err != nil {
		return fmt.Errorf("InsertAppOpen: %w", err)
	}
	return nil
}

// UpsertConversion records a converted user. A repeated registration of the
// same external user id updates the profile fields.
func (r *PostgresAttributionRepository) UpsertConversion(ctx context.Context, appID, platform string, req sdk.UserRegistrationRequest) error {
	u := req.ConversionUser
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO conversions (app_id, external_user_id, code, affiliate_code_id, platform, name, email, phone, auto_generated_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_id, external_user_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone
	`, appID, u.ExternalUserID, req.Code, req.CodeID, platform, u.Name, u.Email, u.Phone, u.AutoGeneratedUserID)
	if err != nil {
		return fmt.Errorf("UpsertConversion: %w", err)
	}
	return nil
}

// InsertPurchase records an attributed purchase. It reports false without an
// error when the transaction id was already recorded for the app.
func (r *PostgresAttributionRepository) InsertPurchase(ctx context.Context, appID, platform string, req sdk.PurchaseRequest) (bool, error) {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO purchases (app_id, transaction_id, product_id, code, affiliate_code_id, platform, token, external_user_id, auto_generated_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, appID, req.TransactionID, req.ProductID, req.Code, req.CodeID, platform, req.Token, req.ExternalUserID, req.AutoGeneratedUserID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("InsertPurchase: %w", err)
	}
	return true, nil
}
