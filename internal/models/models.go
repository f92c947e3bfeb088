// Package models defines the records kept by the sandbox gateway.
package models

import "errors"

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means an API key matches no app.
	ErrUnauthorized = errors.New("unknown API key")
)

// App is an application registered with the sandbox gateway.
type App struct {
	// ID is returned to SDKs as app_id.
	ID string `json:"app_id"`
	// APIKey authenticates every request of the app.
	APIKey string `json:"api_key"`
	// TrackRetention asks SDKs to send app-open events.
	TrackRetention bool `json:"track_retention"`
	// Codes are the referral codes seeded for the app.
	Codes []Code `json:"codes,omitempty"`
}

// Code is a referral code belonging to a campaign.
type Code struct {
	Code       string `json:"code"`
	CampaignID string `json:"campaign_id"`
	// ID is the affiliate code id. Optional.
	ID string `json:"affiliate_code_id,omitempty"`
}
