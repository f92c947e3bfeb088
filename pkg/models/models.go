// Package models defines the request and response bodies exchanged with the
// attribution gateway.
package models

// KeyValidationResponse is returned by GET /api/key/validate.
type KeyValidationResponse struct {
	// AppID identifies the application the API key belongs to.
	AppID string `json:"app_id"`
	// TrackRetention enables app-open events. Nil means the gateway did not say.
	TrackRetention *bool `json:"track_retention,omitempty"`
}

// RetentionEnabled reports whether the gateway explicitly asked for app-open events.
func (r *KeyValidationResponse) RetentionEnabled() bool {
	return r != nil && r.TrackRetention != nil && *r.TrackRetention
}

// CodeValidationRequest is the body of POST /api/code/validate.
type CodeValidationRequest struct {
	Code string `json:"code"`
}

// CodeValidationResponse is returned by POST /api/code/validate.
type CodeValidationResponse struct {
	// ProgramID is the campaign the code belongs to. Required on success.
	ProgramID string `json:"campaign_id,omitempty"`
	// CodeID is the affiliate code identifier, optional.
	CodeID string `json:"affiliate_code_id,omitempty"`
}

// TrackingSession is the body of POST /sdknewtrackingsession.
type TrackingSession struct {
	SessionID        string `json:"session_id"`
	UserAgent        string `json:"user_agent"`
	DeviceModel      string `json:"device_model"`
	OSVersion        string `json:"os_version"`
	ScreenResolution string `json:"screen_resolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language,omitempty"`
}

// AppOpenRequest is the body of POST /appopen.
type AppOpenRequest struct {
	CodeID              string `json:"affiliate_code_id"`
	ExternalUserID      string `json:"external_user_id,omitempty"`
	AutoGeneratedUserID string `json:"auto_generated_external_user_id,omitempty"`
}

// ConversionUser describes the converted user inside a registration request.
type ConversionUser struct {
	ExternalUserID      string `json:"external_user_id"`
	Name                string `json:"name,omitempty"`
	Email               string `json:"email,omitempty"`
	Phone               string `json:"phone,omitempty"`
	AutoGeneratedUserID string `json:"auto_generated_external_user_id,omitempty"`
}

// UserRegistrationRequest is the body of POST /newuser.
type UserRegistrationRequest struct {
	Code           string         `json:"code"`
	Platform       string         `json:"platform"`
	ConversionUser ConversionUser `json:"conversion_user"`
	CodeID         string         `json:"affiliate_code_id,omitempty"`
}

// PurchaseRequest is the body of POST /iappurchase.
type PurchaseRequest struct {
	ProductID           string `json:"product_id"`
	TransactionID       string `json:"transaction_id"`
	Code                string `json:"code"`
	Platform            string `json:"platform"`
	Token               string `json:"token,omitempty"`
	CodeID              string `json:"affiliate_code_id,omitempty"`
	ExternalUserID      string `json:"external_user_id,omitempty"`
	AutoGeneratedUserID string `json:"auto_generated_external_user_id,omitempty"`
}

// ErrorResponse is written by the sandbox gateway on failures.
type ErrorResponse struct {
	Error string `json:"error"`
}
