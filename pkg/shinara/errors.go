package shinara

import (
	"errors"
	"fmt"

	"github.com/atinyakov/shinara-go/pkg/gateway"
)

var (
	// ErrConfig means the client is not configured, typically no API key.
	ErrConfig = errors.New("shinara: client not configured")
	// ErrAuth means the API key could not be validated.
	ErrAuth = errors.New("shinara: API key validation failed")
	// ErrProtocol means the gateway answered 2xx with an empty or undecodable body.
	ErrProtocol = errors.New("shinara: unexpected response from gateway")
	// ErrInvalidServerData means a successful response lacked a required field.
	ErrInvalidServerData = errors.New("shinara: invalid data from gateway")
	// ErrNoReferralCode means the operation needs a referral record and none exists.
	ErrNoReferralCode = errors.New("shinara: no stored referral code")
	// ErrCodeValidation means the gateway rejected a referral code.
	ErrCodeValidation = errors.New("shinara: referral code validation failed")
	// ErrRegistration means the gateway rejected a user registration.
	ErrRegistration = errors.New("shinara: user registration failed")
	// ErrAttribution means the gateway rejected a purchase attribution.
	ErrAttribution = errors.New("shinara: purchase attribution failed")
)

// wrapGateway tags a gateway error with kind, except for the failures that
// have their own category regardless of the operation.
func wrapGateway(kind error, op string, err error) error {
	switch {
	case errors.Is(err, gateway.ErrNoAPIKey):
		kind = ErrConfig
	case errors.Is(err, gateway.ErrEmptyBody), errors.Is(err, gateway.ErrMalformedBody):
		kind = ErrProtocol
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
