package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotFound = errors.New("payment not found at gateway")
	ErrUnknownGateway  = errors.New("unknown gateway")
	ErrMalformed       = errors.New("malformed gateway payload")
)

type AuthenticationError struct {
	Gateway string
	Reason  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Gateway, e.Reason)
}

// UpstreamError is a non-success HTTP reply from a provider API.
type UpstreamError struct {
	Gateway    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream returned status %d", e.Gateway, e.StatusCode)
}

func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
