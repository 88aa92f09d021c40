package chms

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when a network method is called before
	// Authenticate succeeded.
	ErrNotAuthenticated = errors.New("provider not authenticated")

	// ErrUnknownProvider is returned by the adapter factory.
	ErrUnknownProvider = errors.New("unknown provider")
)

// AuthenticationError is a connection-level failure: rejected credentials,
// an unreachable host, or a malformed base URL. It aborts a sync run.
type AuthenticationError struct {
	Provider ProviderName
	Reason   string
	Err      error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("%s authentication failed", providerLabel(e.Provider))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsAuthenticationError reports whether err is (or wraps) an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, body)
}

func providerLabel(p ProviderName) string {
	switch p {
	case ProviderRock:
		return "Rock"
	case ProviderPlanningCenter:
		return "Planning Center"
	case ProviderCCB:
		return "CCB"
	default:
		return string(p)
	}
}
