package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/chanctl/internal/protocol"
)

var (
	ErrEndpointRequired = errors.New("session: endpoint url required")
	ErrInvalidScheme    = errors.New("session: endpoint scheme must be ws or wss")
)

// Endpoint appends the credential and serializer version to base.
// Existing query parameters are preserved.
func Endpoint(base, token string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", ErrEndpointRequired
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("session: parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}
	q := u.Query()
	q.Set(protocol.ParamToken, token)
	q.Set(protocol.ParamVersion, protocol.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Redact returns rawURL with the credential replaced, for logging.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has(protocol.ParamToken) {
		q.Set(protocol.ParamToken, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
