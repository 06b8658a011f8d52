// Package auth checks the bearer credential a socket client presents on connect.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/url"
	"strings"

	"github.com/danmuck/chanctl/internal/protocol"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingToken = errors.New("auth: token missing")
)

// Validator validates a socket token.
type Validator interface {
	Validate(token string) error
}

// Tokens accepts any of a fixed set of tokens. The zero value accepts nothing.
type Tokens []string

func (ts Tokens) Validate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	ok := 0
	for _, t := range ts {
		if t == "" {
			continue
		}
		ok |= subtle.ConstantTimeCompare([]byte(t), []byte(token))
	}
	if ok != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// FromQuery validates the token query parameter of a socket URL.
func FromQuery(v Validator, query url.Values) error {
	return v.Validate(strings.TrimSpace(query.Get(protocol.ParamToken)))
}
