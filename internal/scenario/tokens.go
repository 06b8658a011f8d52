package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	ErrTokensNotFound = errors.New("scenario: tokens file not found")
	ErrTokenMissing   = errors.New("scenario: userB.token missing from tokens file")
)

// Credential is one user's bearer token and id from the credential bundle.
type Credential struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Tokens is the credential bundle written by the e2e seeding step. Only userB
// connects; userA is the sender driven by the harness.
type Tokens struct {
	UserA Credential `json:"userA"`
	UserB Credential `json:"userB"`
}

func LoadTokens(path string) (Tokens, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tokens{}, fmt.Errorf("%w: %s", ErrTokensNotFound, path)
		}
		return Tokens{}, fmt.Errorf("scenario: read tokens: %w", err)
	}
	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("scenario: parse tokens %s: %w", path, err)
	}
	if tokens.UserB.Token == "" {
		return Tokens{}, ErrTokenMissing
	}
	return tokens, nil
}
