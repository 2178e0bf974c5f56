// Package auth provides bearer-token authentication for MCP transports.
// Transports call a TokenValidator before dispatching a request; a failed
// validation produces an Unauthorized protocol error without ever reaching
// a handler.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrInvalidToken is returned when a presented token is not accepted.
var ErrInvalidToken = errors.New("invalid bearer token")

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// TokenValidator checks a bearer token extracted from a request. Validate
// returns nil when the token is accepted.
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// ValidatorFunc adapts a function to the TokenValidator interface.
type ValidatorFunc func(ctx context.Context, token string) error

// Validate calls the wrapped function.
func (f ValidatorFunc) Validate(ctx context.Context, token string) error {
	return f(ctx, token)
}

// StaticTokenValidator accepts a fixed set of tokens. Comparison is
// constant-time per candidate.
type StaticTokenValidator struct {
	tokens [][]byte
}

// NewStaticTokenValidator creates a validator accepting exactly the given
// tokens.
func NewStaticTokenValidator(tokens ...string) *StaticTokenValidator {
	v := &StaticTokenValidator{tokens: make([][]byte, 0, len(tokens))}
	for _, t := range tokens {
		v.tokens = append(v.tokens, []byte(t))
	}
	return v
}

// Validate checks the token against the accepted set.
func (v *StaticTokenValidator) Validate(_ context.Context, token string) error {
	if token == "" {
		return ErrMissingToken
	}

	candidate := []byte(token)
	for _, accepted := range v.tokens {
		if subtle.ConstantTimeCompare(candidate, accepted) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}
