// Package auth validates the JWT bearer tokens clients present when opening
// and refreshing signaling connections. Symmetric (HS256) tokens are checked
// against a shared secret; asymmetric (RS256) tokens against the issuer's
// published key set.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Leeway tolerated on exp/nbf/iat checks, covering clock skew between the
// relay and the token issuer.
const Leeway = 60 * time.Second

// ErrorKind classifies why a token was rejected.
type ErrorKind string

const (
	KindMalformed            ErrorKind = "malformed"
	KindExpired              ErrorKind = "expired"
	KindBadSignature         ErrorKind = "bad_signature"
	KindUnknownKey           ErrorKind = "unknown_key"
	KindUnsupportedAlgorithm ErrorKind = "unsupported_algorithm"
	KindAudienceMismatch     ErrorKind = "audience_mismatch"
)

// Error is a classified token rejection.
type Error struct {
	Kind ErrorKind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("invalid token: %s", e.Kind)
	}
	return fmt.Sprintf("invalid token (%s): %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Claims are the token claims the relay cares about.
type Claims struct {
	jwt.RegisteredClaims

	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Email     string `json:"email,omitempty"`
}

// UserID is the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// KeyLookup resolves an RS256 verification key by key ID.
type KeyLookup interface {
	Lookup(ctx context.Context, kid string) (any, error)
}

// Validator checks bearer tokens. HS256 tokens verify against the shared
// secret; RS256 tokens against keys resolved through the KeyLookup. A nil
// KeyLookup rejects all RS256 tokens.
type Validator struct {
	secret   []byte
	keys     KeyLookup
	audience string
	now      func() time.Time
}

type ValidatorOption func(*Validator)

// WithTimeFunc overrides the clock used for exp/nbf checks.
func WithTimeFunc(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

func NewValidator(secret []byte, keys KeyLookup, audience string, opts ...ValidatorOption) *Validator {
	v := &Validator{
		secret:   secret,
		keys:     keys,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate parses and verifies token, returning its claims. Failures are
// always *Error so callers can branch on the rejection kind.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			return v.secret, nil
		case jwt.SigningMethodRS256.Alg():
			if v.keys == nil {
				return nil, &Error{Kind: KindUnsupportedAlgorithm, err: errors.New("no issuer key set configured")}
			}
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, &Error{Kind: KindUnknownKey, err: errors.New("token has no kid header")}
			}
			return v.keys.Lookup(ctx, kid)
		default:
			return nil, &Error{Kind: KindUnsupportedAlgorithm, err: fmt.Errorf("algorithm %s", t.Method.Alg())}
		}
	},
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(Leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" {
		return nil, &Error{Kind: KindMalformed, err: errors.New("token has no subject")}
	}
	return claims, nil
}

// classify folds a jwt parse error into an *Error. Errors produced by the
// keyfunc (already *Error) pass through unchanged.
func classify(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return &Error{Kind: KindExpired, err: err}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &Error{Kind: KindAudienceMismatch, err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &Error{Kind: KindBadSignature, err: err}
	default:
		return &Error{Kind: KindMalformed, err: err}
	}
}
