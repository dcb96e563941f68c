// Package auth implements the per-request authorization gate: static API
// secret, per-user signed token verification, entitlement resolution, and
// quota accounting, composed into a single allow/deny decision.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenCause is the closed set of verification failure causes. Every cause
// collapses to a generic 401 at the boundary; the specific cause is logged
// server-side only.
type TokenCause string

const (
	CauseMalformed      TokenCause = "malformed"
	CauseBadSignature   TokenCause = "invalid_signature"
	CauseExpired        TokenCause = "expired"
	CauseMissingSubject TokenCause = "missing_subject"
)

// TokenError is a verification failure with its diagnostic cause.
type TokenError struct {
	Cause TokenCause
	err   error
}

func (e *TokenError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("token %s: %v", e.Cause, e.err)
	}
	return fmt.Sprintf("token %s", e.Cause)
}

func (e *TokenError) Unwrap() error { return e.err }

// VerifyToken validates a compact HS256-signed token against secret and
// returns the caller ID from the subject claim. It is a pure function of
// its inputs.
//
// Expiry is checked before the signature so an expired token reports
// "expired" regardless of signature validity, while a tampered unexpired
// token reports "invalid_signature" — never a parse error.
func VerifyToken(token, secret string) (string, *TokenError) {
	if strings.Count(token, ".") != 2 {
		return "", &TokenError{Cause: CauseMalformed, err: errors.New("token must have 3 segments")}
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))

	// Unverified pass: structure + expiry only.
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", &TokenError{Cause: CauseMalformed, err: err}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "", &TokenError{Cause: CauseMalformed, err: errors.New("missing or invalid exp claim")}
	}
	if exp.Before(time.Now()) {
		return "", &TokenError{Cause: CauseExpired}
	}

	// Verified pass: signature + claims.
	parsed, err := parser.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", &TokenError{Cause: CauseBadSignature, err: err}
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", &TokenError{Cause: CauseExpired, err: err}
		default:
			return "", &TokenError{Cause: CauseMalformed, err: err}
		}
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", &TokenError{Cause: CauseMissingSubject, err: err}
	}

	return sub, nil
}
