package miniserver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the bearer token issued by the Miniserver during the handshake.
type Token struct {
	Raw    string
	Expiry time.Time
}

// parseToken extracts the expiry from a Miniserver JWT.
//
// The token is signed with the Miniserver's own key and only ever sent back
// to the same Miniserver, so the signature is not verified here; the claims
// are read for scheduling the refresh.
func parseToken(raw string) (Token, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return Token{}, fmt.Errorf("%w: parse token: %w", ErrHandshakeFailed, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Token{}, fmt.Errorf("%w: token has no expiry", ErrHandshakeFailed)
	}

	return Token{Raw: raw, Expiry: exp.Time}, nil
}

// refreshAt returns when the token should be refreshed: margin before
// expiry, clamped to no earlier than now.
func (t Token) refreshAt(margin time.Duration, now time.Time) time.Time {
	at := t.Expiry.Add(-margin)
	if at.Before(now) {
		return now
	}
	return at
}
