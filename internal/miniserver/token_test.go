package miniserver

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()

	claims := jwt.MapClaims{
		"exp":  expiry.Unix(),
		"user": "admin",
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestParseToken(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour).Truncate(time.Second)

	token, err := parseToken(signedToken(t, expiry))
	if err != nil {
		t.Fatalf("parseToken: %v", err)
	}
	if !token.Expiry.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", token.Expiry, expiry)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := parseToken("not.a.jwt"); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("error = %v, want ErrHandshakeFailed", err)
	}
}

func TestParseTokenRequiresExpiry(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user": "admin",
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := parseToken(raw); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("error = %v, want ErrHandshakeFailed", err)
	}
}

func TestRefreshAt(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		expiry time.Time
		margin time.Duration
		want   time.Time
	}{
		{
			name:   "margin before expiry",
			expiry: now.Add(time.Hour),
			margin: 5 * time.Minute,
			want:   now.Add(55 * time.Minute),
		},
		{
			name:   "already inside margin",
			expiry: now.Add(time.Minute),
			margin: 5 * time.Minute,
			want:   now,
		},
		{
			name:   "expired token",
			expiry: now.Add(-time.Hour),
			margin: 5 * time.Minute,
			want:   now,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := Token{Expiry: tt.expiry}
			got := token.refreshAt(tt.margin, now)
			if !got.Equal(tt.want) {
				t.Errorf("refreshAt = %v, want %v", got, tt.want)
			}
		})
	}
}
