package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "bibles"

// Claims identifies the report run a notification belongs to.
type Claims struct {
	RunID  string `json:"run_id"`
	Status string `json:"status,omitempty"`
	jwtlib.RegisteredClaims
}

// SignRun issues an HS256 token scoped to one run.
func SignRun(runID, status, secret string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret required")
	}
	claims := Claims{
		RunID:  runID,
		Status: status,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   runID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Parse validates a run token and returns its claims. Receivers of run notifications use it
// to authenticate the sender.
func Parse(token, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(*jwtlib.Token) (any, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
