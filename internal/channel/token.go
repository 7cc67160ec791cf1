package channel

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CheckToken rejects tokens that cannot possibly pass the handshake: empty
// tokens, JWTs past their expiry and JWTs issued for a different user.
// The signature is not verified here; that is the server's job. Tokens
// that are not JWTs pass through.
func CheckToken(token, userID string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrAuthRejected)
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrAuthRejected, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	if claims.Subject != "" && userID != "" && claims.Subject != userID {
		return fmt.Errorf("%w: token subject %q does not match user %q", ErrAuthRejected, claims.Subject, userID)
	}
	return nil
}
