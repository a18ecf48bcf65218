// Package credential owns the access/refresh token pair for the active
// account. All credential mutation in the client goes through the
// Manager in this package: login and session switches seed it, the
// single-flight refresh rotates it, logout invalidates it.
package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the token pair for one account. ExpiresAt is zero when
// the backend did not report an expiry and none could be recovered from
// the token itself; validation is then deferred to the dispatcher's 401
// handling.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ExpiresWithin reports whether the credential's known expiry falls
// inside the safety margin from now. Unknown expiry never triggers an
// ahead-of-use refresh.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// WithRecoveredExpiry fills in ExpiresAt from the access token's "exp"
// claim when the backend did not report one. Access tokens are JWTs on
// this platform; the parse is unverified since the client holds no
// verification key and only needs the timestamp hint. Tokens that do
// not parse are left untouched.
func (c Credential) WithRecoveredExpiry() Credential {
	if !c.ExpiresAt.IsZero() || c.AccessToken == "" {
		return c
	}

	token, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, jwt.MapClaims{})
	if err != nil {
		return c
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return c
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return c
	}

	c.ExpiresAt = time.Unix(int64(exp), 0)
	return c
}
