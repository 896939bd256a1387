package refimpl

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// SignTestToken mints an HS256 auth token signed with pol's own secret,
// for exercising VerifyAuthorization without a real caller-side signer.
func SignTestToken(t *testing.T, pol *Policy, challenge string) []byte {
	t.Helper()
	claims := authTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Challenge: challenge,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(pol.secret)
	require.NoError(t, err)
	return []byte(signed)
}
