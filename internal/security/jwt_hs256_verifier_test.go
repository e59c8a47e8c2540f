package security_test

import (
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwt.SigningMethod, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func baseClaims(uid string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"uid":  uid,
		"role": "user",
		"ver":  1,
		"iat":  time.Now().Unix(),
		"exp":  exp.Unix(),
		"iss":  "auth-service",
	}
}

func TestHS256Verifier_VerifyAccessToken(t *testing.T) {
	secret := []byte("supersecret")
	v := security.NewHS256Verifier(string(secret), security.WithIssuer("auth-service"))
	uid := uuid.New()

	t.Run("valid token", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, secret, baseClaims(uid.String(), time.Now().Add(time.Hour)))

		claims, err := v.VerifyAccessToken(token)
		require.NoError(t, err)
		assert.Equal(t, uid, claims.UserID)
		assert.Equal(t, security.RoleUser, claims.Role)
		assert.Equal(t, int64(1), claims.Ver)
		assert.False(t, claims.IsAdmin())
	})

	t.Run("admin role", func(t *testing.T) {
		c := baseClaims(uid.String(), time.Now().Add(time.Hour))
		c["role"] = "Admin"
		claims, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, c))
		require.NoError(t, err)
		assert.True(t, claims.IsAdmin())
	})

	t.Run("sub fallback", func(t *testing.T) {
		c := baseClaims("", time.Now().Add(time.Hour))
		delete(c, "uid")
		c["sub"] = uid.String()
		claims, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, c))
		require.NoError(t, err)
		assert.Equal(t, uid, claims.UserID)
	})

	t.Run("non uuid subject", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, secret, baseClaims("u1", time.Now().Add(time.Hour)))
		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrBadSubject)
	})

	t.Run("expired token", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, secret, baseClaims(uid.String(), time.Now().Add(-time.Minute)))
		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenExpired)
	})

	t.Run("missing exp", func(t *testing.T) {
		c := baseClaims(uid.String(), time.Now())
		delete(c, "exp")
		_, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, c))
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := baseClaims(uid.String(), time.Now().Add(time.Hour))
		c["iss"] = "someone-else"
		_, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, c))
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("wrong signature", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte("othersecret"), baseClaims(uid.String(), time.Now().Add(time.Hour)))
		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := v.VerifyAccessToken("not.a.jwt")
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS512, secret, baseClaims(uid.String(), time.Now().Add(time.Hour)))
		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})
}

func TestHS256Verifier_Leeway(t *testing.T) {
	secret := []byte("supersecret")
	uid := uuid.New()
	token := sign(t, jwt.SigningMethodHS256, secret, baseClaims(uid.String(), time.Now().Add(-5*time.Second)))

	_, err := security.NewHS256Verifier(string(secret)).VerifyAccessToken(token)
	assert.ErrorIs(t, err, security.ErrTokenExpired)

	claims, err := security.NewHS256Verifier(string(secret), security.WithLeeway(30*time.Second)).VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, uid, claims.UserID)
}
