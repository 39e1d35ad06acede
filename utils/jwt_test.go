package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("user_2abc", "s3cret")
	require.NoError(t, err)

	subject, err := ValidateJWT(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "user_2abc", subject)
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	token, err := GenerateJWT("user_2abc", "s3cret")
	require.NoError(t, err)

	_, err = ValidateJWT(token, "other")
	assert.Error(t, err)
}

func TestValidateJWT_Expired(t *testing.T) {
	claims := &jwt.RegisteredClaims{
		Subject:   "user_2abc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = ValidateJWT(token, "s3cret")
	assert.Error(t, err)
}

func TestValidateJWT_MissingSubject(t *testing.T) {
	claims := &jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = ValidateJWT(token, "s3cret")
	assert.Error(t, err)
}

func TestGenerateJWT_EmptySubject(t *testing.T) {
	_, err := GenerateJWT("", "s3cret")
	assert.Error(t, err)
}
