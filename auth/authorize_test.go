package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func generateTestKeyPair(t *testing.T, curve elliptic.Curve) (*ecdsa.PrivateKey, []byte) {
	private, err := ecdsa.GenerateKey(curve, rand.Reader)
	assert.Nil(t, err)
	marshalled, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	assert.Nil(t, err)
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: marshalled})
	return private, publicPEM
}

func signTestToken(
	t *testing.T, private *ecdsa.PrivateKey, scope string, topics []string, expiry time.Time,
) string {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "unit-test",
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Topics: topics,
		Scope:  scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(private)
	assert.Nil(t, err)
	return signed
}

func TestTokenVerifierKeyHandling(t *testing.T) {
	assert := assert.New(t)

	// Case 0: garbage key material
	{
		uut, err := GetECDSATokenVerifier([]byte("not a pem key"))
		assert.Nil(uut)
		assert.True(errors.Is(err, ErrBadPublicKey))
	}

	// Case 1: valid key but wrong curve
	{
		_, publicPEM := generateTestKeyPair(t, elliptic.P384())
		uut, err := GetECDSATokenVerifier(publicPEM)
		assert.Nil(uut)
		assert.True(errors.Is(err, ErrBadPublicKey))
	}

	// Case 2: valid P-256 key
	{
		_, publicPEM := generateTestKeyPair(t, elliptic.P256())
		uut, err := GetECDSATokenVerifier(publicPEM)
		assert.Nil(err)
		assert.NotNil(uut)
	}
}

func TestTokenVerifierRoundTrip(t *testing.T) {
	assert := assert.New(t)

	private, publicPEM := generateTestKeyPair(t, elliptic.P256())
	uut, err := GetECDSATokenVerifier(publicPEM)
	assert.Nil(err)

	expiry := time.Now().Add(time.Hour)

	// Case 0: subscribe scope
	{
		token := signTestToken(t, private, ScopeSubscribe, []string{"foo"}, expiry)
		action, err := uut.Verify(token)
		assert.Nil(err)
		assert.Equal(ScopeSubscribe, action.Scope)
		assert.True(action.AllowsTopic("foo"))
		assert.False(action.AllowsTopic("bar"))
	}

	// Case 1: broadcast scope with multiple topics
	{
		token := signTestToken(t, private, ScopeBroadcast, []string{"foo", "bar"}, expiry)
		action, err := uut.Verify(token)
		assert.Nil(err)
		assert.Equal(ScopeBroadcast, action.Scope)
		assert.True(action.AllowsTopic("foo"))
		assert.True(action.AllowsTopic("bar"))
		assert.False(action.AllowsTopic("foobar"))
	}

	// Case 2: unknown scope value is surfaced
	{
		token := signTestToken(t, private, "invalid", []string{"foo"}, expiry)
		_, err := uut.Verify(token)
		assert.NotNil(err)
		var scopeErr *InvalidScopeError
		assert.True(errors.As(err, &scopeErr))
		assert.Equal("invalid", scopeErr.Scope)
	}

	// Case 3: empty topic list verifies but allows nothing
	{
		token := signTestToken(t, private, ScopeSubscribe, nil, expiry)
		action, err := uut.Verify(token)
		assert.Nil(err)
		assert.False(action.AllowsTopic("foo"))
	}
}

func TestTokenVerifierRejections(t *testing.T) {
	assert := assert.New(t)

	private, publicPEM := generateTestKeyPair(t, elliptic.P256())
	uut, err := GetECDSATokenVerifier(publicPEM)
	assert.Nil(err)

	// Case 0: expired token
	{
		token := signTestToken(
			t, private, ScopeSubscribe, []string{"foo"}, time.Now().Add(-time.Minute),
		)
		_, err := uut.Verify(token)
		assert.True(errors.Is(err, ErrInvalidToken))
	}

	// Case 1: token with no expiry claim
	{
		claims := jwt.MapClaims{"scope": ScopeSubscribe, "topics": []string{"foo"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(private)
		assert.Nil(err)
		_, verifyErr := uut.Verify(token)
		assert.True(errors.Is(verifyErr, ErrInvalidToken))
	}

	// Case 2: token signed by an untrusted key
	{
		otherPrivate, _ := generateTestKeyPair(t, elliptic.P256())
		token := signTestToken(
			t, otherPrivate, ScopeSubscribe, []string{"foo"}, time.Now().Add(time.Hour),
		)
		_, err := uut.Verify(token)
		assert.True(errors.Is(err, ErrInvalidToken))
	}

	// Case 3: algorithm is not negotiable
	{
		claims := tokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Topics: []string{"foo"},
			Scope:  ScopeSubscribe,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(
			[]byte("shared-secret"),
		)
		assert.Nil(err)
		_, verifyErr := uut.Verify(token)
		assert.True(errors.Is(verifyErr, ErrInvalidToken))
	}

	// Case 4: not a token at all
	{
		_, err := uut.Verify("definitely.not.a-token")
		assert.True(errors.Is(err, ErrInvalidToken))
	}
}
