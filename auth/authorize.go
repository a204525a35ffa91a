package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Capability scopes a signed token may grant
const (
	// ScopeSubscribe allows joining the topics listed in the token
	ScopeSubscribe = "subscribe"
	// ScopeBroadcast allows publishing to the topics listed in the token
	ScopeBroadcast = "broadcast"
)

// ErrBadPublicKey indicates the trusted public key could not be used
var ErrBadPublicKey = errors.New("unusable trusted public key")

// ErrInvalidToken indicates a token failed signature, expiry, or structure checks
var ErrInvalidToken = errors.New("invalid token")

// InvalidScopeError indicates a token carried an unknown scope claim
type InvalidScopeError struct {
	// Scope is the offending scope claim value
	Scope string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("invalid scope: %s", e.Scope)
}

// Action the capability a verified token grants
type Action struct {
	// Scope is the granted capability: ScopeSubscribe or ScopeBroadcast
	Scope string
	// Topics is the set of topic names the scope applies to
	Topics map[string]bool
}

// AllowsTopic whether the action covers a topic. Exact string match only.
func (a Action) AllowsTopic(topic string) bool {
	return a.Topics[topic]
}

// tokenClaims payload of a broker access token
type tokenClaims struct {
	jwt.RegisteredClaims
	Topics []string `json:"topics"`
	Scope  string   `json:"scope"`
}

// TokenVerifier verifies signed access tokens against a trusted public key.
//
// Safe for concurrent use; verification holds no mutable state.
type TokenVerifier interface {
	Verify(token string) (Action, error)
}

// ecdsaTokenVerifier implements TokenVerifier for ES256 signed tokens
type ecdsaTokenVerifier struct {
	publicKey *ecdsa.PublicKey
}

// GetECDSATokenVerifier define a TokenVerifier trusting one EC public key.
//
// The key must be a PEM encoded P-256 public key. The signing algorithm is
// fixed to ES256; tokens offering any other algorithm are rejected.
func GetECDSATokenVerifier(publicKeyPEM []byte) (TokenVerifier, error) {
	key, err := jwt.ParseECPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPublicKey, err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrBadPublicKey)
	}
	return &ecdsaTokenVerifier{publicKey: key}, nil
}

// Verify check one token, returning the action it grants
func (v *ecdsaTokenVerifier) Verify(token string) (Action, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&tokenClaims{},
		func(t *jwt.Token) (interface{}, error) { return v.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Action{}, ErrInvalidToken
	}
	switch claims.Scope {
	case ScopeSubscribe, ScopeBroadcast:
		topics := make(map[string]bool, len(claims.Topics))
		for _, topic := range claims.Topics {
			topics[topic] = true
		}
		return Action{Scope: claims.Scope, Topics: topics}, nil
	default:
		return Action{}, &InvalidScopeError{Scope: claims.Scope}
	}
}
