// Package token issues and verifies per-session access tokens. Tokens are
// HS256 JWTs bound to a session, its user and the client address; only a
// digest of each token is stored.
package token

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
	"k8s.io/utils/clock"
)

const issuer = "labrange"

var (
	// ErrInvalidToken is returned for tokens that fail signature, expiry or parsing checks
	ErrInvalidToken = errors.New("invalid access token")
	// ErrBindingMismatch is returned when a valid token is presented for another session, user or client
	ErrBindingMismatch = errors.New("access token does not match session")
)

// Claims are the claims carried by a session access token
type Claims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	ClientIP  string `json:"cip,omitempty"`
	jwt.RegisteredClaims
}

// Binding is what a token must match to be accepted
type Binding struct {
	SessionID string
	UserID    string
	ClientIP  string
	Digest    string
}

// Issuer signs and verifies session tokens
type Issuer struct {
	secret []byte
	clock  clock.PassiveClock
}

// NewIssuer creates an issuer with the given HMAC secret
func NewIssuer(secret string, clk clock.PassiveClock) *Issuer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Issuer{secret: []byte(secret), clock: clk}
}

// Issue returns a signed token expiring at expiresAt and its storable digest
func (i *Issuer) Issue(sessionID, userID, clientIP string, expiresAt time.Time) (string, string, error) {
	now := i.clock.Now()
	claims := &Claims{
		SessionID: sessionID,
		UserID:    userID,
		ClientIP:  clientIP,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   sessionID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, Digest(signed), nil
}

// Verify checks signature, expiry, binding and stored digest
func (i *Issuer) Verify(tokenString string, want Binding) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.clock.Now), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.SessionID != want.SessionID || claims.UserID != want.UserID {
		return nil, ErrBindingMismatch
	}
	if claims.ClientIP != "" && want.ClientIP != "" && claims.ClientIP != want.ClientIP {
		return nil, ErrBindingMismatch
	}
	if want.Digest != "" && subtle.ConstantTimeCompare([]byte(Digest(tokenString)), []byte(want.Digest)) != 1 {
		return nil, ErrBindingMismatch
	}
	return claims, nil
}

// Digest returns the hex blake2b-256 digest of a token
func Digest(tokenString string) string {
	sum := blake2b.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
