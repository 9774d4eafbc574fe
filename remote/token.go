// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAuth signs and validates the bearer tokens used against the
// backend. The engine itself only needs a Token func; this helper exists
// for apps that mint their own tokens and for the reference backend.
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth creates a token helper over a shared HS256 secret.
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// Claims carries the user id (sub) and device id for a sync session.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken mints a token for one user/device pair.
func (t *TokenAuth) GenerateToken(userID, deviceID string, expiration time.Duration) (string, error) {
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "go-bouncesync",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// TokenSource adapts GenerateToken to the Token func the client expects,
// minting a fresh short-lived token per request.
func (t *TokenAuth) TokenSource(userID, deviceID string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return t.GenerateToken(userID, deviceID, 15*time.Minute)
	}
}

// ValidateToken parses and validates a token, returning its claims.
func (t *TokenAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user id) in token")
	}
	return claims, nil
}

// UserID extracts the authenticated user id from an HTTP request.
func (t *TokenAuth) UserID(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", fmt.Errorf("bearer token required")
	}
	claims, err := t.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}
