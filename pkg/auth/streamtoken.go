// Package auth mints and validates the short-lived tokens embedded in media
// websocket URLs handed to the signaling layer, so only the telephony
// provider that received the bootstrap response can open the stream.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type StreamClaims struct {
	CallID       string `json:"call_id"`
	CallerNumber string `json:"caller_number"`
	jwt.RegisteredClaims
}

// GenerateStreamToken creates a signed token scoped to one call
func GenerateStreamToken(callID, callerNumber, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	claims := StreamClaims{
		CallID:       callID,
		CallerNumber: callerNumber,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "voice-pipeline",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign stream token: %w", err)
	}

	return tokenString, nil
}

// ParseStreamToken validates a stream token and returns its claims
func ParseStreamToken(tokenString, secret string) (*StreamClaims, error) {
	claims := &StreamClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse stream token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid stream token")
	}

	if claims.CallID == "" {
		return nil, fmt.Errorf("stream token missing call_id")
	}

	return claims, nil
}
