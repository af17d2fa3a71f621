// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession is returned for an unparseable, unsigned, or expired
// operator session token.
var ErrInvalidSession = errors.New("auth: invalid or expired operator session")

// OperatorClaims is the claim set carried by a coldbackupctl session token.
// It is a structured, expiring identity for a human operator driving the
// administrative CLI — unrelated to the opaque client-credential bearer
// tokens issued by Authenticate for transfer-boundary callers (spec.md
// §4.L), which remain non-JWT per spec.md's explicit wording.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// OperatorSessions issues and verifies HMAC-signed JWTs for coldbackupctl.
type OperatorSessions struct {
	secret []byte
	ttl    time.Duration
}

// NewOperatorSessions returns a session issuer signing with secret and
// expiring tokens after ttl.
func NewOperatorSessions(secret string, ttl time.Duration) *OperatorSessions {
	return &OperatorSessions{secret: []byte(secret), ttl: ttl}
}

// Issue mints a session token identifying operator.
func (s *OperatorSessions) Issue(operator string) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Operator: operator,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing operator session: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning the operator name
// it identifies.
func (s *OperatorSessions) Verify(tokenString string) (string, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidSession
	}
	return claims.Operator, nil
}
