// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package auth implements the transfer-boundary Auth component (spec.md
// §4.L): client-credential validation, opaque bearer-token issuance, and
// operation-keyed authorization.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/korrelius/coldbackup/internal/catalog"
)

var (
	// ErrInvalidCredentials covers unknown client id, bad secret, disabled,
	// or expired credentials — never distinguished in the response so an
	// attacker cannot enumerate valid client ids.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrNoPermission is returned when a bearer token's credential lacks the
	// permission an operation requires.
	ErrNoPermission = errors.New("auth: permission denied")
	// ErrInvalidToken is returned for an unknown or expired bearer token.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// tokenTTL is how long an issued bearer token remains valid.
const tokenTTL = 1 * time.Hour

type issuedToken struct {
	clientID  string
	expiresAt time.Time
}

// Store is the subset of catalog.Store auth needs, so tests can substitute
// an in-memory fake without a real SQLite database.
type Store interface {
	GetClientCredential(ctx context.Context, clientID string) (*catalog.ClientCredential, error)
}

// Authenticator validates credentials, issues bearer tokens, and authorizes
// operations against a credential's declared permissions.
type Authenticator struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]issuedToken
}

// New returns an Authenticator backed by store, logging every authorization
// decision to logger.
func New(store Store, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		store:  store,
		logger: logger,
		tokens: make(map[string]issuedToken),
	}
}

// Authenticate validates clientID/clientSecret and, on success, issues a
// bearer token scoped to that credential's permissions.
func (a *Authenticator) Authenticate(ctx context.Context, clientID, clientSecret string) (token string, err error) {
	cred, err := a.store.GetClientCredential(ctx, clientID)
	if err != nil {
		a.audit(clientID, "authenticate", false, "unknown client")
		return "", ErrInvalidCredentials
	}

	if !cred.IsActive {
		a.audit(clientID, "authenticate", false, "inactive credential")
		return "", ErrInvalidCredentials
	}
	if cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		a.audit(clientID, "authenticate", false, "expired credential")
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(clientSecret)); err != nil {
		a.audit(clientID, "authenticate", false, "secret mismatch")
		return "", ErrInvalidCredentials
	}

	token, err = randomToken()
	if err != nil {
		return "", fmt.Errorf("auth: generating token: %w", err)
	}

	a.mu.Lock()
	a.tokens[token] = issuedToken{clientID: clientID, expiresAt: time.Now().Add(tokenTTL)}
	a.mu.Unlock()

	a.audit(clientID, "authenticate", true, "")
	return token, nil
}

// Authorize checks that token is valid and its owning credential grants
// permission (or system_admin, which grants all permissions).
func (a *Authenticator) Authorize(ctx context.Context, token, permission string) error {
	a.mu.Lock()
	issued, ok := a.tokens[token]
	if ok && time.Now().After(issued.expiresAt) {
		delete(a.tokens, token)
		ok = false
	}
	a.mu.Unlock()

	if !ok {
		a.audit("", "authorize:"+permission, false, "invalid or expired token")
		return ErrInvalidToken
	}

	cred, err := a.store.GetClientCredential(ctx, issued.clientID)
	if err != nil || !cred.IsActive {
		a.audit(issued.clientID, "authorize:"+permission, false, "credential no longer active")
		return ErrNoPermission
	}

	for _, p := range cred.Permissions {
		if p == permission || p == catalog.PermissionSystemAdmin {
			a.audit(issued.clientID, "authorize:"+permission, true, "")
			return nil
		}
	}

	a.audit(issued.clientID, "authorize:"+permission, false, "missing permission")
	return ErrNoPermission
}

// HashSecret produces the bcrypt hash stored in ClientCredential.SecretHash.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing secret: %w", err)
	}
	return string(hash), nil
}

func (a *Authenticator) audit(clientID, operation string, allowed bool, reason string) {
	a.logger.Info("authorization decision",
		"client_id", clientID,
		"operation", operation,
		"allowed", allowed,
		"reason", reason,
	)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
