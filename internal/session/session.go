// Copyright 2025 James Ross
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/google/uuid"
)

// ErrMissingBearer is returned when an Authorization header is absent or
// not a Bearer token.
var ErrMissingBearer = errors.New("missing_bearer")

// ErrInvalidSession is returned when a bearer token doesn't resolve to a
// live session for the given device.
var ErrInvalidSession = errors.New("invalid_session")

// Store is the subset of *store.Store the session manager needs; narrowed
// to an interface so tests can swap in a fake instead of go-sqlmock.
type Store interface {
	CreateOrRotateSession(ctx context.Context, candidateID, appUserID, deviceID, tokenHash, tokenEncrypted, platform, appVersion, osVersion string, expiresAt time.Time) (string, error)
	GetActiveSessionByTokenHash(ctx context.Context, tokenHash, deviceID string) (*pipeline.Session, error)
	TouchSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error
}

// Manager issues and validates device-bound bearer sessions. One session
// is ever live per (app_user_id, device_id): a repeat finalize for the
// same pair rotates the existing row's token in place instead of minting
// a second one (see DESIGN.md).
type Manager struct {
	cfg   *config.Config
	store Store
}

func New(cfg *config.Config, st Store) *Manager {
	return &Manager{cfg: cfg, store: st}
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value.
func ParseBearer(header string) (string, error) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingBearer
	}
	return header[len(prefix):], nil
}

// CreateOrRotate issues a fresh bearer token for (appUserID, deviceID),
// returning the token to hand back to the client and its expiry.
func (m *Manager) CreateOrRotate(ctx context.Context, appUserID, deviceID, platform, appVersion, osVersion string) (token string, expiresAt time.Time, err error) {
	token, err = newToken()
	if err != nil {
		return "", time.Time{}, err
	}
	tokenHash := hashToken(token)
	tokenEncrypted, err := encryptToken(token, m.cfg.Session.EncryptionKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encrypt session token: %w", err)
	}
	expiresAt = time.Now().Add(m.cfg.Session.TTL)

	candidateID := uuid.NewString()
	if _, err := m.store.CreateOrRotateSession(ctx, candidateID, appUserID, deviceID, tokenHash, tokenEncrypted, platform, appVersion, osVersion, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("create or rotate session: %w", err)
	}
	return token, expiresAt, nil
}

// Validate resolves a bearer token to its Session, sliding the TTL forward
// on every successful check, and fails closed if the token is unknown,
// revoked, expired, or bound to a different device.
func (m *Manager) Validate(ctx context.Context, token, deviceID string) (*pipeline.Session, error) {
	sess, err := m.store.GetActiveSessionByTokenHash(ctx, hashToken(token), deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("validate session: %w", err)
	}

	newExpiry := time.Now().Add(m.cfg.Session.TTL)
	if err := m.store.TouchSessionExpiry(ctx, sess.SessionID, newExpiry); err != nil {
		return nil, fmt.Errorf("extend session ttl: %w", err)
	}
	sess.ExpiresAt = newExpiry
	return sess, nil
}
