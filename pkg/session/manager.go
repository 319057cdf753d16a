// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package session issues, authorizes and invalidates the short lived
// tokens that let a device resume a reconstructed key without logging in
// again. The session id never leaves the device: the server stores the
// payload under sha256(id), encrypted with a key derived from the id.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultTTL is the session lifetime when none is configured
	DefaultTTL = 24 * time.Hour

	idLen   = 32
	keyInfo = "mpckit-session-v1"
)

// Payload is the persisted session state.
type Payload struct {
	PostboxKey     string            `json:"postboxKey"`
	FactorKey      string            `json:"factorKey"`
	TSSShareIndex  int               `json:"tssShareIndex"`
	TSSPubKey      string            `json:"tssPubKey"`
	MetadataPubKey string            `json:"metadataPubKey"`
	KeyType        string            `json:"keyType"`
	Signatures     []string          `json:"signatures"`
	UserInfo       identity.UserInfo `json:"userInfo"`
	ExpiresAt      time.Time         `json:"expiresAt"`
}

// IDStore keeps the session id on the device.
type IDStore interface {
	// SessionID returns the stored id, or "" when there is none.
	SessionID(ctx context.Context) (string, error)

	// SetSessionID stores id; "" clears it.
	SetSessionID(ctx context.Context, id string) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store  Store
	IDs    IDStore
	TTL    time.Duration
	Random io.Reader
	Now    func() time.Time
	Logger logger.Logger
}

// Manager creates and authorizes sessions.
type Manager struct {
	store  Store
	ids    IDStore
	ttl    time.Duration
	random io.Reader
	now    func() time.Time
	logger logger.Logger
}

// NewManager returns a manager for cfg.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil || cfg.Store == nil || cfg.IDs == nil {
		return nil, errors.New("session: store and id store are required")
	}
	m := &Manager{
		store:  cfg.Store,
		ids:    cfg.IDs,
		ttl:    cfg.TTL,
		random: cfg.Random,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.random == nil {
		m.random = rand.Reader
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = logger.Nop()
	}
	return m, nil
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func serverKey(id []byte) string {
	sum := sha256.Sum256(id)
	return hex.EncodeToString(sum[:])
}

func payloadKey(id []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, id, nil, []byte(keyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func decodeID(id string) ([]byte, error) {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != idLen {
		return nil, fmt.Errorf("%w: malformed session id", ErrInvalidSession)
	}
	return raw, nil
}

// CreateSession persists p under a fresh session id, stores the id on the
// device and returns it. The session the device held before is deleted
// from the server; a failure to delete it is logged, not returned.
func (m *Manager) CreateSession(ctx context.Context, p *Payload) (id string, err error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidSession)
	}
	start := time.Now()
	defer func() {
		metrics.ObserveOperation(metrics.OpSessionCreate, p.KeyType, start, err, "session")
	}()

	raw := make([]byte, idLen)
	if _, err := io.ReadFull(m.random, raw); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}

	stored := *p
	stored.ExpiresAt = m.now().Add(m.ttl).UTC()
	plaintext, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("session: encode payload: %w", err)
	}

	ciphertext, err := m.seal(raw, plaintext)
	if err != nil {
		return "", err
	}
	key := serverKey(raw)
	if err := m.store.Put(ctx, key, ciphertext, m.ttl); err != nil {
		return "", fmt.Errorf("session: persist: %w", err)
	}

	previous, err := m.ids.SessionID(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to read previous session id", logger.Error(err))
		previous = ""
	}
	id = hex.EncodeToString(raw)
	if err := m.ids.SetSessionID(ctx, id); err != nil {
		if delErr := m.store.Delete(ctx, key); delErr != nil {
			m.logger.WarnContext(ctx, "failed to delete unreferenced session", logger.Error(delErr))
		}
		return "", fmt.Errorf("session: store id: %w", err)
	}
	if previous != "" && previous != id {
		m.deleteRecord(ctx, previous)
	}
	m.logger.DebugContext(ctx, "session created", logger.Duration("ttl", m.ttl))
	return id, nil
}

// deleteRecord removes the server record of a superseded session id.
func (m *Manager) deleteRecord(ctx context.Context, id string) {
	raw, err := decodeID(id)
	if err != nil {
		return
	}
	if err := m.store.Delete(ctx, serverKey(raw)); err != nil {
		m.logger.WarnContext(ctx, "failed to delete superseded session", logger.Error(err))
	}
}

// AuthorizeSession returns the payload of a live session.
func (m *Manager) AuthorizeSession(ctx context.Context, id string) (p *Payload, err error) {
	start := time.Now()
	defer func() {
		keyType := ""
		if p != nil {
			keyType = p.KeyType
		}
		metrics.ObserveOperation(metrics.OpSessionAuthorize, keyType, start, err, "session")
	}()

	raw, err := decodeID(id)
	if err != nil {
		return nil, err
	}
	ciphertext, err := m.store.Get(ctx, serverKey(raw))
	if err != nil {
		return nil, err
	}
	plaintext, err := m.open(raw, ciphertext)
	if err != nil {
		return nil, err
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	now := m.now()
	if !now.Before(payload.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	if !fresh(payload.Signatures, now) {
		return nil, ErrStaleSignatures
	}
	return &payload, nil
}

// fresh reports whether any signature carries an unexpired exp claim.
func fresh(signatures []string, now time.Time) bool {
	parser := jwt.NewParser()
	for _, sig := range signatures {
		claims := &jwt.RegisteredClaims{}
		if _, _, err := parser.ParseUnverified(sig, claims); err != nil {
			continue
		}
		if claims.ExpiresAt != nil && now.Before(claims.ExpiresAt.Time) {
			return true
		}
	}
	return false
}

// StoredSessionID returns the id stored on the device, or "".
func (m *Manager) StoredSessionID(ctx context.Context) (string, error) {
	return m.ids.SessionID(ctx)
}

// InvalidateSession deletes the stored session on the server and the
// device. It is a no-op without a stored session.
func (m *Manager) InvalidateSession(ctx context.Context) error {
	id, err := m.ids.SessionID(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if raw, err := decodeID(id); err == nil {
		if err := m.store.Delete(ctx, serverKey(raw)); err != nil {
			return fmt.Errorf("session: delete: %w", err)
		}
	}
	return m.ids.SetSessionID(ctx, "")
}

func (m *Manager) seal(id, plaintext []byte) ([]byte, error) {
	key, err := payloadKey(id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(m.random, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(serverKey(id))), nil
}

func (m *Manager) open(id, ciphertext []byte) ([]byte, error) {
	key, err := payloadKey(id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidSession)
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, []byte(serverKey(id)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return plaintext, nil
}
