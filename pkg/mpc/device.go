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

package mpc

import (
	"context"
	"math/big"
	"sync"

	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/storage"
)

// deviceRecord is the local record kept per device.
type deviceRecord struct {
	SessionID string                  `json:"sessionId,omitempty"`
	Factors   map[string]deviceFactor `json:"factors,omitempty"`
	OAuth     *oauthState             `json:"oauth,omitempty"`
}

// deviceFactor is a device bound factor, keyed by the x coordinate of
// the account metadata public key.
type deviceFactor struct {
	FactorKey string `json:"factorKey"`
}

// oauthState is a pending redirect login.
type oauthState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier"`
	Verifier     string `json:"verifier"`
}

// deviceStore reads and writes the device record. It implements
// session.IDStore.
type deviceStore struct {
	backend storage.Backend
	key     string
	mu      sync.Mutex
}

func newDeviceStore(backend storage.Backend, namespace string) *deviceStore {
	return &deviceStore{backend: backend, key: storage.Namespaced(namespace, "device")}
}

func (d *deviceStore) load() (*deviceRecord, error) {
	rec := &deviceRecord{}
	if _, err := storage.GetJSON(d.backend, d.key, rec); err != nil {
		return nil, err
	}
	if rec.Factors == nil {
		rec.Factors = make(map[string]deviceFactor)
	}
	return rec, nil
}

func (d *deviceStore) update(fn func(*deviceRecord)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, err := d.load()
	if err != nil {
		return err
	}
	fn(rec)
	return storage.PutJSON(d.backend, d.key, rec)
}

func (d *deviceStore) read() (*deviceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load()
}

func (d *deviceStore) SessionID(ctx context.Context) (string, error) {
	rec, err := d.read()
	if err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

func (d *deviceStore) SetSessionID(ctx context.Context, id string) error {
	return d.update(func(rec *deviceRecord) { rec.SessionID = id })
}

// factor returns the device factor for an account, or nil.
func (d *deviceStore) factor(accountX string) (*big.Int, error) {
	rec, err := d.read()
	if err != nil {
		return nil, err
	}
	f, ok := rec.Factors[accountX]
	if !ok {
		return nil, nil
	}
	return curve.ParseHexScalar(curve.Secp256k1(), f.FactorKey)
}

// setFactor stores key as the account's device factor; nil removes it.
func (d *deviceStore) setFactor(accountX string, key *big.Int) error {
	return d.update(func(rec *deviceRecord) {
		if key == nil {
			delete(rec.Factors, accountX)
			return
		}
		rec.Factors[accountX] = deviceFactor{FactorKey: curve.HexScalar(key)}
	})
}

func (d *deviceStore) setOAuth(s *oauthState) error {
	return d.update(func(rec *deviceRecord) { rec.OAuth = s })
}

// takeOAuth returns and clears the pending OAuth login.
func (d *deviceStore) takeOAuth() (*oauthState, error) {
	var out *oauthState
	err := d.update(func(rec *deviceRecord) {
		out = rec.OAuth
		rec.OAuth = nil
	})
	return out, err
}
