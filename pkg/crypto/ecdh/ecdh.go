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

// Package ecdh is secp256k1 key agreement. The shared secret is the x
// coordinate of priv*pub; Expand stretches it with HKDF-SHA256.
package ecdh

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidKey rejects a missing key or a point off the curve.
var ErrInvalidKey = errors.New("ecdh: invalid key")

// Agree returns the 32 byte shared x coordinate of priv*pub.
func Agree(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([]byte, error) {
	switch {
	case priv == nil:
		return nil, fmt.Errorf("%w: nil private key", ErrInvalidKey)
	case pub == nil:
		return nil, fmt.Errorf("%w: nil public key", ErrInvalidKey)
	case !pub.IsOnCurve():
		return nil, fmt.Errorf("%w: point not on secp256k1", ErrInvalidKey)
	}
	return btcec.GenerateSharedSecret(priv, pub), nil
}

// Expand derives n bytes from secret. Distinct info strings give
// independent keys.
func Expand(secret, salt, info []byte, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("ecdh: empty secret")
	}
	if n <= 0 {
		return nil, fmt.Errorf("ecdh: key length %d", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("ecdh: hkdf: %w", err)
	}
	return out, nil
}
