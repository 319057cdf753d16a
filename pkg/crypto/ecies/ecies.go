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

// Package ecies encrypts records to secp256k1 public keys. Factor
// shares, metadata documents and social shares are all sealed to the
// public point of the scalar that indexes them.
//
// A ciphertext is
//
//	ephemeral pubkey (33, compressed) || nonce (12) || AES-256-GCM output
//
// The AES key is HKDF-SHA256 over the ECDH secret, salted with the
// ephemeral public key.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jeremyhahn/go-mpckit/pkg/crypto/ecdh"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
)

const (
	ephemeralLen = btcec.PubKeyBytesLenCompressed
	nonceLen     = 12
	tagLen       = 16

	// Overhead is the ciphertext expansion over the plaintext.
	Overhead = ephemeralLen + nonceLen + tagLen

	info = "mpckit-ecies-secp256k1"
)

var (
	// ErrDecrypt means the ciphertext did not authenticate under the key
	// and associated data
	ErrDecrypt = errors.New("ecies: decryption failed")

	ErrMalformed = errors.New("ecies: malformed ciphertext")
)

// Encrypt seals plaintext to pub. aad is authenticated, not encrypted.
func Encrypt(random io.Reader, pub *btcec.PublicKey, plaintext, aad []byte) ([]byte, error) {
	if random == nil || pub == nil || plaintext == nil {
		return nil, errors.New("ecies: random, public key and plaintext are required")
	}
	k, err := curve.RandomScalar(curve.Secp256k1(), random)
	if err != nil {
		return nil, fmt.Errorf("ecies: ephemeral key: %w", err)
	}
	eph := curve.PrivateKey(k)
	ephPub := eph.PubKey().SerializeCompressed()

	aead, err := sealer(eph, pub, ephPub)
	if err != nil {
		return nil, err
	}
	out := make([]byte, ephemeralLen+nonceLen, Overhead+len(plaintext))
	copy(out, ephPub)
	nonce := out[ephemeralLen:]
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("ecies: nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(priv *btcec.PrivateKey, ciphertext, aad []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("ecies: private key is required")
	}
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(ciphertext))
	}
	ephPub := ciphertext[:ephemeralLen]
	eph, err := btcec.ParsePubKey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrMalformed, err)
	}
	aead, err := sealer(priv, eph, ephPub)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[ephemeralLen : ephemeralLen+nonceLen]
	plaintext, err := aead.Open(make([]byte, 0, len(ciphertext)-Overhead), nonce, ciphertext[ephemeralLen+nonceLen:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func sealer(priv *btcec.PrivateKey, pub *btcec.PublicKey, ephPub []byte) (cipher.AEAD, error) {
	secret, err := ecdh.Agree(priv, pub)
	if err != nil {
		return nil, err
	}
	key, err := ecdh.Expand(secret, ephPub, []byte(info), 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
