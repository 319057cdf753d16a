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

package metadata

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
)

// blobDigest hashes the signed fields of a write to key. Tombstones
// written by Reset are signed at version 0.
func blobDigest(key string, b *Blob) []byte {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(key)))
	h.Write(n[:])
	h.Write([]byte(key))
	binary.BigEndian.PutUint64(n[:], b.Version)
	h.Write(n[:])
	binary.BigEndian.PutUint64(n[:], uint64(len(b.Data)))
	h.Write(n[:])
	h.Write(b.Data)
	h.Write([]byte(b.Message))
	return h.Sum(nil)
}

// SignBlob signs b as a write to key with the scalar k owning key.
func SignBlob(k *big.Int, key string, b *Blob) {
	b.Signature = ecdsa.Sign(curve.PrivateKey(k), blobDigest(key, b)).Serialize()
}

// storePubKey parses a store key back into the public key it names.
func storePubKey(key string) (*btcec.PublicKey, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", ErrInvalidKey, key)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, key, err)
	}
	return pub, nil
}

// VerifyBlob checks that b was signed for key by the scalar owning key.
func VerifyBlob(key string, b *Blob) error {
	pub, err := storePubKey(key)
	if err != nil {
		return err
	}
	if len(b.Signature) == 0 {
		return fmt.Errorf("%w: unsigned write to %s", ErrInvalidSignature, key)
	}
	sig, err := ecdsa.ParseDERSignature(b.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(blobDigest(key, b), pub) {
		return fmt.Errorf("%w: write to %s", ErrInvalidSignature, key)
	}
	return nil
}
