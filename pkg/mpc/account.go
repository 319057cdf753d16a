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
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jeremyhahn/go-mpckit/pkg/crypto/ecies"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/threshold/shamir"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"golang.org/x/crypto/sha3"
)

// Share description modules.
const (
	ModuleHashed           = "hashedShare"
	ModuleDevice           = "deviceShare"
	ModuleRecovery         = "seedPhrase"
	ModuleSecurityQuestion = "tssSecurityQuestions"
	ModuleOther            = "Other"
)

// FactorEnc is one factor's encrypted TSS share.
type FactorEnc struct {
	TSSIndex int    `json:"tssIndex"`
	Nonce    int    `json:"nonce"`
	Share    []byte `json:"share"`
}

// AccountMetadata is the account document stored under the metadata key.
type AccountMetadata struct {
	KeyType      tss.KeyType `json:"keyType"`
	TSSTag       string      `json:"tssTag"`
	TSSNonce     int         `json:"tssNonce"`
	TSSPubKey    string      `json:"tssPubKey"`
	ServerPubKey string      `json:"serverPubKey"`

	FactorPubs        []string                   `json:"factorPubs"`
	FactorEncs        map[string]*FactorEnc      `json:"factorEncs"`
	ShareDescriptions map[string][]string        `json:"shareDescriptions"`
	GeneralStore      map[string]json.RawMessage `json:"generalStore,omitempty"`

	// EncryptedSeed is the ed25519 seed, ECIES encrypted to the
	// metadata key
	EncryptedSeed []byte `json:"encryptedSeed,omitempty"`
}

// socialRecord is stored under the postbox key.
type socialRecord struct {
	Share          *shamir.Share `json:"share"`
	MetadataPubKey string        `json:"metadataPubKey"`
}

// factorBackup is stored under each factor key.
type factorBackup struct {
	Share          *shamir.Share `json:"share"`
	MetadataPubKey string        `json:"metadataPubKey"`
	TSSIndex       int           `json:"tssIndex"`
}

// ShareDescription is one audit entry for a factor.
type ShareDescription struct {
	Module        string            `json:"module"`
	TSSShareIndex int               `json:"tssShareIndex"`
	DateAdded     int64             `json:"dateAdded"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (a *AccountMetadata) hasFactor(pub string) bool {
	for _, p := range a.FactorPubs {
		if p == pub {
			return true
		}
	}
	return false
}

// indexes returns the distinct share indexes in use, sorted.
func (a *AccountMetadata) indexes() []int {
	seen := make(map[int]bool)
	var out []int
	for _, pub := range a.FactorPubs {
		enc, ok := a.FactorEncs[pub]
		if !ok || seen[enc.TSSIndex] {
			continue
		}
		seen[enc.TSSIndex] = true
		out = append(out, enc.TSSIndex)
	}
	sort.Ints(out)
	return out
}

func (a *AccountMetadata) removeFactor(pub string) {
	pubs := make([]string, 0, len(a.FactorPubs))
	for _, p := range a.FactorPubs {
		if p != pub {
			pubs = append(pubs, p)
		}
	}
	a.FactorPubs = pubs
	delete(a.FactorEncs, pub)
	delete(a.ShareDescriptions, pub)
}

func (a *AccountMetadata) clone() *AccountMetadata {
	out := *a
	out.FactorPubs = append([]string(nil), a.FactorPubs...)
	out.FactorEncs = make(map[string]*FactorEnc, len(a.FactorEncs))
	for k, v := range a.FactorEncs {
		enc := *v
		enc.Share = append([]byte(nil), v.Share...)
		out.FactorEncs[k] = &enc
	}
	out.ShareDescriptions = make(map[string][]string, len(a.ShareDescriptions))
	for k, v := range a.ShareDescriptions {
		out.ShareDescriptions[k] = append([]string(nil), v...)
	}
	out.GeneralStore = make(map[string]json.RawMessage, len(a.GeneralStore))
	for k, v := range a.GeneralStore {
		out.GeneralStore[k] = append(json.RawMessage(nil), v...)
	}
	out.EncryptedSeed = append([]byte(nil), a.EncryptedSeed...)
	return &out
}

func (a *AccountMetadata) describe(pub string, d ShareDescription) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	a.ShareDescriptions[pub] = append(a.ShareDescriptions[pub], string(data))
	return nil
}

// encryptShare encrypts a TSS share to a factor public key.
func encryptShare(random io.Reader, c curve.Curve, factorPub string, share *big.Int) ([]byte, error) {
	pub, err := parseFactorPub(factorPub)
	if err != nil {
		return nil, err
	}
	return ecies.Encrypt(random, pub, c.EncodeScalar(share), []byte(factorPub))
}

func decryptShare(c curve.Curve, factorKey *big.Int, factorPub string, ct []byte) (*big.Int, error) {
	plaintext, err := ecies.Decrypt(curve.PrivateKey(factorKey), ct, []byte(factorPub))
	if err != nil {
		return nil, err
	}
	return c.DecodeScalar(plaintext)
}

func parseFactorPub(pub string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFactor, err)
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFactor, err)
	}
	return key, nil
}

// keccakScalar hashes parts with Keccak-256 and reduces into [1, n).
func keccakScalar(parts ...[]byte) *big.Int {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	n := curve.Secp256k1().Order()
	k := new(big.Int).SetBytes(h.Sum(nil))
	k.Mod(k, new(big.Int).Sub(n, big.NewInt(1)))
	return k.Add(k, big.NewInt(1))
}

// hashedFactorKey derives the default factor from the postbox key.
func hashedFactorKey(postbox *big.Int, nonce string) *big.Int {
	return keccakScalar(curve.Secp256k1().EncodeScalar(postbox), []byte(nonce))
}

// accountOffset is the additive tweak of a derived secp256k1 account.
// Index 0 is the base account.
func accountOffset(tssPub []byte, index int) *big.Int {
	if index == 0 {
		return new(big.Int)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(index))
	return keccakScalar(tssPub, buf[:])
}

// verifyShare checks that share at index combines with the server
// commitment into tssPub.
func verifyShare(c curve.Curve, serverPub curve.Point, index int, share *big.Int, tssPub curve.Point) error {
	got, err := curve.InterpolatePoints(c, []int{curve.ServerIndex, index},
		[]curve.Point{serverPub, c.ScalarBaseMult(share)}, 0)
	if err != nil {
		return err
	}
	if !got.Equal(tssPub) {
		return ErrKeyVerification
	}
	return nil
}
