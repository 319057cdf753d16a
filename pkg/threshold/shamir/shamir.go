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

// Package shamir splits the account metadata key with Shamir's Secret
// Sharing. The engine uses a 2-of-2 split: share 1 is the social share
// stored under the user's postbox key and share 2 is the device share
// backed up under every factor.
//
// This package wraps the sssa-golang library. Every share carries the
// group it belongs to (the metadata public key) so shares from different
// accounts can never be combined.
package shamir

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/SSSaaS/sssa-golang"
)

var (
	// ErrGroupMismatch indicates shares from different splits were mixed
	ErrGroupMismatch = errors.New("shamir: shares belong to different groups")

	// ErrInsufficientShares indicates fewer than threshold shares were supplied
	ErrInsufficientShares = errors.New("shamir: insufficient shares")
)

// Split divides a secret into total shares where any threshold shares can
// reconstruct it. The secret is hex encoded before it is handed to
// sssa-golang.
//
//	shares, err := shamir.Split(metadataKey, 2, 2, metadataPubHex)
//	// shares[0] is the social share, shares[1] the device share
func Split(secret []byte, threshold, total int, group string) ([]*Share, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("threshold must be at least 2, got %d", threshold)
	}
	if total < threshold {
		return nil, fmt.Errorf("total shares (%d) must be >= threshold (%d)", total, threshold)
	}
	if total > 255 {
		return nil, fmt.Errorf("total shares cannot exceed 255, got %d", total)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}

	shareStrings, err := sssa.Create(threshold, total, hex.EncodeToString(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]*Share, len(shareStrings))
	for i, shareStr := range shareStrings {
		shares[i] = &Share{
			Index:     i + 1,
			Threshold: threshold,
			Total:     total,
			Group:     group,
			Value:     base64.StdEncoding.EncodeToString([]byte(shareStr)),
		}
	}

	return shares, nil
}

// Combine reconstructs the secret from threshold or more shares of the
// same group.
func Combine(shares []*Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares provided", ErrInsufficientShares)
	}

	first := shares[0]
	for i, share := range shares {
		if err := share.Validate(); err != nil {
			return nil, fmt.Errorf("invalid share %d: %w", i, err)
		}
		if i == 0 {
			continue
		}
		if err := share.compatible(first); err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
	}

	if len(shares) < first.Threshold {
		return nil, fmt.Errorf("%w: need %d, got %d", ErrInsufficientShares, first.Threshold, len(shares))
	}

	shareStrings := make([]string, len(shares))
	for i, share := range shares {
		decoded, err := share.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to decode share %d: %w", i, err)
		}
		shareStrings[i] = string(decoded)
	}

	secretHex, err := sssa.Combine(shareStrings)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}

	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hex secret: %w", err)
	}

	return secret, nil
}

// VerifyShare checks a share is well formed and consistent with others.
func VerifyShare(share *Share, otherShares []*Share) error {
	if err := share.Validate(); err != nil {
		return err
	}
	for i, other := range otherShares {
		if err := share.compatible(other); err != nil {
			return fmt.Errorf("share %d: %w", i, err)
		}
		if other.Index == share.Index {
			return fmt.Errorf("duplicate share index: %d", share.Index)
		}
	}
	return nil
}
