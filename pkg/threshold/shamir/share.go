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

package shamir

import (
	"encoding/base64"
	"fmt"
)

// Share is one piece of a split secret.
type Share struct {
	// Index is the share number (1 to Total)
	Index int `json:"index"`

	// Threshold is the minimum number of shares required to reconstruct
	Threshold int `json:"threshold"`

	// Total is the total number of shares created
	Total int `json:"total"`

	// Group identifies the split this share belongs to
	Group string `json:"group"`

	// Value is the sssa share, base64 encoded
	Value string `json:"value"`
}

// Bytes returns the raw share value.
func (s *Share) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.Value)
}

// String hides the share value.
func (s *Share) String() string {
	return fmt.Sprintf("Share{Index: %d, Threshold: %d/%d, Group: %s}",
		s.Index, s.Threshold, s.Total, s.Group)
}

// Validate checks the share parameters.
func (s *Share) Validate() error {
	if s == nil {
		return fmt.Errorf("share is nil")
	}
	if s.Index < 1 {
		return fmt.Errorf("invalid share index: %d (must be >= 1)", s.Index)
	}
	if s.Threshold < 2 {
		return fmt.Errorf("invalid threshold: %d (must be >= 2)", s.Threshold)
	}
	if s.Total < s.Threshold {
		return fmt.Errorf("invalid total: %d (must be >= threshold %d)", s.Total, s.Threshold)
	}
	if s.Index > s.Total {
		return fmt.Errorf("invalid share index: %d (must be <= total %d)", s.Index, s.Total)
	}
	if s.Value == "" {
		return fmt.Errorf("share value is empty")
	}
	return nil
}

func (s *Share) compatible(other *Share) error {
	if other.Group != s.Group {
		return fmt.Errorf("%w: %q != %q", ErrGroupMismatch, other.Group, s.Group)
	}
	if other.Threshold != s.Threshold {
		return fmt.Errorf("threshold mismatch: %d != %d", other.Threshold, s.Threshold)
	}
	if other.Total != s.Total {
		return fmt.Errorf("total mismatch: %d != %d", other.Total, s.Total)
	}
	return nil
}
