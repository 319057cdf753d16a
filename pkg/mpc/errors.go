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
	"errors"
	"fmt"
)

// Configuration errors.
var (
	// ErrClientIDRequired indicates Options.ClientID is empty
	ErrClientIDRequired = errors.New("mpc: client id is required")

	// ErrInvalidKeyType indicates an unsupported key type
	ErrInvalidKeyType = errors.New("mpc: invalid key type")

	// ErrNodesRequired indicates no signing node cluster was configured
	ErrNodesRequired = errors.New("mpc: signing nodes are required")

	// ErrIdentityRequired indicates no identity provider was configured
	ErrIdentityRequired = errors.New("mpc: identity provider is required")

	// ErrMetadataRequired indicates no metadata store was configured
	ErrMetadataRequired = errors.New("mpc: metadata store is required")

	// ErrSigningBackendRequired indicates the signing backend is unset or
	// cannot sign for the configured key type
	ErrSigningBackendRequired = errors.New("mpc: signing backend is required")

	// ErrInvalidServerThreshold indicates the signing threshold does not
	// fit the node cluster
	ErrInvalidServerThreshold = errors.New("mpc: invalid server threshold")

	// ErrOAuthNotConfigured indicates an OAuth login without an OAuth flow
	ErrOAuthNotConfigured = errors.New("mpc: oauth is not configured")
)

// Key management errors.
var (
	ErrDuplicateTSSIndex    = errors.New("mpc: duplicate tss share index")
	ErrNoNodeEndpoints      = errors.New("mpc: no signing node endpoints")
	ErrImportOnExistingUser = errors.New("mpc: cannot import a key into an existing account")
	ErrInvalidImportKey     = errors.New("mpc: invalid import key")
	ErrKeyVerification      = errors.New("mpc: reconstructed key does not match account public key")
)

// Factor and authentication errors.
var (
	ErrFactorNotPresent         = errors.New("mpc: factor not present")
	ErrFactorExists             = errors.New("mpc: factor already exists")
	ErrCannotDeleteLastFactor   = errors.New("mpc: cannot delete last factor")
	ErrCannotDeleteActiveFactor = errors.New("mpc: cannot delete active factor")
	ErrMaxFactorsReached        = errors.New("mpc: maximum number of factors reached")
	ErrInvalidShareType         = errors.New("mpc: invalid share type")
	ErrInvalidFactor            = errors.New("mpc: invalid factor key")
	ErrMFAAlreadyEnabled        = errors.New("mpc: mfa already enabled")
	ErrOAuthStateMismatch       = errors.New("mpc: oauth state mismatch")
	ErrNoPendingOAuth           = errors.New("mpc: no pending oauth login")
)

// Initialization and session errors.
var (
	ErrNotInitialized    = errors.New("mpc: engine not initialized")
	ErrAlreadyLoggedIn   = errors.New("mpc: already logged in")
	ErrNotLoggedIn       = errors.New("mpc: not logged in")
	ErrCommitBeforeMFA   = errors.New("mpc: commit pending changes before enabling mfa")
	ErrNoActiveSession   = errors.New("mpc: no active session")
	ErrMissingSignatures = errors.New("mpc: missing identity signatures")
)

// Normalized errors.
var (
	// ErrInsufficientShares indicates more factors or identity shares
	// are needed; callers branch on it to prompt for another factor
	ErrInsufficientShares = errors.New("mpc: insufficient shares")

	// ErrUnsupported indicates a feature the key type cannot provide
	ErrUnsupported = errors.New("mpc: unsupported")

	// ErrInvalidMessage indicates a pre-hashed message of the wrong length
	ErrInvalidMessage = errors.New("mpc: pre-hashed message must be 32 bytes")
)

// FactorError reports a failure tied to one factor public key.
type FactorError struct {
	Pub string
	Err error
}

func (e *FactorError) Error() string {
	return fmt.Sprintf("mpc: factor %s: %v", e.Pub, e.Err)
}

func (e *FactorError) Unwrap() error {
	return e.Err
}

func factorError(pub string, err error) error {
	return &FactorError{Pub: pub, Err: err}
}
