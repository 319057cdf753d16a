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
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/audit"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/session"
	"github.com/jeremyhahn/go-mpckit/pkg/storage"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

const (
	// DefaultTSSTag is the account tag used when none is configured
	DefaultTSSTag = "default"

	// DefaultStorageKey namespaces the local device record
	DefaultStorageKey = "mpckit"

	// DefaultConnectTimeout bounds signing node connection setup
	DefaultConnectTimeout = 10 * time.Second

	// MaxFactors is the largest number of factors an account may hold
	MaxFactors = 10
)

// Options configures an Engine.
type Options struct {
	// ClientID identifies the application. It is the default nonce of
	// the hashed factor.
	ClientID string

	// KeyType selects the signing curve. Defaults to secp256k1.
	KeyType tss.KeyType

	// TSSTag selects one of several keys per identity.
	TSSTag string

	Nodes    tss.Nodes
	Signing  tss.SigningBackend
	Identity identity.Provider

	// OAuth enables LoginWithOAuth and HandleRedirectResult.
	OAuth *identity.OAuthFlow

	// Metadata is the remote account metadata store.
	Metadata metadata.Store

	// Storage holds the local device record. Defaults to memory.
	Storage storage.Backend

	// StorageKey namespaces the device record inside Storage.
	StorageKey string

	// SessionStore persists session tokens. Nil disables sessions.
	SessionStore session.Store
	SessionTTL   time.Duration

	// ManualSync buffers metadata writes until CommitChanges.
	ManualSync bool

	// DisableHashedFactorKey replaces the identity derived default
	// factor with a random factor kept on the device.
	DisableHashedFactorKey bool

	// HashedFactorNonce salts the hashed factor. Defaults to ClientID.
	HashedFactorNonce string

	// ServerThreshold is the number of nodes sampled per signature.
	// Defaults to Nodes.Threshold().
	ServerThreshold int

	ConnectTimeout time.Duration

	// Audit receives one event per engine operation. Defaults to a
	// recorder that drops events.
	Audit audit.Recorder

	Logger logger.Logger
	Random io.Reader
	Now    func() time.Time
}

// SetDefaults fills unset fields.
func (o *Options) SetDefaults() {
	if o.KeyType == "" {
		o.KeyType = tss.KeySecp256k1
	}
	if o.TSSTag == "" {
		o.TSSTag = DefaultTSSTag
	}
	if o.Storage == nil {
		o.Storage = storage.NewMemory()
	}
	if o.StorageKey == "" {
		o.StorageKey = DefaultStorageKey
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = session.DefaultTTL
	}
	if o.HashedFactorNonce == "" {
		o.HashedFactorNonce = o.ClientID
	}
	if o.ServerThreshold == 0 && o.Nodes != nil {
		o.ServerThreshold = o.Nodes.Threshold()
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Audit == nil {
		o.Audit = audit.Nop()
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Random == nil {
		o.Random = rand.Reader
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Validate checks the options. It performs no I/O.
func (o *Options) Validate() error {
	if o.ClientID == "" {
		return ErrClientIDRequired
	}
	if !o.KeyType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKeyType, string(o.KeyType))
	}
	if o.Nodes == nil {
		return ErrNodesRequired
	}
	if o.Identity == nil {
		return ErrIdentityRequired
	}
	if o.Metadata == nil {
		return ErrMetadataRequired
	}
	if o.Signing.IsZero() {
		return ErrSigningBackendRequired
	}
	endpoints := o.Nodes.Endpoints()
	if len(endpoints) == 0 {
		return ErrNoNodeEndpoints
	}
	seen := make(map[int]bool, len(endpoints))
	for _, ep := range endpoints {
		if seen[ep.Index] {
			return fmt.Errorf("%w: node %d", ErrDuplicateTSSIndex, ep.Index)
		}
		seen[ep.Index] = true
	}
	if o.ServerThreshold < 1 || o.ServerThreshold > len(endpoints) {
		return fmt.Errorf("%w: %d of %d nodes", ErrInvalidServerThreshold, o.ServerThreshold, len(endpoints))
	}
	return nil
}
