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
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/crypto/ecies"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
)

// ErrScopeClosed is returned when a scope is committed twice
var ErrScopeClosed = errors.New("metadata: atomic scope already closed")

// StoreKey returns the store key of the record owned by scalar k: the
// hex SEC1 compressed public key of k.
func StoreKey(k *big.Int) string {
	return hex.EncodeToString(curve.PrivateKey(k).PubKey().SerializeCompressed())
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// Store is the remote metadata service
	Store Store

	// Random is the entropy source for record encryption
	Random io.Reader

	// ManualSync buffers every write until Sync is called
	ManualSync bool

	// Logger receives sync diagnostics
	Logger logger.Logger
}

// transition is a buffered write.
type transition struct {
	key       string
	owner     *big.Int
	pub       *btcec.PublicKey
	plaintext []byte
	message   string
}

// Adapter reads and writes encrypted records keyed by scalar. Every
// flushed write is signed by the scalar owning the record.
//
// Writes are recorded as local transitions. In auto-sync mode a write
// outside an atomic scope is flushed immediately; in manual-sync mode
// writes accumulate until Sync. Reads see buffered writes first.
// Effects that must not outlive a rolled back write are queued with
// OnSync.
type Adapter struct {
	store  Store
	random io.Reader
	logger logger.Logger

	mu         sync.Mutex
	manualSync bool
	depth      int
	pending    []transition
	hooks      []func(context.Context)
	versions   map[string]uint64
}

// NewAdapter returns an adapter over cfg.Store.
func NewAdapter(cfg *AdapterConfig) (*Adapter, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("metadata: store is required")
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Adapter{
		store:      cfg.Store,
		random:     random,
		logger:     log,
		manualSync: cfg.ManualSync,
		versions:   make(map[string]uint64),
	}, nil
}

// Store returns the underlying store.
func (a *Adapter) Store() Store {
	return a.store
}

// Read returns the decrypted record owned by k. Absent and tombstoned
// records return ErrKeyNotFound.
func (a *Adapter) Read(ctx context.Context, k *big.Int) ([]byte, error) {
	key := StoreKey(k)

	a.mu.Lock()
	if t, ok := a.lastPendingLocked(key); ok {
		a.mu.Unlock()
		if t.message != "" {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, t.message)
		}
		return append([]byte(nil), t.plaintext...), nil
	}
	a.mu.Unlock()

	blob, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		a.setVersion(key, 0)
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: read %s: %w", key, err)
	}
	a.setVersion(key, blob.Version)

	if blob.Tombstoned() {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, blob.Message)
	}

	plaintext, err := ecies.Decrypt(curve.PrivateKey(k), blob.Data, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("metadata: read %s: %w", key, err)
	}
	return plaintext, nil
}

// ReadJSON reads the record owned by k into v.
func (a *Adapter) ReadJSON(ctx context.Context, k *big.Int, v any) error {
	data, err := a.Read(ctx, k)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("metadata: decode record: %w", err)
	}
	return nil
}

// Write records plaintext as the new value owned by k.
func (a *Adapter) Write(ctx context.Context, k *big.Int, plaintext []byte) error {
	return a.add(ctx, transition{
		key:       StoreKey(k),
		owner:     new(big.Int).Set(k),
		pub:       curve.PrivateKey(k).PubKey(),
		plaintext: append([]byte(nil), plaintext...),
	})
}

// WriteJSON encodes v and writes it as the record owned by k.
func (a *Adapter) WriteJSON(ctx context.Context, k *big.Int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metadata: encode record: %w", err)
	}
	return a.Write(ctx, k, data)
}

// Delete replaces the record owned by k with a SHARE_DELETED tombstone.
func (a *Adapter) Delete(ctx context.Context, k *big.Int) error {
	return a.add(ctx, transition{
		key:     StoreKey(k),
		owner:   new(big.Int).Set(k),
		message: MessageShareDeleted,
	})
}

func (a *Adapter) add(ctx context.Context, t transition) error {
	a.mu.Lock()
	mark := len(a.pending)
	a.pending = append(a.pending, t)
	metrics.SetPendingTransitions(len(a.pending))

	if a.manualSync || a.depth > 0 {
		a.mu.Unlock()
		return nil
	}
	hooks, err := a.syncLocked(ctx)
	if err != nil {
		a.truncateLocked(mark, len(a.hooks))
	}
	a.mu.Unlock()
	runHooks(ctx, hooks)
	return err
}

// OnSync runs fn once every write buffered so far has been flushed, or
// at once when nothing is buffered and no scope is open. fn is dropped
// when the scope it was queued in ends without committing, when that
// scope's flush fails and on Discard.
func (a *Adapter) OnSync(ctx context.Context, fn func(context.Context)) {
	a.mu.Lock()
	if a.depth > 0 || len(a.pending) > 0 {
		a.hooks = append(a.hooks, fn)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	fn(ctx)
}

func runHooks(ctx context.Context, hooks []func(context.Context)) {
	for _, fn := range hooks {
		fn(ctx)
	}
}

// Reset overwrites the record owned by k with a KEY_NOT_FOUND tombstone,
// bypassing version checks and dropping buffered writes to it. This is
// the critical reset path and cannot be undone.
func (a *Adapter) Reset(ctx context.Context, k *big.Int) error {
	key := StoreKey(k)

	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.pending[:0]
	for _, t := range a.pending {
		if t.key != key {
			kept = append(kept, t)
		}
	}
	a.pending = kept
	delete(a.versions, key)

	tombstone := &Blob{Message: MessageKeyNotFound}
	SignBlob(k, key, tombstone)
	if err := a.store.Reset(ctx, key, tombstone); err != nil {
		return fmt.Errorf("metadata: reset %s: %w", key, err)
	}
	a.logger.WarnContext(ctx, "metadata record reset", logger.String("key", key))
	return nil
}

// Sync flushes every buffered transition in one batch.
func (a *Adapter) Sync(ctx context.Context) error {
	a.mu.Lock()
	hooks, err := a.syncLocked(ctx)
	a.mu.Unlock()
	runHooks(ctx, hooks)
	return err
}

// syncLocked flushes the pending transitions and, on success, hands back
// the queued hooks for the caller to run once a.mu is released.
func (a *Adapter) syncLocked(ctx context.Context) ([]func(context.Context), error) {
	if len(a.pending) == 0 {
		return a.takeHooksLocked(), nil
	}

	// last write to a key wins, keys keep first-write order
	order := make([]string, 0, len(a.pending))
	last := make(map[string]transition, len(a.pending))
	for _, t := range a.pending {
		if _, ok := last[t.key]; !ok {
			order = append(order, t.key)
		}
		last[t.key] = t
	}

	writes := make([]Write, 0, len(order))
	for _, key := range order {
		base, err := a.baseVersionLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		t := last[key]
		blob := Blob{Version: base + 1, Message: t.message}
		if t.message == "" {
			ct, err := ecies.Encrypt(a.random, t.pub, t.plaintext, []byte(key))
			if err != nil {
				return nil, fmt.Errorf("metadata: encrypt %s: %w", key, err)
			}
			blob.Data = ct
		}
		SignBlob(t.owner, key, &blob)
		writes = append(writes, Write{Key: key, Blob: blob})
	}

	start := time.Now()
	err := a.store.SetBatch(ctx, writes)
	metrics.ObserveOperation(metrics.OpMetadataSync, "", start, err, "metadata")
	if err != nil {
		a.logger.WarnContext(ctx, "metadata sync failed",
			logger.Int("writes", len(writes)), logger.Error(err))
		return nil, fmt.Errorf("metadata: sync failed: %w", err)
	}

	for _, w := range writes {
		a.versions[w.Key] = w.Blob.Version
	}
	a.pending = nil
	metrics.SetPendingTransitions(0)
	a.logger.DebugContext(ctx, "metadata synced", logger.Int("writes", len(writes)))
	return a.takeHooksLocked(), nil
}

func (a *Adapter) takeHooksLocked() []func(context.Context) {
	hooks := a.hooks
	a.hooks = nil
	return hooks
}

func (a *Adapter) baseVersionLocked(ctx context.Context, key string) (uint64, error) {
	if v, ok := a.versions[key]; ok {
		return v, nil
	}
	blob, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metadata: read version of %s: %w", key, err)
	}
	return blob.Version, nil
}

func (a *Adapter) lastPendingLocked(key string) (transition, bool) {
	for i := len(a.pending) - 1; i >= 0; i-- {
		if a.pending[i].key == key {
			return a.pending[i], true
		}
	}
	return transition{}, false
}

func (a *Adapter) setVersion(key string, v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.versions[key] = v
}

func (a *Adapter) truncateLocked(mark, hookMark int) {
	if mark < len(a.pending) {
		a.pending = a.pending[:mark]
	}
	if hookMark < len(a.hooks) {
		a.hooks = a.hooks[:hookMark]
	}
	metrics.SetPendingTransitions(len(a.pending))
}

// SetManualSync switches between manual and auto sync. Switching to auto
// sync does not flush; call Sync for that.
func (a *Adapter) SetManualSync(manual bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.manualSync = manual
}

// ManualSync reports the sync mode.
func (a *Adapter) ManualSync() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manualSync
}

// Pending returns the number of buffered transitions.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Discard drops every buffered transition, queued hook and cached
// version.
func (a *Adapter) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	a.hooks = nil
	a.versions = make(map[string]uint64)
	metrics.SetPendingTransitions(0)
}

// Depth returns the number of open atomic scopes.
func (a *Adapter) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.depth
}
