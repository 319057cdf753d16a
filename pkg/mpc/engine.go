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

// Package mpc is the client side of a threshold key: one share is held
// by the user's factors, the other by a cluster of signing nodes. The
// Engine logs identities in, reconstructs and validates the user's TSS
// share from a factor key, manages factors (create, delete, MFA), keeps
// the encrypted account metadata in sync and signs with DKLS
// (secp256k1) or FROST (ed25519).
//
// Basic usage:
//
//	engine, err := mpc.New(&mpc.Options{
//		ClientID: "my-app",
//		Nodes:    nodes,
//		Signing:  tss.Preloaded(nodes.Lib()),
//		Identity: provider,
//		Metadata: metadataStore,
//	})
//	if err := engine.Init(ctx); err != nil { ... }
//	err = engine.LoginWithJWT(ctx, &mpc.JWTLoginParams{
//		Verifier: "v", VerifierID: "u1", IDToken: token,
//	})
//	sig, err := engine.Sign(ctx, []byte("hello"))
package mpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/audit"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/correlation"
	"github.com/jeremyhahn/go-mpckit/pkg/curve"
	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/session"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
)

// Engine manages one identity's threshold key. Methods serialise on an
// internal mutex; callers must not interleave mutating operations on
// the same account from several engines.
type Engine struct {
	opts     Options
	curve    curve.Curve
	adapter  *metadata.Adapter
	device   *deviceStore
	sessions *session.Manager
	logger   logger.Logger

	mu    sync.Mutex
	ready bool
	lib   *tss.SigningLib
	state State

	// principal is the identity of the latest login attempt. It is read
	// without mu when operations are audited.
	principal atomic.Pointer[audit.Principal]
}

// New validates opts and builds an engine. Init must be called before
// any other method.
func New(opts *Options) (*Engine, error) {
	if opts == nil {
		return nil, ErrClientIDRequired
	}
	o := *opts
	o.SetDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	c, err := o.KeyType.Curve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyType, err)
	}
	adapter, err := metadata.NewAdapter(&metadata.AdapterConfig{
		Store:      o.Metadata,
		Random:     o.Random,
		ManualSync: o.ManualSync,
		Logger:     o.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    o,
		curve:   c,
		adapter: adapter,
		device:  newDeviceStore(o.Storage, o.StorageKey),
		logger:  o.Logger.With(logger.String("keyType", string(o.KeyType)), logger.String("tssTag", o.TSSTag)),
	}
	if o.SessionStore != nil {
		e.sessions, err = session.NewManager(&session.ManagerConfig{
			Store:  o.SessionStore,
			IDs:    e.device,
			TTL:    o.SessionTTL,
			Random: o.Random,
			Now:    o.Now,
			Logger: o.Logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Init resolves the signing backend and restores a stored session if
// one authorizes. Rehydration failures are logged, never returned.
func (e *Engine) Init(ctx context.Context) error {
	ctx, _ = correlation.Ensure(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return nil
	}
	lib, err := e.opts.Signing.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningBackendRequired, err)
	}
	if !lib.Supports(e.opts.KeyType) {
		return fmt.Errorf("%w: no %s signer", ErrSigningBackendRequired, e.opts.KeyType)
	}
	e.lib = lib
	e.ready = true

	e.rehydrate(ctx)
	return nil
}

// Status returns the login state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Status
}

// State returns a copy of the session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// KeyType returns the configured key type.
func (e *Engine) KeyType() tss.KeyType {
	return e.opts.KeyType
}

// TSSTag returns the configured account tag.
func (e *Engine) TSSTag() string {
	return e.opts.TSSTag
}

func (e *Engine) requireReady() error {
	if !e.ready {
		return ErrNotInitialized
	}
	return nil
}

func (e *Engine) requireLoggedIn() error {
	if err := e.requireReady(); err != nil {
		return err
	}
	if !e.state.LoggedIn() {
		return ErrNotLoggedIn
	}
	return nil
}

func (e *Engine) accountID() tss.AccountID {
	return tss.AccountID{
		Verifier:   e.state.UserInfo.Verifier,
		VerifierID: e.state.UserInfo.VerifierID,
		Tag:        e.opts.TSSTag,
		KeyType:    e.opts.KeyType,
	}
}

func opContext(ctx context.Context, op string) context.Context {
	ctx, _ = correlation.Ensure(ctx)
	return correlation.WithOperation(ctx, op)
}

func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	kind := errorType(err)
	metrics.ObserveOperation(op, string(e.opts.KeyType), start, err, kind)
	e.audit(ctx, op, start, err, kind)
}

func (e *Engine) audit(ctx context.Context, op string, start time.Time, err error, kind string) {
	event := &audit.Event{
		Timestamp:     e.opts.Now(),
		Operation:     op,
		Outcome:       audit.OutcomeSuccess,
		Principal:     e.principal.Load(),
		KeyType:       string(e.opts.KeyType),
		TSSTag:        e.opts.TSSTag,
		CorrelationID: correlation.GetCorrelationID(ctx),
		Duration:      time.Since(start),
	}
	if err != nil {
		event.Outcome = audit.OutcomeFailure
		event.ErrorType = kind
		event.Error = err.Error()
	}
	if recErr := e.opts.Audit.Record(ctx, event); recErr != nil {
		e.logger.WarnContext(ctx, "failed to record audit event", logger.String("operation", op), logger.Error(recErr))
	}
}

func (e *Engine) setPrincipal(u identity.UserInfo) {
	e.principal.Store(&audit.Principal{Verifier: u.Verifier, VerifierID: u.VerifierID})
}

// errorType classifies err for the error counter.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrFactorNotPresent), errors.Is(err, ErrFactorExists),
		errors.Is(err, ErrInvalidFactor), errors.Is(err, ErrInvalidShareType),
		errors.Is(err, ErrCannotDeleteLastFactor), errors.Is(err, ErrCannotDeleteActiveFactor),
		errors.Is(err, ErrMaxFactorsReached):
		return "factor"
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrNotLoggedIn),
		errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrCommitBeforeMFA):
		return "session"
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrInvalidMessage):
		return "unsupported"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	return "backend"
}

// accountX is the device record key of an account: the x coordinate
// of its metadata public key.
func accountX(metadataPub string) string {
	if len(metadataPub) > 2 {
		return metadataPub[2:]
	}
	return metadataPub
}

func (e *Engine) readAccount(ctx context.Context, metadataKey *big.Int) (*AccountMetadata, error) {
	acct := &AccountMetadata{}
	if err := e.adapter.ReadJSON(ctx, metadataKey, acct); err != nil {
		return nil, fmt.Errorf("mpc: read account metadata: %w", err)
	}
	if acct.FactorEncs == nil {
		acct.FactorEncs = make(map[string]*FactorEnc)
	}
	if acct.ShareDescriptions == nil {
		acct.ShareDescriptions = make(map[string][]string)
	}
	if acct.GeneralStore == nil {
		acct.GeneralStore = make(map[string]json.RawMessage)
	}
	return acct, nil
}

// loadAccount reads the logged in account's metadata.
func (e *Engine) loadAccount(ctx context.Context) (*AccountMetadata, error) {
	return e.readAccount(ctx, e.state.MetadataKey)
}

func (e *Engine) writeAccount(ctx context.Context, acct *AccountMetadata) error {
	return e.adapter.WriteJSON(ctx, e.state.MetadataKey, acct)
}

// Logout invalidates the stored session, discards unsynced metadata
// writes and resets the engine to NOT_INITIALIZED.
func (e *Engine) Logout(ctx context.Context) error {
	ctx = opContext(ctx, "logout")

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReady(); err != nil {
		return err
	}
	if e.state.Status == StatusNotInitialized {
		return ErrNotLoggedIn
	}
	e.logout(ctx)
	e.audit(ctx, "logout", time.Now(), nil, "")
	e.principal.Store(nil)
	e.logger.InfoContext(ctx, "logged out")
	return nil
}

func (e *Engine) logout(ctx context.Context) {
	if e.sessions != nil {
		if err := e.sessions.InvalidateSession(ctx); err != nil {
			e.logger.WarnContext(ctx, "failed to invalidate session", logger.Error(err))
		}
	}
	if n := e.adapter.Pending(); n > 0 {
		e.logger.WarnContext(ctx, "discarding unsynced metadata changes", logger.Int("pending", n))
	}
	e.adapter.Discard()
	metrics.SetPendingTransitions(0)
	e.state = State{}
}

// CommitChanges flushes buffered metadata writes in one batch.
func (e *Engine) CommitChanges(ctx context.Context) error {
	ctx = opContext(ctx, metrics.OpMetadataSync)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReady(); err != nil {
		return err
	}
	if e.state.Status == StatusNotInitialized {
		return ErrNotLoggedIn
	}
	pending := e.adapter.Pending()
	if err := e.adapter.Sync(ctx); err != nil {
		return fmt.Errorf("mpc: commit changes: %w", err)
	}
	metrics.SetPendingTransitions(0)
	e.logger.InfoContext(ctx, "metadata changes committed", logger.Int("writes", pending))
	return nil
}

// SetManualSync switches between auto and manual metadata sync.
func (e *Engine) SetManualSync(manual bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapter.SetManualSync(manual)
}

// PendingChanges returns the number of buffered metadata writes.
func (e *Engine) PendingChanges() int {
	return e.adapter.Pending()
}

// AtomicSync runs fn inside one atomic metadata region: the writes fn
// makes are flushed together when the region closes, or discarded with
// the session state restored when fn fails. fn may call other Engine
// methods.
func (e *Engine) AtomicSync(ctx context.Context, fn func(ctx context.Context) error) error {
	e.mu.Lock()
	snapshot := e.state
	e.mu.Unlock()

	scope := e.adapter.Begin()
	defer scope.End()

	err := fn(ctx)
	if err == nil {
		err = scope.Commit(ctx)
	}
	if err != nil {
		e.mu.Lock()
		e.state = snapshot
		e.mu.Unlock()
		return err
	}
	metrics.SetPendingTransitions(e.adapter.Pending())
	return nil
}

// KeyDetails summarises the account.
type KeyDetails struct {
	KeyType           tss.KeyType
	Status            Status
	TSSPubKey         []byte
	MetadataPubKey    string
	RequiredFactors   int
	TotalFactors      int
	TSSNonce          int
	ShareDescriptions map[string][]string
}

// GetKeyDetails describes the account. Before a factor is applied only
// the metadata public key is known.
func (e *Engine) GetKeyDetails(ctx context.Context) (*KeyDetails, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReady(); err != nil {
		return nil, err
	}
	details := &KeyDetails{
		KeyType:        e.opts.KeyType,
		Status:         e.state.Status,
		MetadataPubKey: e.state.MetadataPubKey,
	}
	switch e.state.Status {
	case StatusNotInitialized:
		return nil, ErrNotLoggedIn
	case StatusInitialized, StatusRequiredShare:
		details.RequiredFactors = 1
		return details, nil
	}

	acct, err := e.loadAccount(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := e.publicKey()
	if err != nil {
		return nil, err
	}
	details.TSSPubKey = pub
	details.TotalFactors = len(acct.FactorPubs)
	details.TSSNonce = acct.TSSNonce
	details.ShareDescriptions = acct.ShareDescriptions
	return details, nil
}

// GetPublicKey returns the signing public key of the selected account
// index: SEC1 compressed for secp256k1, 32 bytes for ed25519.
func (e *Engine) GetPublicKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireLoggedIn(); err != nil {
		return nil, err
	}
	return e.publicKey()
}

// TSSPubKey returns the base account public key.
func (e *Engine) TSSPubKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireLoggedIn(); err != nil {
		return nil, err
	}
	return append([]byte(nil), e.state.TSSPubKey...), nil
}

func (e *Engine) publicKey() ([]byte, error) {
	pub, err := derivedPub(e.curve, e.state.TSSPubKey, e.state.AccountIndex)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), pub...), nil
}

// SetTSSWalletIndex selects a derived secp256k1 account. ed25519 keys
// only support index 0.
func (e *Engine) SetTSSWalletIndex(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("%w: negative account index", ErrUnsupported)
	}
	if index != 0 && e.opts.KeyType == tss.KeyEd25519 {
		return fmt.Errorf("%w: ed25519 account index", ErrUnsupported)
	}
	e.state = e.state.withAccountIndex(index)
	return nil
}

// CriticalResetAccount overwrites the identity's social record with a
// KEY_NOT_FOUND tombstone and logs out. The next login creates a new
// account. This cannot be undone.
func (e *Engine) CriticalResetAccount(ctx context.Context) error {
	ctx = opContext(ctx, "critical_reset")

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return err
	}
	if err := e.adapter.Reset(ctx, e.state.PostboxKey); err != nil {
		return fmt.Errorf("mpc: critical reset: %w", err)
	}
	if err := e.device.setFactor(accountX(e.state.MetadataPubKey), nil); err != nil {
		e.logger.WarnContext(ctx, "failed to clear device factor", logger.Error(err))
	}
	e.logger.WarnContext(ctx, "account reset",
		logger.String("verifier", e.state.UserInfo.Verifier),
		logger.String("verifierId", e.state.UserInfo.VerifierID))
	e.logout(ctx)
	return nil
}

// GetGeneralStoreDomain decodes the general store entry for domain
// into v. It reports false when the domain is unset.
func (e *Engine) GetGeneralStoreDomain(ctx context.Context, domain string, v any) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return false, err
	}
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return false, err
	}
	raw, ok := acct.GeneralStore[domain]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("mpc: decode general store %q: %w", domain, err)
	}
	return true, nil
}

// SetGeneralStoreDomain stores v under domain.
func (e *Engine) SetGeneralStoreDomain(ctx context.Context, domain string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mpc: encode general store %q: %w", domain, err)
	}
	return e.updateGeneralStore(ctx, func(store map[string]json.RawMessage) {
		store[domain] = raw
	})
}

// DeleteGeneralStoreDomain removes domain from the general store.
func (e *Engine) DeleteGeneralStoreDomain(ctx context.Context, domain string) error {
	return e.updateGeneralStore(ctx, func(store map[string]json.RawMessage) {
		delete(store, domain)
	})
}

func (e *Engine) updateGeneralStore(ctx context.Context, fn func(map[string]json.RawMessage)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return err
	}
	acct, err := e.loadAccount(ctx)
	if err != nil {
		return err
	}
	next := acct.clone()
	fn(next.GeneralStore)

	scope := e.adapter.Begin()
	defer scope.End()
	if err := e.writeAccount(ctx, next); err != nil {
		return err
	}
	return scope.Commit(ctx)
}

// socialKey derives the metadata key of a social store domain from the
// postbox key.
func (e *Engine) socialKey(domain string) *big.Int {
	return keccakScalar(curve.Secp256k1().EncodeScalar(e.state.PostboxKey), []byte(domain))
}

// GetSocialStoreDomain decodes the social store entry for domain into
// v. Social entries are keyed by the identity alone, so they can be
// read before a factor is applied. It reports false when the domain is
// unset.
func (e *Engine) GetSocialStoreDomain(ctx context.Context, domain string, v any) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReady(); err != nil {
		return false, err
	}
	if e.state.Status == StatusNotInitialized {
		return false, ErrNotLoggedIn
	}
	err := e.adapter.ReadJSON(ctx, e.socialKey(domain), v)
	if errors.Is(err, metadata.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetSocialStoreDomain stores v under domain in the social store.
func (e *Engine) SetSocialStoreDomain(ctx context.Context, domain string, v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return err
	}
	return e.adapter.WriteJSON(ctx, e.socialKey(domain), v)
}

// DeleteSocialStoreDomain removes domain from the social store.
func (e *Engine) DeleteSocialStoreDomain(ctx context.Context, domain string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return err
	}
	return e.adapter.Delete(ctx, e.socialKey(domain))
}

// GetDeviceFactor returns the factor key stored on this device for the
// current account, or nil.
func (e *Engine) GetDeviceFactor(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReady(); err != nil {
		return nil, err
	}
	if e.state.MetadataPubKey == "" {
		return nil, ErrNotLoggedIn
	}
	return e.device.factor(accountX(e.state.MetadataPubKey))
}

// SetDeviceFactor stores factorKey on this device. It fails when a
// device factor exists unless replace is set.
func (e *Engine) SetDeviceFactor(ctx context.Context, factorKey *big.Int, replace bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireLoggedIn(); err != nil {
		return err
	}
	if err := validFactorKey(factorKey); err != nil {
		return err
	}
	x := accountX(e.state.MetadataPubKey)
	if !replace {
		existing, err := e.device.factor(x)
		if err != nil {
			return err
		}
		if existing != nil {
			return factorError(metadata.StoreKey(existing), ErrFactorExists)
		}
	}
	return e.device.setFactor(x, factorKey)
}

// ParseFactorKey parses a 64 hex character factor key.
func ParseFactorKey(s string) (*big.Int, error) {
	k, err := curve.ParseHexScalar(curve.Secp256k1(), s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFactor, err)
	}
	return k, nil
}

func validFactorKey(k *big.Int) error {
	if k == nil || k.Sign() <= 0 || k.Cmp(curve.Secp256k1().Order()) >= 0 {
		return ErrInvalidFactor
	}
	return nil
}

// sessionPayload is the persisted form of the current state.
func (e *Engine) sessionPayload() *session.Payload {
	s := e.state
	return &session.Payload{
		PostboxKey:     curve.HexScalar(s.PostboxKey),
		FactorKey:      curve.HexScalar(s.FactorKey),
		TSSShareIndex:  int(s.TSSShareIndex),
		TSSPubKey:      hex.EncodeToString(s.TSSPubKey),
		MetadataPubKey: s.MetadataPubKey,
		KeyType:        string(e.opts.KeyType),
		Signatures:     append([]string(nil), s.Signatures...),
		UserInfo:       s.UserInfo,
	}
}

// createSession stores a session for the current state once the
// metadata writes buffered so far have been flushed. A session is never
// stored for a factor whose writes are rolled back.
func (e *Engine) createSession(ctx context.Context) {
	if e.sessions == nil {
		return
	}
	payload := e.sessionPayload()
	e.adapter.OnSync(ctx, func(ctx context.Context) {
		if _, err := e.sessions.CreateSession(ctx, payload); err != nil {
			e.logger.WarnContext(ctx, "failed to create session", logger.Error(err))
		}
	})
}

// pruneNonces drops the node key nonces superseded by keep. It is
// queued with OnSync so it only runs once metadata naming keep has been
// flushed; until then the nodes keep serving the committed nonce.
func (e *Engine) pruneNonces(id tss.AccountID, keep int, signatures []string) func(context.Context) {
	signatures = append([]string(nil), signatures...)
	return func(ctx context.Context) {
		err := e.opts.Nodes.Prune(ctx, &tss.PruneRequest{
			Account:    id,
			Keep:       keep,
			Signatures: signatures,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "failed to prune superseded key nonces",
				logger.Int("nonce", keep), logger.Error(err))
			return
		}
		e.logger.DebugContext(ctx, "superseded key nonces pruned", logger.Int("nonce", keep))
	}
}

// rehydrate restores the stored session. Any failure leaves the engine
// logged out.
func (e *Engine) rehydrate(ctx context.Context) {
	if e.sessions == nil {
		return
	}
	id, err := e.sessions.StoredSessionID(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to read stored session", logger.Error(err))
		return
	}
	if id == "" {
		return
	}
	payload, err := e.sessions.AuthorizeSession(ctx, id)
	if err != nil {
		e.logger.WarnContext(ctx, "stored session rejected", logger.Error(err))
		return
	}
	if err := e.restoreSession(ctx, payload); err != nil {
		e.logger.WarnContext(ctx, "session rehydration failed", logger.Error(err))
		e.adapter.Discard()
		e.state = State{}
		e.principal.Store(nil)
		return
	}
	e.logger.InfoContext(ctx, "session restored",
		logger.String("verifier", e.state.UserInfo.Verifier),
		logger.String("verifierId", e.state.UserInfo.VerifierID))
}

func (e *Engine) restoreSession(ctx context.Context, p *session.Payload) error {
	if p.KeyType != string(e.opts.KeyType) {
		return fmt.Errorf("%w: session key type %q", ErrInvalidKeyType, p.KeyType)
	}
	postbox, err := curve.ParseHexScalar(curve.Secp256k1(), p.PostboxKey)
	if err != nil {
		return err
	}
	factorKey, err := ParseFactorKey(p.FactorKey)
	if err != nil {
		return err
	}
	e.state = withLogin(&identity.Result{
		PostboxKey: postbox,
		UserInfo:   p.UserInfo,
		Signatures: p.Signatures,
	})
	e.setPrincipal(p.UserInfo)
	social, err := e.readSocial(ctx)
	if err != nil {
		return err
	}
	if social.MetadataPubKey != p.MetadataPubKey {
		return fmt.Errorf("%w: session belongs to another account", ErrInvalidFactor)
	}
	e.state = e.state.initialized(social.MetadataPubKey, social.Share)
	return e.inputFactor(ctx, factorKey, false)
}
