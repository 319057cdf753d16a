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
	"context"
	"crypto/ed25519"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/jeremyhahn/go-mpckit/pkg/identity"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/session"
	"github.com/jeremyhahn/go-mpckit/pkg/storage"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"github.com/jeremyhahn/go-mpckit/pkg/tss/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

const (
	testClientID = "test-client"
	testIssuer   = "test-issuer"
	testVerifier = "v"
)

var (
	testIDSecret = []byte("id-token-secret-0123456789abcdef")
	testMaster   = []byte("postbox-master-secret-0123456789")
	testSigning  = []byte("node-signing-key-0123456789abcde")

	errInjected = errors.New("injected failure")
)

// flakyStore fails SetBatch while fail is set.
type flakyStore struct {
	*metadata.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *flakyStore) SetBatch(ctx context.Context, writes []metadata.Write) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.MemoryStore.SetBatch(ctx, writes)
}

// testClock is a settable clock for the node cluster.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness is one backend shared by any number of engines, each engine
// standing in for a device.
type harness struct {
	nodes    *memory.Nodes
	provider *identity.JWTProvider
	store    *flakyStore
	sessions *session.MemoryStore
	clock    *testClock
}

// newHarness builds a backend; configure adjusts the node cluster.
func newHarness(t *testing.T, configure ...func(*memory.Config)) *harness {
	t.Helper()
	provider, err := identity.NewJWTProvider(&identity.JWTProviderConfig{
		Keyfunc:      identity.HMACKeyfunc(testIDSecret),
		Issuer:       testIssuer,
		MasterSecret: testMaster,
		SigningKey:   testSigning,
	})
	require.NoError(t, err)

	clock := &testClock{now: time.Now()}
	cfg := &memory.Config{
		Authorize: provider.VerifySignatures,
		Now:       clock.Now,
	}
	for _, c := range configure {
		c(cfg)
	}
	nodes, err := memory.New(cfg)
	require.NoError(t, err)

	return &harness{
		nodes:    nodes,
		provider: provider,
		store:    &flakyStore{MemoryStore: metadata.NewMemoryStore()},
		sessions: session.NewMemoryStore(),
		clock:    clock,
	}
}

func (h *harness) options(keyType tss.KeyType, device storage.Backend) *Options {
	return &Options{
		ClientID:     testClientID,
		KeyType:      keyType,
		Nodes:        h.nodes,
		Signing:      tss.Preloaded(h.nodes.Lib()),
		Identity:     h.provider,
		Metadata:     h.store,
		Storage:      device,
		SessionStore: h.sessions,
	}
}

// device returns an initialized engine on its own local storage.
func (h *harness) device(t *testing.T, keyType tss.KeyType, mutate ...func(*Options)) *Engine {
	t.Helper()
	return h.deviceWithStorage(t, keyType, storage.NewMemory(), mutate...)
}

func (h *harness) deviceWithStorage(t *testing.T, keyType tss.KeyType, device storage.Backend, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := h.options(keyType, device)
	for _, m := range mutate {
		m(opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	return e
}

func idToken(t *testing.T, subject string) string {
	t.Helper()
	tok, err := identity.IssueIDToken(testIDSecret, testIssuer, subject, nil, time.Hour)
	require.NoError(t, err)
	return tok
}

func jwtParams(t *testing.T, subject string) *JWTLoginParams {
	return &JWTLoginParams{Verifier: testVerifier, VerifierID: subject, IDToken: idToken(t, subject)}
}

func login(t *testing.T, e *Engine, subject string) {
	t.Helper()
	require.NoError(t, e.LoginWithJWT(context.Background(), jwtParams(t, subject)))
}

func totalFactors(t *testing.T, e *Engine) int {
	t.Helper()
	d, err := e.GetKeyDetails(context.Background())
	require.NoError(t, err)
	return d.TotalFactors
}

// storedAccount reads the account document straight from the store,
// bypassing the engine's buffered writes.
func (h *harness) storedAccount(t *testing.T, e *Engine) *AccountMetadata {
	t.Helper()
	a, err := metadata.NewAdapter(&metadata.AdapterConfig{Store: h.store.MemoryStore})
	require.NoError(t, err)
	acct := &AccountMetadata{}
	require.NoError(t, a.ReadJSON(context.Background(), e.State().MetadataKey, acct))
	return acct
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// verifySecp checks a 65 byte r || s || v signature by public key
// recovery.
func verifySecp(t *testing.T, pub []byte, hash, sig []byte) {
	t.Helper()
	require.Len(t, sig, 65)
	require.LessOrEqual(t, sig[64], byte(1))
	compact := make([]byte, 65)
	compact[0] = 27 + sig[64]
	copy(compact[1:], sig[:64])
	recovered, _, err := ecdsa.RecoverCompact(compact, hash)
	require.NoError(t, err)
	assert.Equal(t, pub, recovered.SerializeCompressed())
}

func verifyEd(t *testing.T, pub, msg, sig []byte) {
	t.Helper()
	require.Len(t, sig, ed25519.SignatureSize)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), msg, sig))
}

func mustFactor(t *testing.T, hexKey string) *big.Int {
	t.Helper()
	k, err := ParseFactorKey(hexKey)
	require.NoError(t, err)
	return k
}
